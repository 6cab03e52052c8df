// interp.go - tier-2 参考解释器
//
// 逐条执行 trace，作为优化器的差分测试基准，
// 同时在本机代码不可用时作为解释执行的回退路径。

package uop

import (
	"errors"
	"fmt"
)

// ErrInternal 解释器检测到 trace 本身不合法（不是程序的运行时异常）
var ErrInternal = errors.New("uop: malformed trace")

// Frame 解释器帧
type Frame struct {
	Code         *CodeUnit
	Locals       []Value
	Stack        []Value
	IP           int32
	ReturnOffset int32
	Parent       *Frame
}

// NewFrame 创建帧，局部变量初始化为 NULL
func NewFrame(code *CodeUnit, args ...Value) *Frame {
	f := &Frame{
		Code:   code,
		Locals: make([]Value, code.LocalCount),
		Stack:  make([]Value, 0, code.StackSize),
	}
	copy(f.Locals, args)
	return f
}

// Clone 深复制帧链（值本身共享）
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Locals = append([]Value(nil), f.Locals...)
	c.Stack = append(make([]Value, 0, cap(f.Stack)), f.Stack...)
	c.Parent = f.Parent.Clone()
	return &c
}

// Depth 帧链长度
func (f *Frame) Depth() int {
	n := 0
	for ; f != nil; f = f.Parent {
		n++
	}
	return n
}

func (f *Frame) push(v Value) error {
	if len(f.Stack) >= f.Code.StackSize {
		return fmt.Errorf("%w: stack overflow in %s", ErrInternal, f.Code.Name)
	}
	f.Stack = append(f.Stack, v)
	return nil
}

func (f *Frame) pop() Value {
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

func (f *Frame) peek(n int) Value {
	return f.Stack[len(f.Stack)-n]
}

// State 解释器状态
type State struct {
	Frame   *Frame
	Globals map[string]Value

	// InvalidateOnEscape 为 true 时，任何可逃逸的 uop 都会使 executor 失效，
	// 之后的 CHECK_VALIDITY 去优化
	InvalidateOnEscape bool
	Invalidated        bool
}

// Clone 深复制状态
func (s *State) Clone() *State {
	c := *s
	c.Frame = s.Frame.Clone()
	c.Globals = make(map[string]Value, len(s.Globals))
	for k, v := range s.Globals {
		c.Globals[k] = v
	}
	return &c
}

// ExitKind trace 的退出方式
type ExitKind int

const (
	ExitTrace  ExitKind = iota // EXIT_TRACE，跳到 Target
	ExitLoop                   // JUMP_TO_TOP
	ExitDeopt                  // 守卫失败，回到 Target
	ExitError                  // 运行时异常
	ExitReturn                 // 入口帧返回
)

var exitNames = [...]string{"exit", "loop", "deopt", "error", "return"}

func (k ExitKind) String() string {
	if int(k) < len(exitNames) {
		return exitNames[k]
	}
	return fmt.Sprintf("exit(%d)", int(k))
}

// Exit 执行结果
type Exit struct {
	Kind   ExitKind
	Index  int   // 退出时的 uop 下标
	Target int32 // ExitTrace / ExitDeopt 的回退偏移
	IP     int32 // ExitError 时当前帧的 IP
	Err    error
	Value  Value // ExitReturn 的返回值
}

// Interpret 执行 trace 直到终结、去优化、异常或入口帧返回
// 执行超过 maxSteps 条 uop 时返回内部错误（0 表示不限制）
func Interpret(trace Trace, st *State, maxSteps int) Exit {
	steps := 0
	for pc := 0; pc < len(trace); pc++ {
		if maxSteps > 0 {
			steps++
			if steps > maxSteps {
				return Exit{Kind: ExitError, Index: pc, Err: fmt.Errorf("%w: step limit exceeded", ErrInternal)}
			}
		}
		exit, done := step(trace[pc], pc, st)
		if done {
			return exit
		}
	}
	return Exit{Kind: ExitError, Index: len(trace), Err: fmt.Errorf("%w: fell off the end", ErrInternal)}
}

func step(u MicroOp, pc int, st *State) (Exit, bool) {
	f := st.Frame
	fail := func(err error) (Exit, bool) {
		return Exit{Kind: ExitError, Index: pc, IP: f.IP, Err: err}, true
	}
	deopt := func() (Exit, bool) {
		return Exit{Kind: ExitDeopt, Index: pc, Target: u.Target}, true
	}
	need := func(n int) bool { return len(f.Stack) >= n }

	if !u.Opcode.Valid() {
		return fail(fmt.Errorf("%w: unknown opcode %d", ErrInternal, u.Opcode))
	}
	pops, _ := StackEffect(u.Opcode, u.Oparg)
	switch u.Opcode {
	case OpCopy, OpSwap:
		pops = int(u.Oparg)
	}
	if !need(pops) {
		return fail(fmt.Errorf("%w: stack underflow at %s", ErrInternal, u.Opcode))
	}
	if err := checkOparg(f.Code, u); err != nil {
		return fail(fmt.Errorf("%w: %s %d: %v", ErrInternal, u.Opcode, u.Oparg, err))
	}
	if u.Opcode.Has(FlagEscapes) && st.InvalidateOnEscape {
		st.Invalidated = true
	}

	var err error
	switch u.Opcode {
	case OpNop, OpSaveReturnOffset:
		if u.Opcode == OpSaveReturnOffset {
			f.ReturnOffset = u.Oparg
		}
	case OpSetIP:
		f.IP = u.Oparg
	case OpCheckValidity:
		if st.Invalidated {
			return deopt()
		}

	case OpLoadFast:
		err = f.push(f.Locals[u.Oparg])
	case OpLoadFastCheck:
		v := f.Locals[u.Oparg]
		if v.IsNull() {
			return fail(fmt.Errorf("%w: local %d referenced before assignment", ErrUnboundLocal, u.Oparg))
		}
		err = f.push(v)
	case OpLoadFastAndClear:
		v := f.Locals[u.Oparg]
		f.Locals[u.Oparg] = NullValue
		err = f.push(v)
	case OpStoreFast:
		f.Locals[u.Oparg] = f.pop()
	case OpLoadConst:
		err = f.push(f.Code.Consts[u.Oparg])
	case OpLoadConstInline:
		v, derr := DecodeImmediate(u.Oparg, u.Operand)
		if derr != nil {
			return fail(fmt.Errorf("%w: %v", ErrInternal, derr))
		}
		err = f.push(v)

	case OpPopTop:
		f.pop()
	case OpPushNull:
		err = f.push(NullValue)
	case OpCopy:
		err = f.push(f.peek(int(u.Oparg)))
	case OpSwap:
		n := len(f.Stack)
		f.Stack[n-1], f.Stack[n-int(u.Oparg)] = f.Stack[n-int(u.Oparg)], f.Stack[n-1]
	case OpShrinkStack:
		f.Stack = f.Stack[:len(f.Stack)-int(u.Oparg)]

	case OpLoadGlobal:
		name := f.Code.Names[u.Oparg]
		v, ok := st.Globals[name]
		if !ok {
			return fail(fmt.Errorf("%w: name %q is not defined", ErrNameError, name))
		}
		err = f.push(v)
	case OpStoreGlobal:
		st.Globals[f.Code.Names[u.Oparg]] = f.pop()
	case OpLoadAttr:
		name := f.Code.Names[u.Oparg]
		obj := f.pop().AsObject()
		if obj == nil {
			return fail(fmt.Errorf("%w: attribute %q of non-object", ErrAttributeError, name))
		}
		v, ok := obj.Attrs[name]
		if !ok {
			return fail(fmt.Errorf("%w: %s has no attribute %q", ErrAttributeError, obj.TypeName, name))
		}
		err = f.push(v)
	case OpBinaryOp:
		b := f.pop()
		a := f.pop()
		v, rerr := EvalBinaryOp(u.Oparg, a, b)
		if rerr != nil {
			return fail(rerr)
		}
		err = f.push(v)

	case OpGuardBothInt, OpGuardBothFloat, OpGuardBothStr:
		want := guardKind(u.Opcode)
		if !need(2) || f.peek(1).Kind != want || f.peek(2).Kind != want {
			return deopt()
		}
	case OpGuardTosInt:
		if !need(1) || f.peek(1).Kind != KindInt {
			return deopt()
		}
	case OpGuardTypeVersion:
		if !need(1) {
			return deopt()
		}
		obj := f.peek(1).AsObject()
		if obj == nil || uint64(obj.TypeVersion) != u.Operand {
			return deopt()
		}
	case OpCheckFunctionExactArgs:
		n := int(u.Oparg)
		if !need(n + 2) {
			return deopt()
		}
		fn := f.peek(n + 2).AsFunc()
		want := n
		if !f.peek(n + 1).IsNull() {
			want++
		}
		if fn == nil || uint64(fn.Version) != u.Operand || fn.Code == nil || fn.Code.ArgCount != want {
			return deopt()
		}

	case OpPushFrame:
		call := f.pop().AsPendingCall()
		if call == nil || call.Func == nil || call.Func.Code == nil {
			return fail(fmt.Errorf("%w: PUSH_FRAME without a pending call", ErrInternal))
		}
		callee := NewFrame(call.Func.Code, call.Args...)
		callee.Parent = f
		st.Frame = callee
	case OpPopFrame:
		ret := f.pop()
		if f.Parent == nil {
			return Exit{Kind: ExitReturn, Index: pc, Value: ret}, true
		}
		st.Frame = f.Parent
		err = st.Frame.push(ret)

	case OpExitTrace:
		return Exit{Kind: ExitTrace, Index: pc, Target: u.Target}, true
	case OpJumpToTop:
		return Exit{Kind: ExitLoop, Index: pc, Target: u.Target}, true

	default:
		if !u.Opcode.IsPure() {
			return fail(fmt.Errorf("%w: no rule for %s", ErrInternal, u.Opcode))
		}
		args := make([]Value, pops)
		copy(args, f.Stack[len(f.Stack)-pops:])
		f.Stack = f.Stack[:len(f.Stack)-pops]
		v, _ := EvalPure(u.Opcode, u.Oparg, args)
		err = f.push(v)
	}
	if err != nil {
		return fail(err)
	}
	return Exit{}, false
}

func guardKind(op Opcode) ValueKind {
	switch op {
	case OpGuardBothInt:
		return KindInt
	case OpGuardBothFloat:
		return KindFloat
	}
	return KindStr
}
