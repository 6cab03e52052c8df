package optimizer

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/tracejit/internal/uop"
)

var (
	// ErrContextAlloc 无法创建顶层上下文，这是唯一的硬错误
	ErrContextAlloc = errors.New("optimizer: cannot allocate context")
	// ErrUnresolvedCall PUSH_FRAME 的被调函数无法静态解析
	ErrUnresolvedCall = errors.New("optimizer: call target not resolved")
	// ErrOutputTooLong 线性化结果比输入长
	ErrOutputTooLong = errors.New("optimizer: optimized trace longer than input")
	// ErrMalformed 输入 trace 不合法
	ErrMalformed = errors.New("optimizer: malformed trace")
)

// ============================================================================
// 抽象解释上下文
// ============================================================================

// interpContext 一次优化调用的全部状态，调用结束即丢弃
type interpContext struct {
	log    *zap.Logger
	funcs  *uop.FunctionTable
	arena  *arena
	ledger *ledger
	frames frameStack

	null     ExprID
	terminal uop.MicroOp

	// factsSinceImpure 上一次清除可变事实之后是否可能建立了新事实
	factsSinceImpure bool

	guardsElided int
	storesElided int
	folded       int
}

// newInterpContext 创建上下文并初始化根帧
func newInterpContext(code *uop.CodeUnit, depth, traceLen int, opts *Options) (*interpContext, error) {
	capacity := traceLen*opts.OverallocateFactor + len(code.Consts) + code.LocalCount + depth + 1
	if capacity > opts.MaxArenaSlots {
		return nil, fmt.Errorf("%w: %d slots requested, limit %d", ErrContextAlloc, capacity, opts.MaxArenaSlots)
	}
	c := &interpContext{
		log:    opts.Logger,
		funcs:  opts.Functions,
		arena:  newArena(capacity),
		ledger: newLedger(capacity),
		frames: frameStack{budget: opts.SlotBudget},
	}
	if err := c.ledger.append(rootEntry{code: code}); err != nil {
		return nil, err
	}
	f, err := c.frames.push(code)
	if err != nil {
		return nil, err
	}
	for i := range f.locals {
		// 入口帧的局部变量：种类未知，LOAD_FAST 由编译器保证已绑定
		if f.locals[i], err = c.localLeaf(i, SymType{}); err != nil {
			return nil, err
		}
	}
	if err := c.initConsts(f); err != nil {
		return nil, err
	}
	for i := 0; i < depth; i++ {
		id, err := c.arena.stackLeaf(noExpr, SymType{Flags: TypeSelfOrNull})
		if err != nil {
			return nil, err
		}
		if err := f.push(id); err != nil {
			return nil, err
		}
	}
	var null SymType
	null.setConst(uop.NullValue)
	if c.null, err = c.arena.newExpr(exprNull, uop.Inst(uop.OpPushNull, 0), nil, null); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *interpContext) localLeaf(slot int, ty SymType) (ExprID, error) {
	return c.arena.newExpr(exprLocal, uop.Inst(uop.OpLoadFast, int32(slot)), nil, ty)
}

func (c *interpContext) initConsts(f *AbstractFrame) error {
	for i, v := range f.Code.Consts {
		var ty SymType
		ty.setConst(v)
		id, err := c.arena.newExpr(exprConst, uop.Inst(uop.OpLoadConst, int32(i)), nil, ty)
		if err != nil {
			return err
		}
		f.consts[i] = id
	}
	return nil
}

func (c *interpContext) frame() *AbstractFrame {
	return c.frames.current()
}

func (c *interpContext) typeOf(id ExprID) *SymType {
	return c.arena.typeOf(id)
}

// flush 把当前帧栈上尚未落栈的表达式写入账本，换成栈叶子。
// keepTypes 为 false 时只保留不可变事实。
func (c *interpContext) flush(keepTypes bool) error {
	f := c.frame()
	for i, id := range f.stack {
		if c.arena.expr(id).kind == exprStack {
			if !keepTypes {
				*c.typeOf(id) = c.typeOf(id).immutable()
			}
			continue
		}
		if err := c.ledger.store(id, targetStack); err != nil {
			return err
		}
		ty := *c.typeOf(id)
		if !keepTypes {
			ty = ty.immutable()
		}
		leaf, err := c.arena.stackLeaf(id, ty)
		if err != nil {
			return err
		}
		f.stack[i] = leaf
	}
	return nil
}

// clearMutableFacts 逃逸操作之后，所有帧中的可变事实失效
func (c *interpContext) clearMutableFacts() {
	for _, f := range c.frames.frames {
		for _, id := range f.locals {
			*c.typeOf(id) = c.typeOf(id).immutable()
		}
		for _, id := range f.stack {
			*c.typeOf(id) = c.typeOf(id).immutable()
		}
		for _, id := range f.consts {
			*c.typeOf(id) = c.typeOf(id).immutable()
		}
	}
}

// checkOparg 内联帧不经过 Trace.Validate，下标在这里检查
func checkOparg(code *uop.CodeUnit, u uop.MicroOp) error {
	n := -1
	switch u.Opcode {
	case uop.OpLoadFast, uop.OpLoadFastCheck, uop.OpLoadFastAndClear, uop.OpStoreFast:
		n = code.LocalCount
	case uop.OpLoadConst:
		n = len(code.Consts)
	case uop.OpShrinkStack, uop.OpInitCall:
		if u.Oparg < 0 {
			return fmt.Errorf("%w: negative oparg for %s", ErrMalformed, u.Opcode)
		}
	case uop.OpCopy, uop.OpSwap:
		if u.Oparg < 1 {
			return fmt.Errorf("%w: oparg %d for %s", ErrMalformed, u.Oparg, u.Opcode)
		}
	}
	if n >= 0 && (u.Oparg < 0 || int(u.Oparg) >= n) {
		return fmt.Errorf("%w: %s %d out of range in %s", ErrMalformed, u.Opcode, u.Oparg, code.Name)
	}
	return nil
}

// ============================================================================
// 主循环
// ============================================================================

// run 抽象解释 trace 直到终结指令
func (c *interpContext) run(trace uop.Trace) error {
	for i, u := range trace {
		if ce := c.log.Check(zapcore.DebugLevel, "abstract interpret"); ce != nil {
			ce.Write(zap.Int("index", i), zap.Stringer("uop", u),
				zap.Int("frame", c.frames.depth()), zap.Int("stack", c.frame().Depth()))
		}
		if u.Opcode.IsTerminal() {
			if err := c.flush(false); err != nil {
				return err
			}
			c.terminal = u
			return nil
		}
		if err := c.step(u); err != nil {
			return fmt.Errorf("uop %d (%s): %w", i, u, err)
		}
	}
	return fmt.Errorf("%w: no terminal uop", ErrMalformed)
}

func (c *interpContext) step(u uop.MicroOp) error {
	op := u.Opcode
	if !op.Valid() {
		return fmt.Errorf("%w: unknown opcode %d", ErrMalformed, op)
	}
	if err := checkOparg(c.frame().Code, u); err != nil {
		return err
	}
	if op.IsImpure() {
		return c.impure(u)
	}
	c.factsSinceImpure = true
	switch {
	case op.IsGuard():
		return c.guard(u)
	case op.IsPure():
		return c.pure(u)
	}
	return c.special(u)
}

// impure 有副作用的操作：先让栈和程序顺序一致，再原样追加
func (c *interpContext) impure(u uop.MicroOp) error {
	if c.factsSinceImpure {
		if err := c.flush(false); err != nil {
			return err
		}
		c.clearMutableFacts()
		c.factsSinceImpure = false
	}
	if err := c.ledger.inst(u); err != nil {
		return err
	}
	f := c.frame()
	pops, pushes := uop.StackEffect(u.Opcode, u.Oparg)
	for i := 0; i < pops; i++ {
		if _, err := f.pop(); err != nil {
			return err
		}
	}
	for i := 0; i < pushes; i++ {
		id, err := c.arena.stackLeaf(noExpr, SymType{Flags: TypeNonNull})
		if err != nil {
			return err
		}
		if err := f.push(id); err != nil {
			return err
		}
	}
	return nil
}

// pure 纯操作只做符号求值，操作数全为常量时折叠
func (c *interpContext) pure(u uop.MicroOp) error {
	f := c.frame()
	pops, _ := uop.StackEffect(u.Opcode, u.Oparg)
	operands := make([]ExprID, pops)
	for i := pops - 1; i >= 0; i-- {
		id, err := f.pop()
		if err != nil {
			return err
		}
		operands[i] = id
	}
	ty := SymType{Flags: resultType(u.Opcode)}
	if u.Opcode != uop.OpInitCall {
		if args, ok := c.constArgs(operands); ok {
			if v, ok := uop.EvalPure(u.Opcode, u.Oparg, args); ok {
				ty.setConst(v)
				c.folded++
			}
		}
	}
	id, err := c.arena.newExpr(exprOp, u, operands, ty)
	if err != nil {
		return err
	}
	return f.push(id)
}

func (c *interpContext) constArgs(operands []ExprID) ([]uop.Value, bool) {
	args := make([]uop.Value, len(operands))
	for i, id := range operands {
		t := c.typeOf(id)
		if !t.IsConst() {
			return nil, false
		}
		args[i] = t.Const
	}
	return args, true
}

// ============================================================================
// 守卫
// ============================================================================

// guard 已知事实足以证明时删除守卫，否则落栈后保留并记录它证明的事实
func (c *interpContext) guard(u uop.MicroOp) error {
	holds, err := c.guardHolds(u)
	if err != nil {
		return err
	}
	if holds {
		c.guardsElided++
		return nil
	}
	if err := c.flush(true); err != nil {
		return err
	}
	if err := c.ledger.inst(u); err != nil {
		return err
	}
	return c.narrowGuard(u)
}

func (c *interpContext) guardHolds(u uop.MicroOp) (bool, error) {
	f := c.frame()
	switch u.Opcode {
	case uop.OpGuardBothInt, uop.OpGuardBothFloat, uop.OpGuardBothStr:
		a, err := f.peek(1)
		if err != nil {
			return false, err
		}
		b, err := f.peek(2)
		if err != nil {
			return false, err
		}
		want := guardType(u.Opcode)
		return c.typeOf(a).Is(want) && c.typeOf(b).Is(want), nil
	case uop.OpGuardTosInt:
		a, err := f.peek(1)
		if err != nil {
			return false, err
		}
		return c.typeOf(a).Is(TypeInt), nil
	case uop.OpGuardTypeVersion:
		a, err := f.peek(1)
		if err != nil {
			return false, err
		}
		return c.typeOf(a).Matches(TypeTypeVersion, u.Operand), nil
	case uop.OpCheckFunctionExactArgs:
		n := int(u.Oparg)
		callable, err := f.peek(n + 2)
		if err != nil {
			return false, err
		}
		self, err := f.peek(n + 1)
		if err != nil {
			return false, err
		}
		if !c.typeOf(callable).Matches(TypeFuncVersion, u.Operand) {
			return false, nil
		}
		want := n
		switch c.typeOf(self).selfState() {
		case selfUnknown:
			return false, nil
		case selfPresent:
			want++
		}
		fn, ok := c.funcs.LookupByVersion(uint32(u.Operand))
		return ok && fn.Code != nil && fn.Code.ArgCount == want, nil
	}
	return false, fmt.Errorf("%w: no rule for guard %s", ErrInvariant, u.Opcode)
}

func (c *interpContext) narrowGuard(u uop.MicroOp) error {
	f := c.frame()
	switch u.Opcode {
	case uop.OpGuardBothInt, uop.OpGuardBothFloat, uop.OpGuardBothStr:
		a, _ := f.peek(1)
		b, _ := f.peek(2)
		c.arena.narrow(a, guardType(u.Opcode), 0)
		c.arena.narrow(b, guardType(u.Opcode), 0)
	case uop.OpGuardTosInt:
		a, _ := f.peek(1)
		c.arena.narrow(a, TypeInt, 0)
	case uop.OpGuardTypeVersion:
		a, _ := f.peek(1)
		c.arena.narrow(a, TypeTypeVersion, u.Operand)
	case uop.OpCheckFunctionExactArgs:
		n := int(u.Oparg)
		callable, _ := f.peek(n + 2)
		self, _ := f.peek(n + 1)
		c.arena.narrow(callable, TypeFuncVersion, u.Operand)
		// 守卫通过说明参数个数匹配，由此可知 self 是否存在
		if fn, ok := c.funcs.LookupByVersion(uint32(u.Operand)); ok && fn.Code != nil {
			switch fn.Code.ArgCount {
			case n:
				c.arena.narrowConst(self, uop.NullValue)
			case n + 1:
				c.arena.narrowNonNull(self)
			}
		}
	}
	return nil
}

// ============================================================================
// 特殊处理的操作
// ============================================================================

func (c *interpContext) special(u uop.MicroOp) error {
	f := c.frame()
	switch u.Opcode {
	case uop.OpNop:
		return nil

	case uop.OpLoadFast:
		local := f.locals[u.Oparg]
		if c.typeOf(local).MaybeNull() {
			// 可能未绑定：改写为带检查的加载
			checked := u
			checked.Opcode = uop.OpLoadFastCheck
			return c.checkedLoad(checked)
		}
		return f.push(local)

	case uop.OpLoadFastCheck:
		local := f.locals[u.Oparg]
		if c.typeOf(local).ProvenNonNull() {
			return f.push(local)
		}
		return c.checkedLoad(u)

	case uop.OpLoadFastAndClear:
		if err := c.flush(true); err != nil {
			return err
		}
		if err := c.ledger.inst(u); err != nil {
			return err
		}
		local := f.locals[u.Oparg]
		leaf, err := c.arena.stackLeaf(local, *c.typeOf(local))
		if err != nil {
			return err
		}
		var null SymType
		null.setConst(uop.NullValue)
		if f.locals[u.Oparg], err = c.localLeaf(int(u.Oparg), null); err != nil {
			return err
		}
		return f.push(leaf)

	case uop.OpStoreFast:
		return c.storeFast(u)

	case uop.OpLoadConst:
		return f.push(f.consts[u.Oparg])

	case uop.OpLoadConstInline:
		v, err := uop.DecodeImmediate(u.Oparg, u.Operand)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		var ty SymType
		ty.setConst(v)
		id, err := c.arena.newExpr(exprConst, u, nil, ty)
		if err != nil {
			return err
		}
		return f.push(id)

	case uop.OpPushNull:
		return f.push(c.null)

	case uop.OpPopTop:
		return c.drop(u, 1)
	case uop.OpShrinkStack:
		return c.drop(u, int(u.Oparg))

	case uop.OpCopy:
		if err := c.flush(true); err != nil {
			return err
		}
		bottom, err := f.peek(int(u.Oparg))
		if err != nil {
			return err
		}
		if err := c.ledger.inst(u); err != nil {
			return err
		}
		leaf, err := c.arena.stackLeaf(bottom, *c.typeOf(bottom))
		if err != nil {
			return err
		}
		return f.push(leaf)

	case uop.OpSwap:
		if err := c.flush(true); err != nil {
			return err
		}
		n := int(u.Oparg)
		if _, err := f.peek(n); err != nil {
			return err
		}
		if err := c.ledger.inst(u); err != nil {
			return err
		}
		top, bottom := len(f.stack)-1, len(f.stack)-n
		f.stack[top], f.stack[bottom] = f.stack[bottom], f.stack[top]
		return nil

	case uop.OpPushFrame:
		return c.pushFrame(u)
	case uop.OpPopFrame:
		return c.popFrame(u)

	case uop.OpSetIP, uop.OpSaveReturnOffset:
		return c.ledger.inst(u)
	case uop.OpCheckValidity:
		// 可能去优化，真实栈必须完整
		if err := c.flush(true); err != nil {
			return err
		}
		return c.ledger.inst(u)
	}
	return fmt.Errorf("%w: no rule for %s", ErrInvariant, u.Opcode)
}

// checkedLoad 追加 LOAD_FAST_CHECK，检查通过后局部变量已知非 NULL
func (c *interpContext) checkedLoad(u uop.MicroOp) error {
	f := c.frame()
	if err := c.flush(true); err != nil {
		return err
	}
	if err := c.ledger.inst(u); err != nil {
		return err
	}
	local := f.locals[u.Oparg]
	ty := *c.typeOf(local)
	ty.setNonNull()
	leaf, err := c.arena.stackLeaf(local, ty)
	if err != nil {
		return err
	}
	c.typeOf(local).setNonNull()
	return f.push(leaf)
}

// storeFast 记录存储；存入局部变量自身的当前值时什么也不做
func (c *interpContext) storeFast(u uop.MicroOp) error {
	f := c.frame()
	value, err := f.pop()
	if err != nil {
		return err
	}
	slot := int(u.Oparg)
	old := f.locals[slot]
	if value == old {
		c.storesElided++
		return nil
	}
	// 栈上尚未求值的表达式如果读取旧值，必须先求值
	for _, id := range f.stack {
		if c.arena.expr(id).kind != exprStack && c.arena.references(id, old) {
			if err := c.flush(true); err != nil {
				return err
			}
			break
		}
	}
	if err := c.ledger.store(value, u.Oparg); err != nil {
		return err
	}
	f.locals[slot], err = c.localLeaf(slot, *c.typeOf(value))
	return err
}

// drop 弹出 n 个值，只有已经落栈的部分需要真正弹出
func (c *interpContext) drop(u uop.MicroOp, n int) error {
	f := c.frame()
	seen := bitset.New(uint(c.arena.len()))
	leaves := 0
	allStack := true
	for i := 0; i < n; i++ {
		id, err := f.pop()
		if err != nil {
			return err
		}
		if c.arena.expr(id).kind != exprStack {
			allStack = false
		}
		leaves += c.arena.stackLeaves(id, seen)
	}
	switch {
	case leaves == 0:
		return nil
	case allStack:
		return c.ledger.inst(u)
	}
	return c.ledger.inst(uop.MicroOp{Opcode: uop.OpShrinkStack, Oparg: int32(leaves), Target: u.Target})
}

// ============================================================================
// 内联帧
// ============================================================================

// pushFrame 用已证明的函数版本静态解析被调函数并压入抽象帧
func (c *interpContext) pushFrame(u uop.MicroOp) error {
	f := c.frame()
	top, err := f.peek(1)
	if err != nil {
		return err
	}
	call := c.arena.expr(c.arena.resolve(top))
	if call.kind != exprOp || call.inst.Opcode != uop.OpInitCall {
		return fmt.Errorf("%w: PUSH_FRAME without a visible INIT_CALL", ErrUnresolvedCall)
	}
	callable, self, args := call.operands[0], call.operands[1], call.operands[2:]
	ct := c.typeOf(callable)
	if !ct.Is(TypeFuncVersion) {
		return fmt.Errorf("%w: callee version unknown", ErrUnresolvedCall)
	}
	version := uint32(ct.Refinement[refineFunc])
	fn, ok := c.funcs.LookupByVersion(version)
	if !ok || fn.Code == nil {
		return fmt.Errorf("%w: no function with version %d", ErrUnresolvedCall, version)
	}
	if err := fn.Code.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnresolvedCall, err)
	}

	if err := c.flush(true); err != nil {
		return err
	}
	if _, err := f.pop(); err != nil {
		return err
	}
	if err := c.ledger.inst(u); err != nil {
		return err
	}
	if err := c.ledger.append(framePushEntry{code: fn.Code}); err != nil {
		return err
	}
	nf, err := c.frames.push(fn.Code)
	if err != nil {
		return err
	}

	// 参数个数：self 状态未知时可能多一个
	n := len(args)
	state := c.typeOf(self).selfState()
	bound, maybe := n, n
	var values []ExprID
	switch state {
	case selfAbsent:
		values = args
	case selfPresent:
		values = append([]ExprID{self}, args...)
		bound, maybe = n+1, n+1
	default:
		maybe = n + 1
	}
	for i := range nf.locals {
		var ty SymType
		switch {
		case i < len(values):
			ty = *c.typeOf(values[i])
		case i < bound:
			// 已绑定但不知道是 self 还是参数
		case i < maybe:
			ty.Flags = TypeNull
		default:
			ty.setConst(uop.NullValue)
		}
		if nf.locals[i], err = c.localLeaf(i, ty); err != nil {
			return err
		}
	}
	return c.initConsts(nf)
}

// popFrame 返回调用者帧，返回值的类型事实带回调用者栈上
func (c *interpContext) popFrame(u uop.MicroOp) error {
	f := c.frame()
	if c.frames.depth() == 1 {
		return fmt.Errorf("%w: POP_FRAME in the root frame", ErrInvariant)
	}
	if f.Depth() != 1 {
		return fmt.Errorf("%w: POP_FRAME with stack level %d", ErrInvariant, f.Depth())
	}
	if err := c.flush(true); err != nil {
		return err
	}
	if err := c.ledger.append(framePopEntry{}); err != nil {
		return err
	}
	if err := c.ledger.inst(u); err != nil {
		return err
	}
	ret, err := f.pop()
	if err != nil {
		return err
	}
	caller, err := c.frames.pop()
	if err != nil {
		return err
	}
	leaf, err := c.arena.stackLeaf(ret, *c.typeOf(ret))
	if err != nil {
		return err
	}
	return caller.push(leaf)
}
