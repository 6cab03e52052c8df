package uop

import (
	"errors"
	"fmt"
	"strings"
)

// MicroOp 一条 tier-2 指令
type MicroOp struct {
	Opcode  Opcode
	Oparg   int32
	Operand uint64
	Target  int32 // 回退时的字节码偏移
}

// Inst 便捷构造
func Inst(op Opcode, oparg int32) MicroOp {
	return MicroOp{Opcode: op, Oparg: oparg}
}

// String 返回 uop 的文本形式（与 ParseTrace 兼容）
func (u MicroOp) String() string {
	var sb strings.Builder
	sb.WriteString(u.Opcode.String())
	fmt.Fprintf(&sb, " %d", u.Oparg)
	if u.Operand != 0 {
		fmt.Fprintf(&sb, " %#x", u.Operand)
	}
	if u.Target != 0 {
		fmt.Fprintf(&sb, " @%d", u.Target)
	}
	return sb.String()
}

// Trace 以终结指令结尾的 uop 序列
type Trace []MicroOp

// Clone 复制 trace
func (t Trace) Clone() Trace {
	out := make(Trace, len(t))
	copy(out, t)
	return out
}

// Equal 逐条比较
func (t Trace) Equal(other Trace) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i] != other[i] {
			return false
		}
	}
	return true
}

// Opcodes 返回操作码序列，主要用于测试断言
func (t Trace) Opcodes() []Opcode {
	ops := make([]Opcode, len(t))
	for i, u := range t {
		ops[i] = u.Opcode
	}
	return ops
}

// Len 返回到第一条终结指令（含）为止的长度，没有终结指令时返回 len(t)
func (t Trace) Len() int {
	for i, u := range t {
		if u.Opcode.IsTerminal() {
			return i + 1
		}
	}
	return len(t)
}

func (t Trace) String() string {
	var sb strings.Builder
	for i, u := range t {
		fmt.Fprintf(&sb, "%3d  %s\n", i, u)
	}
	return sb.String()
}

// ============================================================================
// 校验
// ============================================================================

var (
	ErrEmptyTrace     = errors.New("uop: empty trace")
	ErrNoTerminal     = errors.New("uop: trace has no terminal instruction")
	ErrUnknownOpcode  = errors.New("uop: unknown opcode")
	ErrStackUnderflow = errors.New("uop: stack underflow")
	ErrStackOverflow  = errors.New("uop: stack deeper than declared size")
	ErrBadOparg       = errors.New("uop: oparg out of range")
)

// Validate 静态检查 trace：存在终结指令、操作码合法、
// 栈效果不越界（仅检查入口帧，进入内联帧后停止深度检查）。
// depth 为入口栈深度。
func (t Trace) Validate(code *CodeUnit, depth int) error {
	if len(t) == 0 {
		return ErrEmptyTrace
	}
	n := t.Len()
	if !t[n-1].Opcode.IsTerminal() {
		return ErrNoTerminal
	}
	nested := 0
	for i := 0; i < n; i++ {
		u := t[i]
		if !u.Opcode.Valid() {
			return fmt.Errorf("%w at %d: %d", ErrUnknownOpcode, i, u.Opcode)
		}
		if nested > 0 {
			switch u.Opcode {
			case OpPushFrame:
				nested++
			case OpPopFrame:
				nested--
				if nested == 0 {
					// 返回值压入调用者栈
					depth++
				}
			}
			continue
		}
		if err := checkOparg(code, u); err != nil {
			return fmt.Errorf("%w at %d (%s)", err, i, u.Opcode)
		}
		pops, pushes := StackEffect(u.Opcode, u.Oparg)
		switch u.Opcode {
		case OpCopy, OpSwap:
			pops = int(u.Oparg)
			pushes = pops + pushes
		}
		if depth < pops {
			return fmt.Errorf("%w at %d (%s)", ErrStackUnderflow, i, u.Opcode)
		}
		depth += pushes - pops
		if code != nil && depth > code.StackSize {
			return fmt.Errorf("%w at %d (%s)", ErrStackOverflow, i, u.Opcode)
		}
		if u.Opcode == OpPushFrame {
			nested++
		}
	}
	return nil
}

func checkOparg(code *CodeUnit, u MicroOp) error {
	if code == nil {
		return nil
	}
	switch u.Opcode {
	case OpLoadFast, OpLoadFastCheck, OpLoadFastAndClear, OpStoreFast:
		if u.Oparg < 0 || int(u.Oparg) >= code.LocalCount {
			return ErrBadOparg
		}
	case OpLoadConst:
		if u.Oparg < 0 || int(u.Oparg) >= len(code.Consts) {
			return ErrBadOparg
		}
	case OpLoadGlobal, OpStoreGlobal, OpLoadAttr:
		if u.Oparg < 0 || int(u.Oparg) >= len(code.Names) {
			return ErrBadOparg
		}
	case OpCopy, OpSwap:
		if u.Oparg < 1 {
			return ErrBadOparg
		}
	case OpShrinkStack, OpInitCall:
		if u.Oparg < 0 {
			return ErrBadOparg
		}
	}
	return nil
}
