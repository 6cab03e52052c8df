package optimizer

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/tracejit/internal/uop"
)

var (
	// ErrSlotBudget 内联帧的槽位总数超出预算
	ErrSlotBudget = errors.New("optimizer: abstract slot budget exceeded")
	// ErrInvariant 内部不变式被破坏
	ErrInvariant = errors.New("optimizer: internal invariant violated")
)

// ============================================================================
// 抽象帧
// ============================================================================

// AbstractFrame 编译期内联使用的虚拟帧
type AbstractFrame struct {
	Code   *uop.CodeUnit
	locals []ExprID
	stack  []ExprID
	consts []ExprID
}

// Depth 当前抽象栈深度
func (f *AbstractFrame) Depth() int {
	return len(f.stack)
}

// push 压栈。入口 trace 已按声明深度校验过，内联帧的深度由调用方代码单元保证，
// 超出声明深度即为不变式被破坏
func (f *AbstractFrame) push(id ExprID) error {
	if len(f.stack) >= f.Code.StackSize {
		return fmt.Errorf("%w: stack of %s deeper than declared %d", ErrInvariant, f.Code.Name, f.Code.StackSize)
	}
	f.stack = append(f.stack, id)
	return nil
}

func (f *AbstractFrame) pop() (ExprID, error) {
	if len(f.stack) == 0 {
		return noExpr, fmt.Errorf("%w: stack underflow in %s", ErrMalformed, f.Code.Name)
	}
	id := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return id, nil
}

// peek 第 n 个栈顶元素（1 为栈顶）
func (f *AbstractFrame) peek(n int) (ExprID, error) {
	if n < 1 || n > len(f.stack) {
		return noExpr, fmt.Errorf("%w: stack underflow in %s", ErrMalformed, f.Code.Name)
	}
	return f.stack[len(f.stack)-n], nil
}

// frameStack 帧句柄栈，严格嵌套
type frameStack struct {
	frames []*AbstractFrame
	slots  int
	budget int
}

func (s *frameStack) current() *AbstractFrame {
	return s.frames[len(s.frames)-1]
}

func (s *frameStack) depth() int {
	return len(s.frames)
}

func (s *frameStack) push(code *uop.CodeUnit) (*AbstractFrame, error) {
	need := code.Slots()
	if s.slots+need > s.budget {
		return nil, fmt.Errorf("%w: %d + %d > %d", ErrSlotBudget, s.slots, need, s.budget)
	}
	s.slots += need
	f := &AbstractFrame{
		Code:   code,
		locals: make([]ExprID, code.LocalCount),
		stack:  make([]ExprID, 0, code.StackSize),
		consts: make([]ExprID, len(code.Consts)),
	}
	s.frames = append(s.frames, f)
	return f, nil
}

func (s *frameStack) pop() (*AbstractFrame, error) {
	if len(s.frames) <= 1 {
		return nil, fmt.Errorf("%w: frame pop without a parent", ErrInvariant)
	}
	f := s.current()
	s.frames = s.frames[:len(s.frames)-1]
	s.slots -= f.Code.Slots()
	return s.current(), nil
}
