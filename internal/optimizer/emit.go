package optimizer

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/tangzhangming/tracejit/internal/uop"
)

// ============================================================================
// 线性化
// ============================================================================

// emitter 按账本顺序重放，输出长度不超过 limit
type emitter struct {
	arena *arena
	out   uop.Trace
	limit int
}

func (e *emitter) emit(u uop.MicroOp) error {
	if len(e.out) >= e.limit {
		return ErrOutputTooLong
	}
	e.out = append(e.out, u)
	return nil
}

// linearize 把账本转成新的 trace，最后追加终结指令
func (c *interpContext) linearize(limit int) (uop.Trace, error) {
	e := &emitter{arena: c.arena, out: make(uop.Trace, 0, limit), limit: limit}
	depth := 0
	for _, ent := range c.ledger.entries[1:] {
		switch ent := ent.(type) {
		case instEntry:
			if err := e.emit(ent.inst); err != nil {
				return nil, err
			}
		case storeEntry:
			if err := e.expr(ent.expr); err != nil {
				return nil, err
			}
			if ent.target != targetStack {
				if err := e.emit(uop.Inst(uop.OpStoreFast, ent.target)); err != nil {
					return nil, err
				}
			}
		case framePushEntry:
			depth++
		case framePopEntry:
			if depth == 0 {
				return nil, fmt.Errorf("%w: frame pop below the root", ErrInvariant)
			}
			depth--
		case rootEntry:
			return nil, fmt.Errorf("%w: root marker at a non-zero index", ErrInvariant)
		}
	}
	if err := e.emit(c.terminal); err != nil {
		return nil, err
	}
	return e.out, nil
}

// expr 发射表达式：已落栈的叶子不发射，常量结果直接内联
func (e *emitter) expr(id ExprID) error {
	x := e.arena.expr(id)
	switch x.kind {
	case exprStack:
		return nil
	case exprLocal, exprConst, exprNull:
		return e.emit(x.inst)
	}
	if t := e.arena.typeOf(id); t.IsConst() {
		if kind, bits, ok := uop.EncodeImmediate(t.Const); ok {
			// 已经在栈上的操作数不再需要
			if k := e.arena.stackLeaves(id, bitset.New(uint(e.arena.len()))); k > 0 {
				if err := e.emit(uop.MicroOp{Opcode: uop.OpShrinkStack, Oparg: int32(k), Target: x.inst.Target}); err != nil {
					return err
				}
			}
			return e.emit(uop.MicroOp{Opcode: uop.OpLoadConstInline, Oparg: kind, Operand: bits, Target: x.inst.Target})
		}
	}
	for _, op := range x.operands {
		if err := e.expr(op); err != nil {
			return err
		}
	}
	return e.emit(x.inst)
}
