package optimizer

import (
	"errors"

	"github.com/bits-and-blooms/bitset"

	"github.com/tangzhangming/tracejit/internal/uop"
)

// ErrArenaFull 表达式区、类型区或账本容量耗尽，本条 trace 放弃优化
var ErrArenaFull = errors.New("optimizer: arena exhausted")

// ============================================================================
// 符号表达式
// ============================================================================

// ExprID 表达式句柄
type ExprID int32

// TypeID 类型句柄
type TypeID int32

// noExpr 空句柄
const noExpr ExprID = -1

// exprKind 表达式种类
type exprKind uint8

const (
	exprOp    exprKind = iota // 纯操作，操作数是其他表达式
	exprStack                 // 已经在真实栈上的值，永不重新发射
	exprLocal                 // 局部变量的当前值，发射为 LOAD_FAST
	exprConst                 // 常量，发射为 LOAD_CONST / LOAD_CONST_INLINE
	exprNull                  // PUSH_NULL 共享叶子
)

// expr 符号表达式节点
type expr struct {
	inst     uop.MicroOp
	kind     exprKind
	operands []ExprID
	ty       TypeID
	origin   ExprID // exprStack: 落入这个栈槽的原表达式
}

func (e *expr) isLeaf() bool {
	return e.kind != exprOp
}

// arena 表达式区与类型区，按句柄寻址，容量固定
type arena struct {
	exprs    []expr
	types    []SymType
	operands []ExprID
}

func newArena(capacity int) *arena {
	return &arena{
		exprs: make([]expr, 0, capacity),
		types: make([]SymType, 0, capacity),
	}
}

// newExpr 分配表达式及其类型
func (a *arena) newExpr(kind exprKind, inst uop.MicroOp, operands []ExprID, ty SymType) (ExprID, error) {
	if len(a.exprs) == cap(a.exprs) || len(a.types) == cap(a.types) {
		return noExpr, ErrArenaFull
	}
	var ops []ExprID
	if len(operands) > 0 {
		start := len(a.operands)
		a.operands = append(a.operands, operands...)
		ops = a.operands[start:len(a.operands):len(a.operands)]
	}
	tid := TypeID(len(a.types))
	a.types = append(a.types, ty)
	id := ExprID(len(a.exprs))
	a.exprs = append(a.exprs, expr{inst: inst, kind: kind, operands: ops, ty: tid, origin: noExpr})
	return id, nil
}

func (a *arena) expr(id ExprID) *expr {
	return &a.exprs[id]
}

func (a *arena) typeOf(id ExprID) *SymType {
	return &a.types[a.exprs[id].ty]
}

// stackLeaf 分配一个已落栈的叶子，记录来源表达式
func (a *arena) stackLeaf(origin ExprID, ty SymType) (ExprID, error) {
	id, err := a.newExpr(exprStack, uop.MicroOp{}, nil, ty)
	if err != nil {
		return noExpr, err
	}
	a.exprs[id].origin = origin
	return id, nil
}

// narrow 为表达式及其来源链添加事实
func (a *arena) narrow(id ExprID, f TypeFlags, refinement uint64) {
	for ; id != noExpr; id = a.exprs[id].origin {
		a.typeOf(id).set(f, refinement)
	}
}

// narrowNonNull 标记表达式及其来源链非 NULL
func (a *arena) narrowNonNull(id ExprID) {
	for ; id != noExpr; id = a.exprs[id].origin {
		a.typeOf(id).setNonNull()
	}
}

// narrowConst 标记表达式及其来源链为常量
func (a *arena) narrowConst(id ExprID, v uop.Value) {
	for ; id != noExpr; id = a.exprs[id].origin {
		a.typeOf(id).setConst(v)
	}
}

// stackLeaves 统计子树中去重后的栈叶子数
func (a *arena) stackLeaves(id ExprID, seen *bitset.BitSet) int {
	e := a.expr(id)
	switch e.kind {
	case exprStack:
		if seen.Test(uint(id)) {
			return 0
		}
		seen.Set(uint(id))
		return 1
	case exprOp:
		n := 0
		for _, op := range e.operands {
			n += a.stackLeaves(op, seen)
		}
		return n
	}
	return 0
}

// references 子树是否引用 target
func (a *arena) references(id, target ExprID) bool {
	if id == target {
		return true
	}
	e := a.expr(id)
	if e.kind != exprOp {
		return false
	}
	for _, op := range e.operands {
		if a.references(op, target) {
			return true
		}
	}
	return false
}

// resolve 沿栈叶子的来源链找到产生值的表达式
func (a *arena) resolve(id ExprID) ExprID {
	for a.exprs[id].kind == exprStack && a.exprs[id].origin != noExpr {
		id = a.exprs[id].origin
	}
	return id
}

// len 已分配的表达式数
func (a *arena) len() int {
	return len(a.exprs)
}
