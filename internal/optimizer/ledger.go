package optimizer

import (
	"fmt"

	"github.com/tangzhangming/tracejit/internal/uop"
)

// ============================================================================
// IR 账本
// ============================================================================
//
// 账本按程序顺序记录必须保留的效果。符号求值的纯操作不进入账本，
// 直到它们被存储、落栈或丢弃；线性化时按顺序重放一次。

// entry 账本项
type entry interface {
	String() string
	isEntry()
}

// instEntry 原样发射的指令
type instEntry struct {
	inst uop.MicroOp
}

// storeEntry 发射表达式，然后存入局部变量或留在栈上
type storeEntry struct {
	expr   ExprID
	target int32 // targetStack 或局部变量下标
}

// targetStack 表达式的值留在栈上
const targetStack int32 = -1

// framePushEntry 进入内联帧
type framePushEntry struct {
	code *uop.CodeUnit
}

// framePopEntry 返回调用者帧
type framePopEntry struct{}

// rootEntry 根帧标记，始终是第 0 项
type rootEntry struct {
	code *uop.CodeUnit
}

func (instEntry) isEntry()      {}
func (storeEntry) isEntry()     {}
func (framePushEntry) isEntry() {}
func (framePopEntry) isEntry()  {}
func (rootEntry) isEntry()      {}

func (e instEntry) String() string { return e.inst.String() }

func (e storeEntry) String() string {
	if e.target == targetStack {
		return fmt.Sprintf("push #%d", e.expr)
	}
	return fmt.Sprintf("store #%d -> local %d", e.expr, e.target)
}

func (e framePushEntry) String() string { return "frame push " + e.code.Name }
func (framePopEntry) String() string    { return "frame pop" }
func (e rootEntry) String() string      { return "root " + e.code.Name }

// ledger 容量固定的账本
type ledger struct {
	entries []entry
}

func newLedger(capacity int) *ledger {
	return &ledger{entries: make([]entry, 0, capacity)}
}

func (l *ledger) append(e entry) error {
	if len(l.entries) == cap(l.entries) {
		return ErrArenaFull
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *ledger) inst(u uop.MicroOp) error {
	return l.append(instEntry{inst: u})
}

func (l *ledger) store(id ExprID, target int32) error {
	return l.append(storeEntry{expr: id, target: target})
}

func (l *ledger) len() int {
	return len(l.entries)
}
