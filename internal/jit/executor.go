package jit

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tracejit/internal/jit/memory"
	"github.com/tangzhangming/tracejit/internal/uop"
)

// ============================================================================
// Executor
// ============================================================================

// Invoker 调用本机入口点；未设置时 Executor 用参考解释器执行 trace
type Invoker func(entry uintptr, st *uop.State) uop.Exit

// DefaultMaxSteps 解释执行时的步数上限
const DefaultMaxSteps = 1 << 20

var nextExecutorID atomic.Uint64

// Executor 持有一条 trace 及其编译结果
//
// 代码内存只释放一次，之后 Entry 返回 0，Run 退回解释执行。
type Executor struct {
	id    uint64
	trace uop.Trace

	mu     sync.Mutex // 保护 install 与 Free 之间的交错
	region *memory.Region
	entry  atomic.Uintptr
	size   int
	stats  *counters

	compiled atomic.Bool
	freed    atomic.Bool
	valid    atomic.Bool

	// Invoker 非空时 Run 直接调用本机代码
	Invoker  Invoker
	MaxSteps int
}

// NewExecutor 为 trace 创建 executor，标识全局唯一且非零
func NewExecutor(trace uop.Trace) *Executor {
	e := &Executor{
		id:       nextExecutorID.Inc(),
		trace:    trace,
		MaxSteps: DefaultMaxSteps,
	}
	e.valid.Store(true)
	return e
}

// ID executor 标识，写入模板的 Executor 洞
func (e *Executor) ID() uint64 { return e.id }

// Trace 返回 executor 执行的 trace
func (e *Executor) Trace() uop.Trace { return e.trace }

// install 安装编译结果；executor 已释放时拒绝，Region 仍归调用者
func (e *Executor) install(r *memory.Region, stats *counters) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.freed.Load() {
		return ErrExecutorFreed
	}
	if e.compiled.Load() {
		return ErrAlreadyCompiled
	}
	e.region = r
	e.size = r.CodeSize() + r.DataSize()
	e.stats = stats
	e.entry.Store(uintptr(r.CodeAddr()))
	e.compiled.Store(true)
	return nil
}

// Compiled 是否持有本机代码
func (e *Executor) Compiled() bool {
	return e.compiled.Load() && !e.freed.Load()
}

// Entry 本机入口点，未编译或已释放时为 0
func (e *Executor) Entry() uintptr {
	if !e.Compiled() {
		return 0
	}
	return e.entry.Load()
}

// Size 代码与数据的总大小
func (e *Executor) Size() int {
	if !e.Compiled() {
		return 0
	}
	return e.size
}

// Region 返回持有的内存（只读检查用）
func (e *Executor) Region() *memory.Region {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Compiled() {
		return nil
	}
	return e.region
}

// Invalidate 标记 executor 失效，下一次 CHECK_VALIDITY 将去优化
func (e *Executor) Invalidate() { e.valid.Store(false) }

// Valid 是否仍然有效
func (e *Executor) Valid() bool { return e.valid.Load() }

// Freed 是否已释放
func (e *Executor) Freed() bool { return e.freed.Load() }

// Free 释放代码内存；重复调用无效
func (e *Executor) Free() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.freed.CompareAndSwap(false, true) {
		return nil
	}
	e.entry.Store(0)
	if e.region == nil {
		return nil
	}
	err := e.region.Free()
	e.region = nil
	if e.stats != nil {
		e.stats.regionsFreed.Inc()
	}
	return err
}

// Run 执行 trace
func (e *Executor) Run(st *uop.State) uop.Exit {
	if !e.valid.Load() {
		st.Invalidated = true
	}
	if e.Invoker != nil {
		if entry := e.Entry(); entry != 0 {
			return e.Invoker(entry, st)
		}
	}
	steps := e.MaxSteps
	if steps <= 0 {
		steps = DefaultMaxSteps
	}
	return uop.Interpret(e.trace, st, steps)
}
