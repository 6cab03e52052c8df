// Package optimizer 二级 trace 的抽象解释优化器。
//
// 优化器逐条解释 trace，用符号表达式代替纯运算的结果，
// 用类型事实删除可证明的守卫，沿已证明的函数版本静态解析内联调用，
// 最后把账本线性化回 uop 序列并做簿记与窥孔清理。
// 除顶层上下文分配失败外，任何问题都只导致回退到未优化的 trace。
package optimizer

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/tracejit/internal/uop"
)

// Status 优化结果状态
type Status int

const (
	StatusOptimized Status = iota // 使用优化后的 trace
	StatusFallback                // 放弃优化，使用清理过的原 trace
)

func (s Status) String() string {
	if s == StatusOptimized {
		return "optimized"
	}
	return "fallback"
}

// Result 一次优化的结果
type Result struct {
	Trace  uop.Trace
	Status Status
	Reason error // StatusFallback 的原因
}

// cleanupRounds 清理管线的最大轮数
const cleanupRounds = 4

// Options 优化器选项
type Options struct {
	Logger    *zap.Logger
	Functions *uop.FunctionTable

	// OverallocateFactor 每条输入 uop 预留的表达式槽位数
	OverallocateFactor int
	// SlotBudget 内联帧的局部变量与栈槽位总预算
	SlotBudget int
	// MaxArenaSlots 单次优化允许的最大容量，超过即为硬错误
	MaxArenaSlots int
}

// DefaultOptions 默认选项
func DefaultOptions() Options {
	return Options{
		OverallocateFactor: 3,
		SlotBudget:         2048,
		MaxArenaSlots:      1 << 20,
	}
}

// Stats 优化器统计快照
type Stats struct {
	Optimized    int64
	Fallbacks    int64
	Failed       int64
	GuardsElided int64
	StoresElided int64
	Folded       int64
	RemovedUops  int64
}

// Optimizer 抽象解释优化器，可并发使用
type Optimizer struct {
	opts Options
	log  *zap.Logger

	optimized    atomic.Int64
	fallbacks    atomic.Int64
	failed       atomic.Int64
	guardsElided atomic.Int64
	storesElided atomic.Int64
	folded       atomic.Int64
	removed      atomic.Int64
}

// New 创建优化器，零值选项取默认值
func New(opts Options) *Optimizer {
	def := DefaultOptions()
	if opts.OverallocateFactor <= 0 {
		opts.OverallocateFactor = def.OverallocateFactor
	}
	if opts.SlotBudget <= 0 {
		opts.SlotBudget = def.SlotBudget
	}
	if opts.MaxArenaSlots <= 0 {
		opts.MaxArenaSlots = def.MaxArenaSlots
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("optimizer")
	return &Optimizer{opts: opts, log: opts.Logger}
}

// Optimize 优化 trace。code 是入口帧的代码单元，depth 是入口栈深度。
// 返回的 error 只表示上下文无法创建；其余问题体现为 StatusFallback。
// 输入 trace 不会被修改。
func (o *Optimizer) Optimize(trace uop.Trace, code *uop.CodeUnit, depth int) (Result, error) {
	if err := code.Validate(); err != nil {
		o.failed.Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrContextAlloc, err)
	}
	if depth < 0 {
		o.failed.Inc()
		return Result{}, fmt.Errorf("%w: negative entry depth %d", ErrContextAlloc, depth)
	}
	if err := trace.Validate(code, depth); err != nil {
		return o.fallback(trace, fmt.Errorf("%w: %v", ErrMalformed, err)), nil
	}
	n := trace.Len()

	c, err := newInterpContext(code, depth, n, &o.opts)
	if err != nil {
		if errors.Is(err, ErrContextAlloc) {
			o.failed.Inc()
			return Result{}, err
		}
		return o.fallback(trace, err), nil
	}
	if err := c.run(trace[:n]); err != nil {
		return o.fallback(trace, err), nil
	}
	out, err := c.linearize(n)
	if err != nil {
		return o.fallback(trace, err), nil
	}
	CleanupPipeline().RunUntilFixed(&out, cleanupRounds)

	o.optimized.Inc()
	o.guardsElided.Add(int64(c.guardsElided))
	o.storesElided.Add(int64(c.storesElided))
	o.folded.Add(int64(c.folded))
	o.removed.Add(int64(n - len(out)))
	o.log.Debug("trace optimized",
		zap.String("code", code.Name),
		zap.Int("before", n),
		zap.Int("after", len(out)),
		zap.Int("guards_elided", c.guardsElided),
		zap.Int("folded", c.folded))
	return Result{Trace: out, Status: StatusOptimized}, nil
}

// fallback 清理原 trace 的副本后返回
func (o *Optimizer) fallback(trace uop.Trace, reason error) Result {
	o.fallbacks.Inc()
	if errors.Is(reason, ErrInvariant) {
		o.log.DPanic("optimizer invariant violated", zap.Error(reason))
	} else {
		o.log.Debug("optimization abandoned", zap.Error(reason))
	}
	out := trace.Clone()
	FallbackPipeline().RunUntilFixed(&out, cleanupRounds)
	return Result{Trace: out, Status: StatusFallback, Reason: reason}
}

// Stats 返回统计快照
func (o *Optimizer) Stats() Stats {
	return Stats{
		Optimized:    o.optimized.Load(),
		Fallbacks:    o.fallbacks.Load(),
		Failed:       o.failed.Load(),
		GuardsElided: o.guardsElided.Load(),
		StoresElided: o.storesElided.Load(),
		Folded:       o.folded.Load(),
		RemovedUops:  o.removed.Load(),
	}
}
