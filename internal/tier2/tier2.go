package tier2

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/tracejit/internal/jit"
	"github.com/tangzhangming/tracejit/internal/jit/asm"
	"github.com/tangzhangming/tracejit/internal/jit/memory"
	"github.com/tangzhangming/tracejit/internal/jit/stencil"
	"github.com/tangzhangming/tracejit/internal/optimizer"
	"github.com/tangzhangming/tracejit/internal/uop"
)

// ErrClosed 管线已关闭
var ErrClosed = errors.New("tier2: closed")

// Recording 追踪器交给二级执行的一条记录
type Recording struct {
	Key   TraceKey
	Trace uop.Trace
	Depth int // 入口栈深度
}

// Stats 管线统计
type Stats struct {
	Runs           int64 // trace 入口总数
	Interpreted    int64 // 未提升时的解释执行次数
	Promoted       int64 // 创建的 executor 数
	Native         int64 // 其中编译为本机代码的数量
	NativeFailures int64 // 本机编译失败次数（含重试）
	Uncovered      int64 // 目录缺少模板而不尝试编译的 trace 数
	Invalidated    int64 // 因失效被撤下的 executor 数

	Optimizer optimizer.Stats
	JIT       jit.Stats
	Profiler  ProfilerStats
}

// Tier2 二级执行管线
//
// 一条 trace 入口次数达到阈值后被优化并装入 Executor。
// 本机编译失败时先解释执行优化后的 trace，再次变热后重试，
// 失败次数达到 MaxCompileFails 后不再尝试。
type Tier2 struct {
	cfg      *Config
	log      *zap.Logger
	funcs    *uop.FunctionTable
	opt      *optimizer.Optimizer
	catalog  *stencil.Catalog
	emitter  *jit.Emitter // 本机编译关闭时为 nil
	profiler *Profiler

	compileNative func(*jit.Executor) error

	// life 读锁覆盖一次提升的全过程，Close 持写锁，保证关闭后没有新的 executor 入表
	life   sync.RWMutex
	closed atomic.Bool

	executors sync.Map // TraceKey -> *jit.Executor
	promoting sync.Map // TraceKey -> struct{}

	// 已撤下但可能仍在执行的 executor，Close 时释放
	retiredMu sync.Mutex
	retired   []*jit.Executor

	runs           atomic.Int64
	interpreted    atomic.Int64
	promoted       atomic.Int64
	native         atomic.Int64
	nativeFailures atomic.Int64
	uncovered      atomic.Int64
	invalidated    atomic.Int64
}

// New 创建管线。只有配置不合法才返回错误；目录或可执行内存不可用时记录警告，
// 退化为只优化不编译。
func New(cfg *Config, log *zap.Logger, funcs *uop.FunctionTable) (*Tier2, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if funcs == nil {
		funcs = uop.NewFunctionTable()
	}
	log = log.Named("tier2")

	opts := cfg.OptimizerOptions()
	opts.Logger = log
	opts.Functions = funcs

	t := &Tier2{
		cfg:      cfg,
		log:      log,
		funcs:    funcs,
		opt:      optimizer.New(opts),
		profiler: NewProfiler(cfg.HotThreshold, cfg.MaxCompileFails),
	}
	t.profiler.OnTraceHot(func(p *TraceProfile) {
		t.log.Debug("trace hot",
			zap.Stringer("trace", p.Key),
			zap.Int64("entries", p.Entries.Load()),
			zap.Int32("compile_fails", p.CompileFails.Load()))
	})
	if cfg.Enabled {
		t.emitter = t.newEmitter()
	}
	if t.emitter != nil {
		t.compileNative = t.emitter.Compile
	}
	return t, nil
}

func (t *Tier2) newEmitter() *jit.Emitter {
	alloc, err := memory.New(t.cfg.Memory.Strategy, t.cfg.Memory.PoolSize)
	if err != nil {
		t.log.Warn("executable memory unavailable, native compilation disabled", zap.Error(err))
		return nil
	}
	catalog, err := t.loadCatalog(alloc.Locality())
	if err != nil {
		t.log.Warn("stencil catalog unavailable, native compilation disabled", zap.Error(err))
		if cerr := alloc.Close(); cerr != nil {
			t.log.Warn("failed to release allocator", zap.Error(cerr))
		}
		return nil
	}
	t.catalog = catalog
	e := jit.NewEmitter(jit.Options{
		Catalog:   catalog,
		Allocator: alloc,
		Logger:    t.log,
	})
	// 失败时 Setup 已记录 Warn；发射器保留到 Close 释放分配器，NativeEnabled 返回 false
	_ = e.Setup()
	return e
}

func (t *Tier2) loadCatalog(locality bool) (*stencil.Catalog, error) {
	if t.cfg.Catalog != "" {
		return stencil.LoadFile(t.cfg.Catalog)
	}
	// 只有能保证局部性的分配器才能使用 PC 相对的桩跳转
	return asm.HostCatalog(locality)
}

// NativeEnabled 本机编译是否可用
func (t *Tier2) NativeEnabled() bool {
	return t.emitter != nil && t.emitter.Enabled()
}

// Profiler 返回热点检测器
func (t *Tier2) Profiler() *Profiler {
	return t.profiler
}

// Functions 返回函数版本表
func (t *Tier2) Functions() *uop.FunctionTable {
	return t.funcs
}

// Executor 返回已提升的 executor
func (t *Tier2) Executor(key TraceKey) (*jit.Executor, bool) {
	v, ok := t.executors.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*jit.Executor), true
}

// nativePending 已提升但仍在等待本机编译重试
func (t *Tier2) nativePending(key TraceKey, exec *jit.Executor) bool {
	return t.NativeEnabled() && !exec.Compiled() && t.profiler.Profile(key).State() != StatePromoted
}

// Promote 优化 trace 并装入 executor，已提升时返回已有的（必要时重试本机编译）。
// 只有优化上下文无法创建时返回错误；本机编译失败时返回解释执行的 executor。
// 同一条 trace 正在被其他 goroutine 提升时返回 (nil, nil)。
func (t *Tier2) Promote(rec *Recording) (*jit.Executor, error) {
	t.life.RLock()
	defer t.life.RUnlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}

	exec, ok := t.Executor(rec.Key)
	if ok && !t.nativePending(rec.Key, exec) {
		return exec, nil
	}
	if _, busy := t.promoting.LoadOrStore(rec.Key, struct{}{}); busy {
		return exec, nil
	}
	defer t.promoting.Delete(rec.Key)

	if ok {
		t.compile(rec.Key, exec)
		return exec, nil
	}

	trace := rec.Trace.Clone()
	if t.cfg.Optimize {
		res, err := t.opt.Optimize(rec.Trace, rec.Key.Code, rec.Depth)
		if err != nil {
			t.profiler.MarkCompileFailed(rec.Key)
			t.profiler.Backoff(rec.Key)
			return nil, fmt.Errorf("optimize %s: %w", rec.Key, err)
		}
		trace = res.Trace
		if res.Status == optimizer.StatusFallback {
			t.log.Debug("using unoptimized trace", zap.Stringer("trace", rec.Key), zap.Error(res.Reason))
		}
	}

	exec = jit.NewExecutor(trace)
	actual, loaded := t.executors.LoadOrStore(rec.Key, exec)
	if loaded {
		return actual.(*jit.Executor), nil
	}
	t.promoted.Inc()
	t.compile(rec.Key, exec)
	t.log.Debug("trace promoted",
		zap.Stringer("trace", rec.Key),
		zap.Uint64("executor", exec.ID()),
		zap.Int("uops", trace.Len()),
		zap.Bool("native", exec.Compiled()))
	return exec, nil
}

// compile 尝试本机编译。失败计入该 trace 的失败次数：未达上限时退回温状态等待重试，
// 达到上限后标记为已提升，只解释执行。
func (t *Tier2) compile(key TraceKey, exec *jit.Executor) {
	if !t.NativeEnabled() {
		t.profiler.MarkPromoted(key)
		return
	}
	trace := exec.Trace()[:exec.Trace().Len()]
	if err := t.catalog.Covers(trace); err != nil {
		// 缺模板是确定性的，重试没有意义
		t.uncovered.Inc()
		t.profiler.MarkPromoted(key)
		t.log.Debug("trace not covered by catalog", zap.Stringer("trace", key), zap.Error(err))
		return
	}
	if err := t.compileNative(exec); err != nil {
		t.nativeFailures.Inc()
		fails := t.profiler.MarkCompileFailed(key)
		if fails >= t.cfg.MaxCompileFails {
			t.profiler.MarkPromoted(key)
			t.log.Info("giving up native compilation",
				zap.Stringer("trace", key),
				zap.Int32("fails", fails))
			return
		}
		t.profiler.Backoff(key)
		return
	}
	t.native.Inc()
	t.profiler.MarkPromoted(key)
}

// Run 执行一次 trace 入口：未提升时计数并解释原 trace，变热后提升
func (t *Tier2) Run(rec *Recording, st *uop.State) uop.Exit {
	t.runs.Inc()
	exec, ok := t.Executor(rec.Key)
	if !t.closed.Load() && (!ok || t.nativePending(rec.Key, exec)) {
		t.profiler.RecordEntry(rec.Key)
		if t.profiler.ShouldPromote(rec.Key) {
			promoted, err := t.Promote(rec)
			if err != nil {
				t.log.Warn("promotion failed", zap.Error(err))
			}
			if promoted != nil {
				exec, ok = promoted, true
			}
		}
	}
	if !ok {
		t.interpreted.Inc()
		return uop.Interpret(rec.Trace, st, jit.DefaultMaxSteps)
	}
	exit := exec.Run(st)
	if st.Invalidated && exec.Valid() {
		exec.Invalidate()
		t.retire(rec.Key, exec)
	}
	return exit
}

// retire 撤下失效的 executor，之后该 trace 重新计数并可再次提升。
// executor 可能仍被其他入口持有，内存推迟到 Close 释放。
func (t *Tier2) retire(key TraceKey, exec *jit.Executor) {
	if !t.executors.CompareAndDelete(key, exec) {
		return
	}
	t.profiler.Reset(key)
	t.invalidated.Inc()
	t.retiredMu.Lock()
	t.retired = append(t.retired, exec)
	t.retiredMu.Unlock()
}

// Invalidate 使某个函数版本失效，并撤下全部 executor。
// 仍持有它们的入口在下一次 CHECK_VALIDITY 去优化。
func (t *Tier2) Invalidate(version uint32) {
	t.funcs.Invalidate(version)
	t.executors.Range(func(k, v interface{}) bool {
		exec := v.(*jit.Executor)
		exec.Invalidate()
		t.retire(k.(TraceKey), exec)
		return true
	})
}

// Discard 丢弃一条 trace 的 executor 并释放其代码内存
func (t *Tier2) Discard(key TraceKey) error {
	v, ok := t.executors.LoadAndDelete(key)
	t.profiler.Reset(key)
	if !ok {
		return nil
	}
	return v.(*jit.Executor).Free()
}

// Stats 返回统计快照
func (t *Tier2) Stats() Stats {
	s := Stats{
		Runs:           t.runs.Load(),
		Interpreted:    t.interpreted.Load(),
		Promoted:       t.promoted.Load(),
		Native:         t.native.Load(),
		NativeFailures: t.nativeFailures.Load(),
		Uncovered:      t.uncovered.Load(),
		Invalidated:    t.invalidated.Load(),
		Optimizer:      t.opt.Stats(),
		Profiler:       t.profiler.Stats(),
	}
	if t.emitter != nil {
		s.JIT = t.emitter.Stats()
	}
	return s
}

// Close 等待进行中的提升结束，释放全部 executor 与发射器，重复调用无效
func (t *Tier2) Close() error {
	t.life.Lock()
	if t.closed.Load() {
		t.life.Unlock()
		return nil
	}
	t.closed.Store(true)
	t.life.Unlock()

	var err error
	t.executors.Range(func(k, v interface{}) bool {
		err = multierr.Append(err, v.(*jit.Executor).Free())
		t.executors.Delete(k)
		return true
	})
	t.retiredMu.Lock()
	for _, exec := range t.retired {
		err = multierr.Append(err, exec.Free())
	}
	t.retired = nil
	t.retiredMu.Unlock()
	if t.emitter != nil {
		err = multierr.Append(err, t.emitter.Close())
	}
	return err
}
