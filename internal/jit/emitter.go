package jit

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/tracejit/internal/jit/asm"
	"github.com/tangzhangming/tracejit/internal/jit/memory"
	"github.com/tangzhangming/tracejit/internal/jit/stencil"
)

// ============================================================================
// 发射器
// ============================================================================

// Emitter copy-and-patch 发射器
//
// 一次性初始化（校验目录、发射共享桩）只执行一次；失败后发射器永久停用，
// 之后的 Compile 直接返回 ErrDisabled，调用者应回退到解释执行。
type Emitter struct {
	opts  Options
	log   *zap.Logger
	alloc memory.Allocator

	once     sync.Once
	setupErr error
	stubs    *memory.Region
	deopt    uint64
	errStub  uint64
	pageSize int

	stats counters
}

// NewEmitter 创建发射器，初始化推迟到第一次编译
func NewEmitter(opts Options) *Emitter {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = memory.NewMappingAllocator()
	}
	return &Emitter{
		opts:  opts,
		log:   log.Named("jit"),
		alloc: alloc,
	}
}

// Setup 执行一次性初始化并返回其结果
func (e *Emitter) Setup() error {
	e.once.Do(func() {
		e.setupErr = e.setup()
		if e.setupErr != nil {
			e.log.Warn("jit disabled", zap.Error(e.setupErr))
		}
	})
	return e.setupErr
}

// Enabled 初始化成功后返回 true
func (e *Emitter) Enabled() bool {
	return e.Setup() == nil
}

func (e *Emitter) setup() error {
	c := e.opts.Catalog
	if c == nil {
		return ErrNoCatalog
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if host, ok := asm.HostArch(); (!ok || host != c.Arch) && !e.opts.AllowCrossArch {
		return fmt.Errorf("%w: catalog %s", ErrArchMismatch, c.Arch)
	}
	if c.NeedsLocality() && !e.alloc.Locality() {
		return ErrLocality
	}
	e.pageSize = memory.PageSize()

	// 共享桩：去优化桩在前，异常桩在后
	codeSize := len(c.Deopt.Code.Body) + len(c.Error.Code.Body)
	dataSize := len(c.Deopt.Data.Body) + len(c.Error.Data.Body)
	region, err := e.alloc.Allocate(codeSize, dataSize)
	if err != nil {
		return fmt.Errorf("failed to allocate stubs: %w", err)
	}
	w, err := newWriter(region)
	if err != nil {
		region.Free()
		return err
	}
	e.deopt = w.codeAddr()
	e.errStub = e.deopt + uint64(len(c.Deopt.Code.Body))
	var base stencil.PatchTable
	base[stencil.ValueDeoptStub] = e.deopt
	base[stencil.ValueErrorStub] = e.errStub
	for _, g := range []*stencil.Group{&c.Deopt, &c.Error} {
		if _, err := w.place(g, base); err != nil {
			region.Free()
			return err
		}
	}
	if err := region.Seal(); err != nil {
		region.Free()
		return fmt.Errorf("failed to seal stubs: %w", err)
	}
	e.stubs = region
	e.log.Debug("jit ready",
		zap.String("arch", string(c.Arch)),
		zap.Int("page_size", e.pageSize),
		zap.Bool("locality", e.alloc.Locality()),
		zap.Uint64("deopt_stub", e.deopt),
		zap.Uint64("error_stub", e.errStub))
	return nil
}

// Compile 编译 executor 的 trace 并把入口点安装到 executor 上。
// 任何失败都只影响这条 trace：返回错误，调用者继续解释执行。
func (e *Emitter) Compile(exec *Executor) error {
	if err := e.Setup(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisabled, err)
	}
	if exec.Freed() {
		return ErrExecutorFreed
	}
	if exec.Compiled() {
		return ErrAlreadyCompiled
	}
	err := e.compile(exec)
	if err != nil {
		e.stats.failed.Inc()
		if errors.Is(err, ErrRelocation) {
			// 构建期假设被破坏：开发模式下直接 panic
			e.log.DPanic("relocation overflow", zap.Uint64("executor", exec.ID()), zap.Error(err))
		} else {
			e.log.Warn("compilation failed, falling back to interpreter", zap.Uint64("executor", exec.ID()), zap.Error(err))
		}
		return err
	}
	e.stats.compiled.Inc()
	return nil
}

func (e *Emitter) compile(exec *Executor) error {
	c := e.opts.Catalog
	trace := exec.Trace()[:exec.Trace().Len()]
	codeSize, dataSize, err := c.Sizes(trace)
	if err != nil {
		return err
	}
	region, err := e.alloc.Allocate(codeSize, dataSize)
	if err != nil {
		return fmt.Errorf("failed to allocate %d+%d bytes: %w", codeSize, dataSize, err)
	}
	fail := func(err error) error {
		if ferr := region.Free(); ferr != nil {
			e.log.Warn("failed to release region", zap.Error(ferr))
		}
		return err
	}

	w, err := newWriter(region)
	if err != nil {
		return fail(err)
	}
	var base stencil.PatchTable
	base[stencil.ValueExecutor] = exec.ID()
	base[stencil.ValueTop] = w.codeAddr() + uint64(len(c.Trampoline.Code.Body))
	base[stencil.ValueDeoptStub] = e.deopt
	base[stencil.ValueErrorStub] = e.errStub

	n, err := w.place(&c.Trampoline, base)
	if err != nil {
		return fail(err)
	}
	relocs := n
	for i, u := range trace {
		g, err := c.Lookup(u.Opcode)
		if err != nil {
			return fail(err)
		}
		table := base
		table[stencil.ValueOparg] = uint64(uint32(u.Oparg))
		table[stencil.ValueOperand] = u.Operand
		table[stencil.ValueTarget] = uint64(uint32(u.Target))
		if ce := e.log.Check(zapcore.DebugLevel, "emit"); ce != nil {
			ce.Write(zap.Int("index", i), zap.Stringer("uop", u), zap.Uint64("at", w.codeAddr()))
		}
		n, err := w.place(g, table)
		if err != nil {
			return fail(fmt.Errorf("uop %d (%s): %w", i, u.Opcode, err))
		}
		relocs += n
	}
	if err := region.Seal(); err != nil {
		return fail(fmt.Errorf("failed to seal code: %w", err))
	}

	if err := exec.install(region, &e.stats); err != nil {
		return fail(err)
	}
	e.stats.relocations.Add(int64(relocs))
	e.stats.codeBytes.Add(int64(codeSize))
	e.stats.dataBytes.Add(int64(dataSize))
	e.log.Debug("compiled trace",
		zap.Uint64("executor", exec.ID()),
		zap.Int("uops", len(trace)),
		zap.Int("code_bytes", codeSize),
		zap.Int("data_bytes", dataSize),
		zap.Int("relocations", relocs))
	return nil
}

// Stats 返回统计快照
func (e *Emitter) Stats() Stats {
	return Stats{
		Compiled:        e.stats.compiled.Load(),
		Failed:          e.stats.failed.Load(),
		Relocations:     e.stats.relocations.Load(),
		CodeBytes:       e.stats.codeBytes.Load(),
		DataBytes:       e.stats.dataBytes.Load(),
		RegionsFreed:    e.stats.regionsFreed.Load(),
		SetupFailed:     e.setupErr != nil,
		LocalityAllowed: e.alloc.Locality(),
	}
}

// Stubs 返回共享桩的地址（初始化前为 0）
func (e *Emitter) Stubs() (deopt, errStub uint64) {
	return e.deopt, e.errStub
}

// Close 释放共享桩和分配器
// 必须在所有 executor 释放之后调用
func (e *Emitter) Close() error {
	var err error
	if e.stubs != nil {
		err = multierr.Append(err, e.stubs.Free())
		e.stubs = nil
	}
	return multierr.Append(err, e.alloc.Close())
}

// ============================================================================
// 写入游标
// ============================================================================

// writer 在 Region 上顺序放置模板
type writer struct {
	code, data         []byte
	codeBase, dataBase uint64
	codeOff, dataOff   int
}

func newWriter(r *memory.Region) (*writer, error) {
	code, err := r.WritableCode()
	if err != nil {
		return nil, err
	}
	data, err := r.WritableData()
	if err != nil {
		return nil, err
	}
	return &writer{code: code, data: data, codeBase: r.CodeAddr(), dataBase: r.DataAddr()}, nil
}

func (w *writer) codeAddr() uint64 {
	return w.codeBase + uint64(w.codeOff)
}

// place 复制模板组并应用全部洞，返回应用的洞数
func (w *writer) place(g *stencil.Group, table stencil.PatchTable) (int, error) {
	codeAt := w.codeBase + uint64(w.codeOff)
	dataAt := w.dataBase + uint64(w.dataOff)
	codeLen, dataLen := len(g.Code.Body), len(g.Data.Body)

	table[stencil.ValueCode] = codeAt
	table[stencil.ValueData] = dataAt
	table[stencil.ValueContinue] = codeAt + uint64(codeLen)
	table[stencil.ValueZero] = 0

	code := w.code[w.codeOff : w.codeOff+codeLen]
	data := w.data[w.dataOff : w.dataOff+dataLen]
	copy(code, g.Code.Body)
	copy(data, g.Data.Body)
	if err := stencil.PatchAll(code, codeAt, g.Code.Holes, &table); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRelocation, err)
	}
	if err := stencil.PatchAll(data, dataAt, g.Data.Holes, &table); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRelocation, err)
	}
	w.codeOff += codeLen
	w.dataOff += dataLen
	return len(g.Code.Holes) + len(g.Data.Holes), nil
}
