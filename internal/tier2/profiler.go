// profiler.go - trace 热点检测
//
// 统计每条 trace 的入口次数，达到阈值后通知提升。

package tier2

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tracejit/internal/uop"
)

// ============================================================================
// 热点状态
// ============================================================================

// HotState trace 热度状态
type HotState int32

const (
	StateCold     HotState = iota // 冷：很少执行
	StateWarm                     // 温：开始频繁执行
	StateHot                      // 热：需要提升
	StatePromoted                 // 已提升
)

func (s HotState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarm:
		return "warm"
	case StateHot:
		return "hot"
	case StatePromoted:
		return "promoted"
	}
	return "unknown"
}

// TraceKey trace 的标识：所在代码单元与入口偏移
type TraceKey struct {
	Code   *uop.CodeUnit
	Offset int32
}

func (k TraceKey) String() string {
	name := "<nil>"
	if k.Code != nil {
		name = k.Code.Name
	}
	return fmt.Sprintf("%s@%d", name, k.Offset)
}

// TraceProfile 单条 trace 的统计
type TraceProfile struct {
	Key          TraceKey
	Entries      atomic.Int64
	CompileFails atomic.Int32
	state        atomic.Int32
}

// State 当前热度
func (p *TraceProfile) State() HotState {
	return HotState(p.state.Load())
}

// ============================================================================
// 热点检测器
// ============================================================================

// Profiler 热点检测器，可并发使用
type Profiler struct {
	warmThreshold int64
	hotThreshold  int64
	maxFails      int32

	profiles sync.Map // TraceKey -> *TraceProfile

	mu    sync.RWMutex
	onHot []func(*TraceProfile)

	totalEntries atomic.Int64
	hotTraces    atomic.Int64
	enabled      atomic.Bool
}

// NewProfiler 创建热点检测器，入口次数达到 hotThreshold 时触发
func NewProfiler(hotThreshold int64, maxFails int32) *Profiler {
	if hotThreshold < 1 {
		hotThreshold = 1
	}
	p := &Profiler{
		warmThreshold: hotThreshold / 10,
		hotThreshold:  hotThreshold,
		maxFails:      maxFails,
	}
	p.enabled.Store(true)
	return p
}

// SetEnabled 启用或停用检测
func (p *Profiler) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

// IsEnabled 是否启用
func (p *Profiler) IsEnabled() bool {
	return p.enabled.Load()
}

// OnTraceHot 注册 trace 变热时的回调
func (p *Profiler) OnTraceHot(callback func(*TraceProfile)) {
	p.mu.Lock()
	p.onHot = append(p.onHot, callback)
	p.mu.Unlock()
}

// Profile 获取或创建 trace 的统计
func (p *Profiler) Profile(key TraceKey) *TraceProfile {
	if v, ok := p.profiles.Load(key); ok {
		return v.(*TraceProfile)
	}
	v, _ := p.profiles.LoadOrStore(key, &TraceProfile{Key: key})
	return v.(*TraceProfile)
}

// RecordEntry 记录一次 trace 入口，本次入口使 trace 变热时返回 true
func (p *Profiler) RecordEntry(key TraceKey) bool {
	if !p.enabled.Load() {
		return false
	}
	p.totalEntries.Inc()
	prof := p.Profile(key)
	n := prof.Entries.Inc()

	if n >= p.warmThreshold {
		prof.state.CompareAndSwap(int32(StateCold), int32(StateWarm))
	}
	if n >= p.hotThreshold && prof.state.CompareAndSwap(int32(StateWarm), int32(StateHot)) {
		p.hotTraces.Inc()
		p.mu.RLock()
		callbacks := p.onHot
		p.mu.RUnlock()
		for _, cb := range callbacks {
			cb(prof)
		}
		return true
	}
	return false
}

// ShouldPromote 热且编译失败次数未超限
func (p *Profiler) ShouldPromote(key TraceKey) bool {
	v, ok := p.profiles.Load(key)
	if !ok {
		return false
	}
	prof := v.(*TraceProfile)
	return prof.State() == StateHot && prof.CompileFails.Load() < p.maxFails
}

// MarkPromoted 标记已提升
func (p *Profiler) MarkPromoted(key TraceKey) {
	p.Profile(key).state.Store(int32(StatePromoted))
}

// MarkCompileFailed 记录一次编译失败
func (p *Profiler) MarkCompileFailed(key TraceKey) int32 {
	return p.Profile(key).CompileFails.Inc()
}

// Backoff 一次失败后退回冷状态并清零入口计数，再次变热时重试
func (p *Profiler) Backoff(key TraceKey) {
	prof := p.Profile(key)
	prof.Entries.Store(0)
	prof.state.Store(int32(StateCold))
}

// Reset 重置 trace 统计（trace 被丢弃时）
func (p *Profiler) Reset(key TraceKey) {
	p.profiles.Delete(key)
}

// ProfilerStats 检测器统计
type ProfilerStats struct {
	TotalEntries int64
	Traces       int
	HotTraces    int64
	Promoted     int
}

// Stats 获取统计信息
func (p *Profiler) Stats() ProfilerStats {
	stats := ProfilerStats{
		TotalEntries: p.totalEntries.Load(),
		HotTraces:    p.hotTraces.Load(),
	}
	p.profiles.Range(func(_, v interface{}) bool {
		stats.Traces++
		if v.(*TraceProfile).State() == StatePromoted {
			stats.Promoted++
		}
		return true
	})
	return stats
}
