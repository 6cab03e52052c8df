package tier2

import (
	"testing"
)

func TestProfilerThresholds(t *testing.T) {
	p := NewProfiler(20, 3)
	key := TraceKey{Offset: 4}

	for i := 1; i <= 2; i++ {
		if p.RecordEntry(key) {
			t.Errorf("entry %d: trace became hot too early", i)
		}
	}
	if got := p.Profile(key).State(); got != StateWarm {
		t.Errorf("expected state warm, got %s", got)
	}

	hot := 0
	p.OnTraceHot(func(tp *TraceProfile) {
		hot++
		if tp.Key != key {
			t.Errorf("hot callback for %v, want %v", tp.Key, key)
		}
	})
	for i := 3; i <= 25; i++ {
		if p.RecordEntry(key) && i != 20 {
			t.Errorf("trace became hot at entry %d, want 20", i)
		}
	}
	if hot != 1 {
		t.Errorf("expected 1 hot callback, got %d", hot)
	}
	if !p.ShouldPromote(key) {
		t.Fatal("expected hot trace to be promotable")
	}

	p.MarkPromoted(key)
	if p.ShouldPromote(key) {
		t.Error("promoted trace should not be promoted again")
	}
	if got := p.Profile(key).State().String(); got != "promoted" {
		t.Errorf("expected state 'promoted', got '%s'", got)
	}

	stats := p.Stats()
	if stats.TotalEntries != 25 {
		t.Errorf("expected 25 entries, got %d", stats.TotalEntries)
	}
	if stats.HotTraces != 1 {
		t.Errorf("expected 1 hot trace, got %d", stats.HotTraces)
	}
	if stats.Traces != 1 || stats.Promoted != 1 {
		t.Errorf("expected 1 trace and 1 promoted, got %d and %d", stats.Traces, stats.Promoted)
	}
}

func TestProfilerThresholdOne(t *testing.T) {
	p := NewProfiler(1, 3)
	if !p.RecordEntry(TraceKey{}) {
		t.Error("first entry should make the trace hot")
	}
	if p.RecordEntry(TraceKey{}) {
		t.Error("hot transition must be reported once")
	}
}

func TestProfilerCompileFailLimit(t *testing.T) {
	p := NewProfiler(1, 2)
	key := TraceKey{Offset: 1}
	p.RecordEntry(key)
	if !p.ShouldPromote(key) {
		t.Fatal("expected hot trace to be promotable")
	}
	if n := p.MarkCompileFailed(key); n != 1 {
		t.Errorf("expected 1 failure, got %d", n)
	}
	if !p.ShouldPromote(key) {
		t.Error("one failure is below the limit")
	}
	p.MarkCompileFailed(key)
	if p.ShouldPromote(key) {
		t.Error("trace at the failure limit should not be promoted")
	}
	if p.ShouldPromote(TraceKey{Offset: 99}) {
		t.Error("unknown trace should not be promoted")
	}
}

func TestProfilerBackoff(t *testing.T) {
	p := NewProfiler(3, 5)
	key := TraceKey{Offset: 2}
	for i := 0; i < 3; i++ {
		p.RecordEntry(key)
	}
	p.MarkCompileFailed(key)
	p.Backoff(key)

	tp := p.Profile(key)
	if tp.State() != StateCold {
		t.Errorf("expected state cold after backoff, got %s", tp.State())
	}
	if tp.Entries.Load() != 0 {
		t.Errorf("expected entries reset, got %d", tp.Entries.Load())
	}
	if p.ShouldPromote(key) {
		t.Error("backed off trace should wait for the threshold again")
	}
	hot := false
	for i := 0; i < 3; i++ {
		hot = p.RecordEntry(key)
	}
	if !hot || !p.ShouldPromote(key) {
		t.Error("backed off trace should become hot again")
	}
}

func TestProfilerDisabled(t *testing.T) {
	p := NewProfiler(1, 1)
	p.SetEnabled(false)
	if p.IsEnabled() {
		t.Error("expected profiler disabled")
	}
	if p.RecordEntry(TraceKey{}) {
		t.Error("disabled profiler must not report hot traces")
	}
	if n := p.Stats().TotalEntries; n != 0 {
		t.Errorf("expected 0 entries, got %d", n)
	}
}
