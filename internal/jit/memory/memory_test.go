//go:build unix

package memory

import (
	"errors"
	"runtime"
	"testing"
)

func requireICache(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		t.Skip("instruction cache flush not available on " + runtime.GOARCH)
	}
}

func TestMappingRegionLifecycle(t *testing.T) {
	requireICache(t)
	a := NewMappingAllocator()
	defer a.Close()
	page := PageSize()

	r, err := a.Allocate(100, 10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if r.MappedSize() != 2*page {
		t.Errorf("expected %d mapped bytes, got %d", 2*page, r.MappedSize())
	}
	if r.DataAddr() != r.CodeAddr()+uint64(page) {
		t.Errorf("data page should follow code page: code %#x data %#x", r.CodeAddr(), r.DataAddr())
	}
	if r.CodeAddr()%uint64(page) != 0 {
		t.Errorf("code address %#x not page aligned", r.CodeAddr())
	}

	code, err := r.WritableCode()
	if err != nil {
		t.Fatalf("writable code: %v", err)
	}
	if len(code) != 100 {
		t.Fatalf("expected 100 code bytes, got %d", len(code))
	}
	code[0] = 0xC3
	data, err := r.WritableData()
	if err != nil {
		t.Fatalf("writable data: %v", err)
	}
	data[9] = 0x42

	if err := r.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !r.Sealed() {
		t.Error("expected region sealed")
	}
	cp, dp := r.Protections()
	if cp != ProtReadExec || dp != ProtRead {
		t.Errorf("expected r-x/r-- after seal, got %v/%v", cp, dp)
	}

	// W^X：封存后不能再拿到可写视图
	if _, err := r.WritableCode(); !errors.Is(err, ErrNotWritable) {
		t.Errorf("expected ErrNotWritable for code, got %v", err)
	}
	if _, err := r.WritableData(); !errors.Is(err, ErrNotWritable) {
		t.Errorf("expected ErrNotWritable for data, got %v", err)
	}
	if r.CodeBytes()[0] != 0xC3 || r.DataBytes()[9] != 0x42 {
		t.Error("sealed region lost its contents")
	}

	if err := r.Unseal(); err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if _, err := r.WritableCode(); err != nil {
		t.Errorf("writable code after unseal: %v", err)
	}

	st := a.Stats()
	if st.LiveRegions != 1 || st.Mapped != int64(2*page) {
		t.Errorf("expected 1 live region of %d bytes, got %d regions of %d", 2*page, st.LiveRegions, st.Mapped)
	}

	if err := r.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if !r.Freed() {
		t.Error("expected region freed")
	}
	if r.CodeBytes() != nil {
		t.Error("freed region still exposes code bytes")
	}
	if err := r.Free(); !errors.Is(err, ErrFreed) {
		t.Errorf("double free: expected ErrFreed, got %v", err)
	}
	if _, err := r.WritableCode(); !errors.Is(err, ErrFreed) {
		t.Errorf("writable after free: expected ErrFreed, got %v", err)
	}
	if err := r.Seal(); !errors.Is(err, ErrFreed) {
		t.Errorf("seal after free: expected ErrFreed, got %v", err)
	}

	st = a.Stats()
	if st.LiveRegions != 0 || st.Mapped != 0 {
		t.Errorf("expected nothing mapped, got %d regions of %d bytes", st.LiveRegions, st.Mapped)
	}
	if st.Frees != 1 {
		t.Errorf("expected 1 free, got %d", st.Frees)
	}
	if a.Locality() {
		t.Error("mapping allocator does not guarantee locality")
	}
}

func TestMappingAllocatorClosed(t *testing.T) {
	a := NewMappingAllocator()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := a.Allocate(1, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestForeignRegion(t *testing.T) {
	a := NewMappingAllocator()
	b := NewMappingAllocator()
	r, err := a.Allocate(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := b.Free(r); !errors.Is(err, ErrForeignRegion) {
		t.Errorf("expected ErrForeignRegion, got %v", err)
	}
	if err := a.Free(r); err != nil {
		t.Errorf("free by owner: %v", err)
	}
}

func TestPoolReuse(t *testing.T) {
	requireICache(t)
	page := PageSize()
	p, err := NewPoolAllocator(8 * page)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close()
	if !p.Locality() {
		t.Error("pool allocator should report locality")
	}

	allocate := func(code, data int) *Region {
		t.Helper()
		r, err := p.Allocate(code, data)
		if err != nil {
			t.Fatalf("allocate %d+%d: %v", code, data, err)
		}
		return r
	}
	free := func(r *Region) {
		t.Helper()
		if err := r.Free(); err != nil {
			t.Fatalf("free: %v", err)
		}
	}

	r1 := allocate(page, 0)
	r2 := allocate(page, page)
	r3 := allocate(1, 1)
	if got := p.Available(); got != 3*page {
		t.Errorf("expected %d bytes available, got %d", 3*page, got)
	}
	if r2.CodeAddr() != r1.CodeAddr()+uint64(page) {
		t.Errorf("expected adjacent regions, got %#x and %#x", r1.CodeAddr(), r2.CodeAddr())
	}

	code, err := r2.WritableCode()
	if err != nil {
		t.Fatalf("writable code: %v", err)
	}
	code[0] = 0xCC
	if err := r2.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}

	addr := r2.CodeAddr()
	free(r2)
	if got := p.Available(); got != 5*page {
		t.Errorf("expected %d bytes available, got %d", 5*page, got)
	}

	// 释放的空间被复用，并且已清零、可写
	r4 := allocate(2*page, 0)
	if r4.CodeAddr() != addr {
		t.Errorf("expected freed span %#x to be reused, got %#x", addr, r4.CodeAddr())
	}
	code, err = r4.WritableCode()
	if err != nil {
		t.Fatalf("writable code: %v", err)
	}
	if code[0] != 0 {
		t.Errorf("reused span not cleared: %#x", code[0])
	}

	free(r1)
	free(r3)
	free(r4)
	if got := p.Available(); got != 8*page {
		t.Errorf("free spans must coalesce: %d of %d available", got, 8*page)
	}

	big := allocate(8*page, 0)
	if _, err := p.Allocate(1, 0); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
	free(big)

	st := p.Stats()
	if st.Allocations != 5 || st.Frees != 5 {
		t.Errorf("expected 5 allocations and 5 frees, got %d and %d", st.Allocations, st.Frees)
	}
	if st.LiveRegions != 0 {
		t.Errorf("expected no live regions, got %d", st.LiveRegions)
	}
}

func TestPoolClose(t *testing.T) {
	p, err := NewPoolAllocator(PageSize())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	r, err := p.Allocate(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if _, err := p.Allocate(1, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := r.Free(); err != nil {
		t.Errorf("free after close: %v", err)
	}
	if !r.Freed() {
		t.Error("expected region freed")
	}
}

func TestPoolTooLarge(t *testing.T) {
	if _, err := NewPoolAllocator(MaxPoolSize + 1); err == nil {
		t.Error("expected error for oversized pool")
	}
}

func TestNewStrategy(t *testing.T) {
	a, err := New("mapping", 0)
	if err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if _, ok := a.(*MappingAllocator); !ok {
		t.Errorf("expected *MappingAllocator, got %T", a)
	}

	a, err = New("pool", PageSize())
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, ok := a.(*PoolAllocator); !ok {
		t.Errorf("expected *PoolAllocator, got %T", a)
	}
	if err := a.Close(); err != nil {
		t.Errorf("close: %v", err)
	}

	if _, err := New("bogus", 0); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
