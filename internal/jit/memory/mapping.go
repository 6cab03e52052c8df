package memory

import (
	"fmt"

	"go.uber.org/atomic"
)

// ============================================================================
// 每次编译一段独立映射
// ============================================================================

// MappingAllocator 每个 Region 对应一次独立的系统映射，释放时归还给系统。
// 分配器不共享可变状态，可被多个 goroutine 同时使用；
// 不同 Region 之间没有地址局部性保证。
type MappingAllocator struct {
	page int

	mapped      atomic.Int64
	liveRegions atomic.Int64
	allocations atomic.Int64
	frees       atomic.Int64
	closed      atomic.Bool
}

// NewMappingAllocator 创建分配器
func NewMappingAllocator() *MappingAllocator {
	return &MappingAllocator{page: pageSize()}
}

// Allocate 映射一段新的可写内存
func (m *MappingAllocator) Allocate(codeSize, dataSize int) (*Region, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if codeSize < 0 || dataSize < 0 {
		return nil, fmt.Errorf("memory: negative size (code=%d data=%d)", codeSize, dataSize)
	}
	size := regionBytes(codeSize, dataSize, m.page)
	mem, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes: %w", size, err)
	}
	m.mapped.Add(int64(size))
	m.liveRegions.Inc()
	m.allocations.Inc()
	return newRegion(mem, m, codeSize, dataSize, m.page), nil
}

// Free 解除映射
func (m *MappingAllocator) Free(r *Region) error {
	if r.owner != Allocator(m) {
		return ErrForeignRegion
	}
	if r.freed {
		return ErrFreed
	}
	r.freed = true
	size := len(r.mem)
	err := unmapRegion(r.mem)
	r.mem = nil
	m.mapped.Sub(int64(size))
	m.liveRegions.Dec()
	m.frees.Inc()
	if err != nil {
		return fmt.Errorf("failed to unmap region: %w", err)
	}
	return nil
}

// Locality 独立映射之间没有局部性保证
func (m *MappingAllocator) Locality() bool {
	return false
}

// Stats 统计快照
func (m *MappingAllocator) Stats() Stats {
	return Stats{
		Mapped:      m.mapped.Load(),
		LiveRegions: m.liveRegions.Load(),
		LiveBytes:   m.mapped.Load(),
		Allocations: m.allocations.Load(),
		Frees:       m.frees.Load(),
	}
}

// Close 拒绝后续分配；已分配的 Region 由各自的拥有者释放
func (m *MappingAllocator) Close() error {
	m.closed.Store(true)
	return nil
}
