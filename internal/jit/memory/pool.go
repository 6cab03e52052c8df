package memory

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"go.uber.org/atomic"
)

// ============================================================================
// 预留内存池
// ============================================================================

// MaxPoolSize 内存池上限，保证池内任意两点之间的距离可以用 32 位相对偏移表示
const MaxPoolSize = 1 << 31

// DefaultPoolSize 默认内存池大小
const DefaultPoolSize = 64 << 20

type span struct {
	off, size int
}

// PoolAllocator 一次性预留一大段内存，按页切分给 Region。
// 池内地址天然满足局部性；释放的 Region 回到空闲表并与相邻空闲段合并。
// 内部用互斥锁保护，可被多个 goroutine 同时调用。
type PoolAllocator struct {
	mu     sync.Mutex
	mem    []byte
	page   int
	free   []span // 按 off 升序
	closed bool

	liveRegions atomic.Int64
	liveBytes   atomic.Int64
	allocations atomic.Int64
	frees       atomic.Int64
}

// NewPoolAllocator 预留 size 字节（向上取整到页）
func NewPoolAllocator(size int) (*PoolAllocator, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if size > MaxPoolSize {
		return nil, fmt.Errorf("memory: pool size %d exceeds %d", size, MaxPoolSize)
	}
	page := pageSize()
	size = roundUp(size, page)
	mem, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve pool of %d bytes: %w", size, err)
	}
	return &PoolAllocator{
		mem:  mem,
		page: page,
		free: []span{{0, size}},
	}, nil
}

// Allocate 首次适配
func (p *PoolAllocator) Allocate(codeSize, dataSize int) (*Region, error) {
	if codeSize < 0 || dataSize < 0 {
		return nil, fmt.Errorf("memory: negative size (code=%d data=%d)", codeSize, dataSize)
	}
	size := regionBytes(codeSize, dataSize, p.page)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	for i, s := range p.free {
		if s.size < size {
			continue
		}
		if s.size == size {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = span{s.off + size, s.size - size}
		}
		p.liveRegions.Inc()
		p.liveBytes.Add(int64(size))
		p.allocations.Inc()
		return newRegion(p.mem[s.off:s.off+size:s.off+size], p, codeSize, dataSize, p.page), nil
	}
	return nil, fmt.Errorf("%w: need %d bytes", ErrPoolExhausted, size)
}

// Free 恢复为可写、清零并归还空闲表
func (p *PoolAllocator) Free(r *Region) error {
	if r.owner != Allocator(p) {
		return ErrForeignRegion
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.freed {
		return ErrFreed
	}
	if p.closed {
		r.freed = true
		return nil
	}
	if err := r.Unseal(); err != nil {
		return err
	}
	clear(r.mem)
	r.freed = true

	off := int(r.CodeAddr() - uint64(uintptr(unsafe.Pointer(&p.mem[0]))))
	size := len(r.mem)
	r.mem = nil
	p.release(span{off, size})
	p.liveRegions.Dec()
	p.liveBytes.Sub(int64(size))
	p.frees.Inc()
	return nil
}

func (p *PoolAllocator) release(s span) {
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].off > s.off })
	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = s

	// 与后继合并
	if i+1 < len(p.free) && p.free[i].off+p.free[i].size == p.free[i+1].off {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	// 与前驱合并
	if i > 0 && p.free[i-1].off+p.free[i-1].size == p.free[i].off {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}

// Locality 池内地址满足局部性
func (p *PoolAllocator) Locality() bool {
	return true
}

// Available 空闲字节数
func (p *PoolAllocator) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.free {
		n += s.size
	}
	return n
}

// Stats 统计快照
func (p *PoolAllocator) Stats() Stats {
	p.mu.Lock()
	mapped := int64(len(p.mem))
	p.mu.Unlock()
	return Stats{
		Mapped:      mapped,
		LiveRegions: p.liveRegions.Load(),
		LiveBytes:   p.liveBytes.Load(),
		Allocations: p.allocations.Load(),
		Frees:       p.frees.Load(),
	}
}

// Close 归还整个内存池。之后仍未释放的 Region 全部失效。
func (p *PoolAllocator) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	mem := p.mem
	p.mem = nil
	p.free = nil
	return closeAll(
		func() error { return protect(mem, ProtReadWrite) },
		func() error { return unmapRegion(mem) },
	)
}
