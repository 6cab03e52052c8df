// memory.go - 可执行内存
//
// 一次编译得到一个 Region：前半部分是代码页，后半部分是数据页，
// 二者位于同一段连续映射内，因此 trace 内部的 PC 相对重定位总能编码。
//
// W^X：Region 创建时可写不可执行；Seal 之后代码页变为 RX、数据页变为只读，
// 此后任何写入都必须先 Unseal。

package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/multierr"
)

var (
	ErrNotWritable         = errors.New("memory: region is not writable")
	ErrFreed               = errors.New("memory: region already freed")
	ErrPoolExhausted       = errors.New("memory: pool exhausted")
	ErrClosed              = errors.New("memory: allocator closed")
	ErrForeignRegion       = errors.New("memory: region belongs to another allocator")
	ErrICacheUnsupported   = errors.New("memory: instruction cache flush not supported on this architecture")
	ErrUnsupportedPlatform = errors.New("memory: executable memory not supported on this platform")
)

// Protection 页保护状态
type Protection uint8

const (
	ProtNone Protection = iota
	ProtReadWrite
	ProtReadExec
	ProtRead
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "---"
	case ProtReadWrite:
		return "rw-"
	case ProtReadExec:
		return "r-x"
	case ProtRead:
		return "r--"
	}
	return fmt.Sprintf("prot(%d)", p)
}

// Allocator 可执行内存分配器
type Allocator interface {
	// Allocate 分配一个可写 Region，代码和数据各自按页对齐
	Allocate(codeSize, dataSize int) (*Region, error)
	// Free 释放 Region，同一 Region 只能释放一次
	Free(r *Region) error
	// Locality 是否保证所有 Region 位于同一个 ±2GB 范围内
	Locality() bool
	// Stats 返回统计快照
	Stats() Stats
	// Close 释放分配器持有的全部系统资源
	Close() error
}

// Stats 分配器统计
type Stats struct {
	Mapped      int64 // 向系统申请的字节数
	LiveRegions int64
	LiveBytes   int64
	Allocations int64
	Frees       int64
}

// Region 一次编译拥有的连续内存
type Region struct {
	mem      []byte
	codeSize int // 页对齐后的代码区大小
	dataSize int
	codeUsed int // 请求的代码字节数
	dataUsed int

	codeProt Protection
	dataProt Protection
	freed    bool
	owner    Allocator
}

func newRegion(mem []byte, owner Allocator, codeSize, dataSize, page int) *Region {
	return &Region{
		mem:      mem,
		codeSize: roundUp(codeSize, page),
		dataSize: roundUp(dataSize, page),
		codeUsed: codeSize,
		dataUsed: dataSize,
		codeProt: ProtReadWrite,
		dataProt: ProtReadWrite,
		owner:    owner,
	}
}

// CodeAddr 代码区起始地址
func (r *Region) CodeAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.mem[0])))
}

// DataAddr 数据区起始地址
func (r *Region) DataAddr() uint64 {
	return r.CodeAddr() + uint64(r.codeSize)
}

// CodeSize 请求的代码字节数
func (r *Region) CodeSize() int { return r.codeUsed }

// DataSize 请求的数据字节数
func (r *Region) DataSize() int { return r.dataUsed }

// MappedSize 实际占用的字节数（页对齐）
func (r *Region) MappedSize() int { return len(r.mem) }

// Protections 返回代码区和数据区当前的保护状态
func (r *Region) Protections() (code, data Protection) {
	return r.codeProt, r.dataProt
}

// Sealed 是否已切换为可执行
func (r *Region) Sealed() bool {
	return r.codeProt == ProtReadExec
}

// Freed 是否已释放
func (r *Region) Freed() bool {
	return r.freed
}

// WritableCode 返回可写的代码区视图
func (r *Region) WritableCode() ([]byte, error) {
	if r.freed {
		return nil, ErrFreed
	}
	if r.codeProt != ProtReadWrite {
		return nil, ErrNotWritable
	}
	return r.mem[:r.codeUsed:r.codeUsed], nil
}

// WritableData 返回可写的数据区视图
func (r *Region) WritableData() ([]byte, error) {
	if r.freed {
		return nil, ErrFreed
	}
	if r.dataProt != ProtReadWrite {
		return nil, ErrNotWritable
	}
	return r.mem[r.codeSize : r.codeSize+r.dataUsed : r.codeSize+r.dataUsed], nil
}

// CodeBytes 只读视图，调用者不得写入
func (r *Region) CodeBytes() []byte {
	if r.freed {
		return nil
	}
	return r.mem[:r.codeUsed:r.codeUsed]
}

// DataBytes 只读视图，调用者不得写入
func (r *Region) DataBytes() []byte {
	if r.freed {
		return nil
	}
	return r.mem[r.codeSize : r.codeSize+r.dataUsed : r.codeSize+r.dataUsed]
}

// Seal 代码区改为 RX，数据区改为只读，并刷新指令缓存
func (r *Region) Seal() error {
	if r.freed {
		return ErrFreed
	}
	if r.codeSize > 0 {
		if err := protect(r.mem[:r.codeSize], ProtReadExec); err != nil {
			return fmt.Errorf("failed to make code executable: %w", err)
		}
		r.codeProt = ProtReadExec
		if err := flushICache(r.mem[:r.codeSize]); err != nil {
			return err
		}
	}
	if r.dataSize > 0 {
		if err := protect(r.mem[r.codeSize:], ProtRead); err != nil {
			return fmt.Errorf("failed to make data read-only: %w", err)
		}
		r.dataProt = ProtRead
	}
	return nil
}

// Unseal 恢复为可写不可执行
func (r *Region) Unseal() error {
	if r.freed {
		return ErrFreed
	}
	if len(r.mem) == 0 {
		return nil
	}
	if err := protect(r.mem, ProtReadWrite); err != nil {
		return fmt.Errorf("failed to make region writable: %w", err)
	}
	r.codeProt, r.dataProt = ProtReadWrite, ProtReadWrite
	return nil
}

// Free 通过所属分配器释放
func (r *Region) Free() error {
	if r.owner == nil {
		return ErrForeignRegion
	}
	return r.owner.Free(r)
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// regionBytes 计算 Region 需要的页对齐总大小，至少一页
func regionBytes(codeSize, dataSize, page int) int {
	total := roundUp(codeSize, page) + roundUp(dataSize, page)
	if total == 0 {
		total = page
	}
	return total
}

// PageSize 系统页大小
func PageSize() int {
	return pageSize()
}

// New 按策略名创建分配器："mapping"（默认）或 "pool"
func New(strategy string, poolSize int) (Allocator, error) {
	switch strategy {
	case "", "mapping":
		return NewMappingAllocator(), nil
	case "pool":
		return NewPoolAllocator(poolSize)
	}
	return nil, fmt.Errorf("memory: unknown strategy %q", strategy)
}

// closeAll 汇总多个关闭错误
func closeAll(fns ...func() error) error {
	var errs error
	for _, fn := range fns {
		errs = multierr.Append(errs, fn())
	}
	return errs
}
