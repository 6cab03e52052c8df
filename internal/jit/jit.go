// Package jit 把优化后的 tier-2 trace 编译为本机代码（copy-and-patch）。
//
// 编译不做指令选择和寄存器分配：每条 uop 对应一段离线编译好的模板，
// 发射器把模板依次复制到一段新分配的内存中，填写其中的重定位洞，
// 最后把代码页切换为可执行。所得入口点由所属的 Executor 持有。
package jit

import (
	"errors"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/tracejit/internal/jit/memory"
	"github.com/tangzhangming/tracejit/internal/jit/stencil"
)

var (
	// ErrDisabled 一次性初始化失败后，本发射器永久停用
	ErrDisabled = errors.New("jit: compilation disabled")
	// ErrNoCatalog 没有模板目录
	ErrNoCatalog = errors.New("jit: no stencil catalog")
	// ErrLocality 目录需要地址局部性而分配器不提供
	ErrLocality = errors.New("jit: catalog requires address locality the allocator does not provide")
	// ErrArchMismatch 目录架构与当前进程不符
	ErrArchMismatch = errors.New("jit: catalog arch does not match host")
	// ErrRelocation 重定位溢出，说明构建期假设被破坏
	ErrRelocation = errors.New("jit: relocation failed")
	// ErrExecutorFreed executor 的代码已释放
	ErrExecutorFreed = errors.New("jit: executor freed")
	// ErrAlreadyCompiled executor 已经持有代码
	ErrAlreadyCompiled = errors.New("jit: executor already compiled")
)

// Options 发射器配置
type Options struct {
	Catalog   *stencil.Catalog
	Allocator memory.Allocator // 为空时使用 MappingAllocator
	Logger    *zap.Logger      // 为空时不输出日志

	// AllowCrossArch 允许为其他架构发射代码（仅用于检查生成结果，不会执行）
	AllowCrossArch bool
}

// Stats 编译统计
type Stats struct {
	Compiled        int64 // 成功编译的 trace 数
	Failed          int64 // 失败（回退到解释执行）的次数
	Relocations     int64 // 应用的重定位数
	CodeBytes       int64 // 发射的代码字节数
	DataBytes       int64 // 发射的数据字节数
	RegionsFreed    int64 // 已释放的 executor 内存数
	SetupFailed     bool
	LocalityAllowed bool
}

type counters struct {
	compiled     atomic.Int64
	failed       atomic.Int64
	relocations  atomic.Int64
	codeBytes    atomic.Int64
	dataBytes    atomic.Int64
	regionsFreed atomic.Int64
}
