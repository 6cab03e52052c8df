// code.go - 代码单元的静态形状与函数版本表

package uop

import (
	"fmt"
	"sync"
)

// CodeUnit 代码单元（函数体）的静态形状
type CodeUnit struct {
	Name       string
	ArgCount   int
	LocalCount int // 包含参数
	StackSize  int // 声明的最大栈深度
	Consts     []Value
	Names      []string
}

// Slots 帧所需槽位数（局部变量 + 栈）
func (c *CodeUnit) Slots() int {
	return c.LocalCount + c.StackSize
}

// Validate 检查静态形状
func (c *CodeUnit) Validate() error {
	if c == nil {
		return fmt.Errorf("uop: nil code unit")
	}
	if c.ArgCount < 0 || c.LocalCount < c.ArgCount || c.StackSize < 0 {
		return fmt.Errorf("uop: code unit %q has invalid shape (args=%d locals=%d stack=%d)",
			c.Name, c.ArgCount, c.LocalCount, c.StackSize)
	}
	return nil
}

// ============================================================================
// 函数版本表
// ============================================================================

// FunctionTable 按函数版本号索引函数
// 优化器在 PUSH_FRAME 时用已证明的函数版本静态解析被调函数
type FunctionTable struct {
	mu        sync.RWMutex
	byVersion map[uint32]*Function
}

// NewFunctionTable 创建函数表
func NewFunctionTable() *FunctionTable {
	return &FunctionTable{byVersion: make(map[uint32]*Function)}
}

// Register 注册函数，版本号为 0 的函数不可解析
func (ft *FunctionTable) Register(fn *Function) {
	if fn == nil || fn.Version == 0 {
		return
	}
	ft.mu.Lock()
	ft.byVersion[fn.Version] = fn
	ft.mu.Unlock()
}

// Invalidate 使某版本失效（函数代码被替换时调用）
func (ft *FunctionTable) Invalidate(version uint32) {
	ft.mu.Lock()
	delete(ft.byVersion, version)
	ft.mu.Unlock()
}

// LookupByVersion 按版本查找函数
func (ft *FunctionTable) LookupByVersion(version uint32) (*Function, bool) {
	if ft == nil {
		return nil, false
	}
	ft.mu.RLock()
	fn, ok := ft.byVersion[version]
	ft.mu.RUnlock()
	return fn, ok
}

// Len 返回已注册函数数
func (ft *FunctionTable) Len() int {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return len(ft.byVersion)
}
