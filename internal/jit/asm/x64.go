// x64.go - x86-64 模板汇编器
//
// 只实现生成模板所需的少量指令。需要运行时数值的字段先写入占位值，
// 同时记录一个重定位洞，由发射器在实例化模板时填写。
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]

package asm

import (
	"encoding/binary"

	"github.com/tangzhangming/tracejit/internal/jit/stencil"
)

// ============================================================================
// x86-64 寄存器定义
// ============================================================================

// X64Reg x86-64 寄存器
type X64Reg int

const (
	RAX X64Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var x64RegNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String 返回寄存器名称
func (r X64Reg) String() string {
	if r >= 0 && int(r) < len(x64RegNames) {
		return x64RegNames[r]
	}
	return "???"
}

// IsExtended 检查是否是扩展寄存器（需要 REX 前缀）
func (r X64Reg) IsExtended() bool {
	return r >= R8 && r <= R15
}

// LowBits 获取寄存器编码的低 3 位
func (r X64Reg) LowBits() byte {
	return byte(r) & 0x7
}

// ============================================================================
// x86-64 汇编器
// ============================================================================

// X64Assembler x86-64 模板汇编器
type X64Assembler struct {
	code   []byte
	holes  []stencil.Hole
	labels map[int]int
	fixups []x64Fixup
}

// x64Fixup 模板内部的前向跳转
type x64Fixup struct {
	offset int // rel32 字段的偏移
	label  int
}

// NewX64Assembler 创建汇编器
func NewX64Assembler() *X64Assembler {
	return &X64Assembler{
		code:   make([]byte, 0, 64),
		labels: make(map[int]int),
	}
}

// Len 返回当前代码长度
func (a *X64Assembler) Len() int {
	return len(a.code)
}

// Stencil 解析内部跳转并返回模板
func (a *X64Assembler) Stencil() stencil.Stencil {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			continue
		}
		rel := int32(target - (f.offset + 4))
		binary.LittleEndian.PutUint32(a.code[f.offset:], uint32(rel))
	}
	body := append([]byte(nil), a.code...)
	holes := append([]stencil.Hole(nil), a.holes...)
	return stencil.Stencil{Body: body, Size: len(body), Holes: holes}
}

// Label 定义标签
func (a *X64Assembler) Label(id int) {
	a.labels[id] = len(a.code)
}

// emit 写入字节
func (a *X64Assembler) emit(bytes ...byte) {
	a.code = append(a.code, bytes...)
}

// emitU32 写入 32 位值（小端序）
func (a *X64Assembler) emitU32(v uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, v)
}

// emitU64 写入 64 位值（小端序）
func (a *X64Assembler) emitU64(v uint64) {
	a.code = binary.LittleEndian.AppendUint64(a.code, v)
}

// hole 在当前位置记录一个洞
func (a *X64Assembler) hole(kind stencil.HoleKind, value stencil.HoleValue, addend int64) {
	a.holes = append(a.holes, stencil.Hole{
		Offset: uint32(len(a.code)),
		Kind:   kind,
		Value:  value,
		Addend: addend,
	})
}

// rex 构造 REX 前缀
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm 构造 ModR/M 字节
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// ============================================================================
// 数据移动
// ============================================================================

// MovRegReg mov dst, src
func (a *X64Assembler) MovRegReg(dst, src X64Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x89)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// MovRegHole64 movabs reg, <value>（64 位绝对洞）
func (a *X64Assembler) MovRegHole64(reg X64Reg, value stencil.HoleValue) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xB8 + reg.LowBits())
	a.hole(stencil.KindAbs64, value, 0)
	a.emitU64(0)
}

// MovRegHole32 mov reg32, <value>（32 位绝对洞，零扩展）
func (a *X64Assembler) MovRegHole32(reg X64Reg, value stencil.HoleValue) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xB8 + reg.LowBits())
	a.hole(stencil.KindAbs32, value, 0)
	a.emitU32(0)
}

// MovRegImm32 mov reg, imm32（符号扩展）
func (a *X64Assembler) MovRegImm32(reg X64Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xC7)
	a.emit(modrm(3, 0, reg.LowBits()))
	a.emitU32(uint32(imm))
}

// LeaRIPHole lea reg, [rip + <value>]（PC 相对洞）
func (a *X64Assembler) LeaRIPHole(reg X64Reg, value stencil.HoleValue) {
	a.emit(rex(true, reg.IsExtended(), false, false))
	a.emit(0x8D)
	a.emit(modrm(0, reg.LowBits(), 5))
	a.hole(stencil.KindRel32, value, -4)
	a.emitU32(0)
}

// ============================================================================
// 比较与栈
// ============================================================================

// TestRegReg test reg1, reg2
func (a *X64Assembler) TestRegReg(reg1, reg2 X64Reg) {
	a.emit(rex(true, reg2.IsExtended(), false, reg1.IsExtended()))
	a.emit(0x85)
	a.emit(modrm(3, reg2.LowBits(), reg1.LowBits()))
}

// Push push reg
func (a *X64Assembler) Push(reg X64Reg) {
	if reg.IsExtended() {
		a.emit(0x41)
	}
	a.emit(0x50 + reg.LowBits())
}

// Pop pop reg
func (a *X64Assembler) Pop(reg X64Reg) {
	if reg.IsExtended() {
		a.emit(0x41)
	}
	a.emit(0x58 + reg.LowBits())
}

// ============================================================================
// 控制流
// ============================================================================

// CallRIPHole call [rip + <value>]，通过数据区中的槽位间接调用
func (a *X64Assembler) CallRIPHole(value stencil.HoleValue) {
	a.emit(0xFF, 0x15)
	a.hole(stencil.KindRel32, value, -4)
	a.emitU32(0)
}

// CallReg call reg
func (a *X64Assembler) CallReg(reg X64Reg) {
	if reg.IsExtended() {
		a.emit(0x41)
	}
	a.emit(0xFF)
	a.emit(modrm(3, 2, reg.LowBits()))
}

// JmpReg jmp reg
func (a *X64Assembler) JmpReg(reg X64Reg) {
	if reg.IsExtended() {
		a.emit(0x41)
	}
	a.emit(0xFF)
	a.emit(modrm(3, 4, reg.LowBits()))
}

// JmpHole jmp rel32 -> <value>
func (a *X64Assembler) JmpHole(value stencil.HoleValue) {
	a.emit(0xE9)
	a.hole(stencil.KindRel32, value, -4)
	a.emitU32(0)
}

// JnzHole jnz rel32 -> <value>
func (a *X64Assembler) JnzHole(value stencil.HoleValue) {
	a.emit(0x0F, 0x85)
	a.hole(stencil.KindRel32, value, -4)
	a.emitU32(0)
}

// Jz jz rel32 -> label（模板内部）
func (a *X64Assembler) Jz(label int) {
	a.emit(0x0F, 0x84)
	a.fixups = append(a.fixups, x64Fixup{offset: len(a.code), label: label})
	a.emitU32(0)
}

// Ret 返回
func (a *X64Assembler) Ret() {
	a.emit(0xC3)
}
