// arm64.go - AArch64 模板汇编器
//
// ARM64 指令固定 32 位，重定位洞落在指令字内部的位域上：
// B/BL 的 imm26、ADRP 的 immhi:immlo、LDR/ADD 的 imm12、MOVZ/MOVK 的 imm16。

package asm

import (
	"encoding/binary"
	"strconv"

	"github.com/tangzhangming/tracejit/internal/jit/stencil"
)

// ============================================================================
// ARM64 寄存器定义
// ============================================================================

// ARM64Reg ARM64 寄存器
type ARM64Reg int

const (
	X0 ARM64Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16 // IP0 - 过程内调用暂存器
	X17 // IP1
	X18 // 平台寄存器
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29 // FP - 帧指针
	X30 // LR - 链接寄存器

	XSP ARM64Reg = 31 // 栈指针
	XZR ARM64Reg = 31 // 零寄存器（与 SP 共享编码，由指令决定）
)

// String 返回寄存器名称
func (r ARM64Reg) String() string {
	switch {
	case r >= X0 && r <= X28:
		return "x" + strconv.Itoa(int(r))
	case r == X29:
		return "fp"
	case r == X30:
		return "lr"
	case r == XSP:
		return "sp"
	}
	return "???"
}

// Encode 获取寄存器编码
func (r ARM64Reg) Encode() uint32 {
	return uint32(r) & 31
}

// ============================================================================
// ARM64 汇编器
// ============================================================================

// ARM64Assembler ARM64 模板汇编器
type ARM64Assembler struct {
	code   []byte
	holes  []stencil.Hole
	labels map[int]int
	fixups []arm64Fixup
}

type arm64Fixup struct {
	offset int
	label  int
}

// NewARM64Assembler 创建汇编器
func NewARM64Assembler() *ARM64Assembler {
	return &ARM64Assembler{
		code:   make([]byte, 0, 64),
		labels: make(map[int]int),
	}
}

// Len 返回当前代码长度
func (a *ARM64Assembler) Len() int {
	return len(a.code)
}

// Label 定义标签
func (a *ARM64Assembler) Label(id int) {
	a.labels[id] = len(a.code)
}

// Stencil 解析内部跳转并返回模板
func (a *ARM64Assembler) Stencil() stencil.Stencil {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			continue
		}
		// CBZ/CBNZ：19 位偏移
		offset := (target - f.offset) / 4
		instr := binary.LittleEndian.Uint32(a.code[f.offset:])
		instr = (instr &^ 0x00FFFFE0) | ((uint32(offset) & 0x7FFFF) << 5)
		binary.LittleEndian.PutUint32(a.code[f.offset:], instr)
	}
	body := append([]byte(nil), a.code...)
	holes := append([]stencil.Hole(nil), a.holes...)
	return stencil.Stencil{Body: body, Size: len(body), Holes: holes}
}

func (a *ARM64Assembler) emit(instr uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, instr)
}

func (a *ARM64Assembler) emitHole(instr uint32, kind stencil.HoleKind, value stencil.HoleValue) {
	a.holes = append(a.holes, stencil.Hole{Offset: uint32(len(a.code)), Kind: kind, Value: value})
	a.emit(instr)
}

// ============================================================================
// 数据移动
// ============================================================================

// MovRegReg mov dst, src
func (a *ARM64Assembler) MovRegReg(dst, src ARM64Reg) {
	// ORR Xd, XZR, Xn
	a.emit(uint32(0xAA0003E0) | (src.Encode() << 16) | dst.Encode())
}

// MovRegImm16 movz dst, #imm, lsl #shift
func (a *ARM64Assembler) MovRegImm16(dst ARM64Reg, imm uint16, shift int) {
	hw := uint32(shift / 16)
	a.emit(uint32(0xD2800000) | (hw << 21) | (uint32(imm) << 5) | dst.Encode())
}

// MovHole 用 MOVZ + MOVK 装入 <value> 的低 windows*16 位
func (a *ARM64Assembler) MovHole(dst ARM64Reg, value stencil.HoleValue, windows int) {
	for hw := 0; hw < windows; hw++ {
		base := uint32(0xF2800000) // MOVK X
		if hw == 0 {
			base = 0xD2800000 // MOVZ X
		}
		instr := base | uint32(hw)<<21 | dst.Encode()
		a.emitHole(instr, stencil.KindArm64MovwG0+stencil.HoleKind(hw), value)
	}
}

// AdrpHole adrp dst, <value>
func (a *ARM64Assembler) AdrpHole(dst ARM64Reg, value stencil.HoleValue) {
	a.emitHole(uint32(0x90000000)|dst.Encode(), stencil.KindArm64Page21, value)
}

// LdrPageOffHole ldr dst, [base, #:lo12:<value>]
func (a *ARM64Assembler) LdrPageOffHole(dst, base ARM64Reg, value stencil.HoleValue) {
	a.emitHole(uint32(0xF9400000)|(base.Encode()<<5)|dst.Encode(), stencil.KindArm64PageOff12, value)
}

// AddPageOffHole add dst, src, #:lo12:<value>
func (a *ARM64Assembler) AddPageOffHole(dst, src ARM64Reg, value stencil.HoleValue) {
	a.emitHole(uint32(0x91000000)|(src.Encode()<<5)|dst.Encode(), stencil.KindArm64PageOff12, value)
}

// ============================================================================
// 控制流
// ============================================================================

// BHole b <value>
func (a *ARM64Assembler) BHole(value stencil.HoleValue) {
	a.emitHole(0x14000000, stencil.KindArm64Branch26, value)
}

// BlHole bl <value>
func (a *ARM64Assembler) BlHole(value stencil.HoleValue) {
	a.emitHole(0x94000000, stencil.KindArm64Branch26, value)
}

// Cbz cbz reg, label（模板内部）
func (a *ARM64Assembler) Cbz(reg ARM64Reg, label int) {
	a.fixups = append(a.fixups, arm64Fixup{offset: len(a.code), label: label})
	a.emit(uint32(0xB4000000) | reg.Encode())
}

// Blr blr reg
func (a *ARM64Assembler) Blr(reg ARM64Reg) {
	a.emit(uint32(0xD63F0000) | (reg.Encode() << 5))
}

// Br br reg
func (a *ARM64Assembler) Br(reg ARM64Reg) {
	a.emit(uint32(0xD61F0000) | (reg.Encode() << 5))
}

// StpPre stp rt1, rt2, [base, #offset]!
func (a *ARM64Assembler) StpPre(rt1, rt2, base ARM64Reg, offset int32) {
	imm7 := uint32((offset / 8) & 0x7F)
	a.emit(uint32(0xA9800000) | (imm7 << 15) | (rt2.Encode() << 10) | (base.Encode() << 5) | rt1.Encode())
}

// LdpPost ldp rt1, rt2, [base], #offset
func (a *ARM64Assembler) LdpPost(rt1, rt2, base ARM64Reg, offset int32) {
	imm7 := uint32((offset / 8) & 0x7F)
	a.emit(uint32(0xA8C00000) | (imm7 << 15) | (rt2.Encode() << 10) | (base.Encode() << 5) | rt1.Encode())
}

// Ret 返回
func (a *ARM64Assembler) Ret() {
	a.emit(0xD65F03C0)
}
