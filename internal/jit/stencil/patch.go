// patch.go - 重定位补丁
//
// value = table[hole.Value] + hole.Addend；PC 相对类型再减去洞的地址。
// 每个洞只修改自己窗口内的 4 或 8 字节，因此同一模板的洞可以任意顺序应用。
// 数值超出编码位宽说明地址局部性假设被破坏，属于内部致命错误。

package stencil

import (
	"encoding/binary"
	"fmt"
)

// RelocationError 重定位失败
type RelocationError struct {
	Hole     Hole
	Location uint64
	Value    int64
	Reason   string
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("stencil: relocation %s at %#x (value %#x): %s", e.Hole, e.Location, uint64(e.Value), e.Reason)
}

// AArch64 指令识别掩码
const (
	arm64LdrStrMask  = 0x3B000000
	arm64LdrStrValue = 0x39000000
	arm64AddSubMask  = 0x11C00000
	arm64AddSubValue = 0x11000000
	arm64BranchMask  = 0x7C000000
	arm64BranchValue = 0x14000000
	arm64AdrpMask    = 0x9F000000
	arm64AdrpValue   = 0x90000000
	arm64MovwMask    = 0x9F800000 // MOVN/MOVZ/MOVK 64 位
	arm64MovwValue   = 0x92800000
)

// fitsSigned 检查 v 能否用 bits 位有符号数表示
func fitsSigned(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}

// Patch 把 hole 对应的数值写入 body（body[0] 位于地址 base）
func Patch(body []byte, base uint64, hole Hole, table *PatchTable) error {
	if hole.Kind >= NumHoleKinds {
		return &RelocationError{Hole: hole, Location: base, Reason: "unknown relocation kind"}
	}
	if hole.Value >= NumHoleValues {
		return &RelocationError{Hole: hole, Location: base, Reason: "unknown value kind"}
	}
	off := int(hole.Offset)
	if off < 0 || off+hole.Kind.Width() > len(body) {
		return &RelocationError{Hole: hole, Location: base + uint64(hole.Offset), Reason: "hole outside stencil bounds"}
	}

	location := base + uint64(hole.Offset)
	value := int64(table[hole.Value]) + hole.Addend
	if hole.Kind.PCRelative() {
		value -= int64(location)
	}
	fail := func(reason string) error {
		return &RelocationError{Hole: hole, Location: location, Value: value, Reason: reason}
	}

	window := body[off : off+hole.Kind.Width()]
	switch hole.Kind {
	case KindAbs64:
		binary.LittleEndian.PutUint64(window, uint64(value))
		return nil

	case KindAbs32:
		if uint64(value) > 0xFFFFFFFF {
			return fail("value does not fit in 32 bits")
		}
		binary.LittleEndian.PutUint32(window, uint32(value))
		return nil

	case KindRel32:
		if !fitsSigned(value, 32) {
			return fail("displacement does not fit in 32 bits")
		}
		binary.LittleEndian.PutUint32(window, uint32(int32(value)))
		return nil
	}

	insn := binary.LittleEndian.Uint32(window)
	switch hole.Kind {
	case KindArm64Branch26:
		if insn&arm64BranchMask != arm64BranchValue {
			return fail("not a B/BL instruction")
		}
		if value&3 != 0 {
			return fail("branch target is not 4-byte aligned")
		}
		if !fitsSigned(value>>2, 26) {
			return fail("branch displacement does not fit in 28 bits")
		}
		insn = insn&^0x03FFFFFF | uint32(value>>2)&0x03FFFFFF

	case KindArm64Page21:
		if insn&arm64AdrpMask != arm64AdrpValue {
			return fail("not an ADRP instruction")
		}
		target := uint64(int64(location) + value)
		delta := int64(target>>12) - int64(location>>12)
		if !fitsSigned(delta, 21) {
			return fail("page delta does not fit in 21 bits")
		}
		immlo := uint32(delta) & 0x3
		immhi := uint32(delta>>2) & 0x7FFFF
		insn = insn&^(0x3<<29|0x7FFFF<<5) | immlo<<29 | immhi<<5

	case KindArm64PageOff12:
		var shift uint
		switch {
		case insn&arm64LdrStrMask == arm64LdrStrValue:
			shift = uint(insn >> 30)
			if insn&(1<<26) != 0 && insn&(1<<23) != 0 {
				shift = 4 // 128 位 SIMD 访问
			}
		case insn&arm64AddSubMask == arm64AddSubValue:
		default:
			return fail("not an LDR/STR/ADD immediate instruction")
		}
		lo := uint32(value) & 0xFFF
		if lo&(1<<shift-1) != 0 {
			return fail("page offset is not aligned to the access size")
		}
		insn = insn&^(0xFFF<<10) | (lo>>shift)<<10

	case KindArm64MovwG0, KindArm64MovwG1, KindArm64MovwG2, KindArm64MovwG3:
		if insn&arm64MovwMask != arm64MovwValue {
			return fail("not a MOVZ/MOVK instruction")
		}
		n := uint(hole.Kind - KindArm64MovwG0)
		if uint((insn>>21)&3) != n {
			return fail("MOVW shift does not match the relocation window")
		}
		imm := uint32(uint64(value)>>(16*n)) & 0xFFFF
		insn = insn&^(0xFFFF<<5) | imm<<5
	}
	binary.LittleEndian.PutUint32(window, insn)
	return nil
}

// PatchAll 应用一个模板的所有洞
func PatchAll(body []byte, base uint64, holes []Hole, table *PatchTable) error {
	for _, h := range holes {
		if err := Patch(body, base, h, table); err != nil {
			return err
		}
	}
	return nil
}
