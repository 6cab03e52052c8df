// stencil.go - 模板（stencil）与重定位洞（hole）
//
// 每个 uop 对应一组离线编译好的可重定位模板：一段代码和一段数据。
// 模板里需要运行时数值的位置称为洞，由 Patch 按架构格式写入。

package stencil

import "fmt"

// Arch 目标架构
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// HoleKind 重定位类型
type HoleKind uint8

const (
	KindAbs64          HoleKind = iota // 64 位绝对地址
	KindAbs32                          // 32 位绝对地址（零扩展）
	KindRel32                          // x86-64 PC 相对 32 位（含 call/jmp/GOTPCREL 形式）
	KindArm64Branch26                  // B/BL imm26，按 4 字节缩放
	KindArm64Page21                    // ADRP 页差
	KindArm64PageOff12                 // LDR/STR/ADD 的页内偏移 imm12（按访问宽度缩放）
	KindArm64MovwG0                    // MOVZ/MOVK 第 0 个 16 位窗口
	KindArm64MovwG1
	KindArm64MovwG2
	KindArm64MovwG3

	NumHoleKinds
)

var holeKindNames = [NumHoleKinds]string{
	KindAbs64:          "abs64",
	KindAbs32:          "abs32",
	KindRel32:          "rel32",
	KindArm64Branch26:  "arm64_branch26",
	KindArm64Page21:    "arm64_page21",
	KindArm64PageOff12: "arm64_pageoff12",
	KindArm64MovwG0:    "arm64_movw_g0",
	KindArm64MovwG1:    "arm64_movw_g1",
	KindArm64MovwG2:    "arm64_movw_g2",
	KindArm64MovwG3:    "arm64_movw_g3",
}

func (k HoleKind) String() string {
	if k < NumHoleKinds {
		return holeKindNames[k]
	}
	return fmt.Sprintf("holekind(%d)", k)
}

// Width 重定位窗口的字节数
func (k HoleKind) Width() int {
	if k == KindAbs64 {
		return 8
	}
	return 4
}

// PCRelative 是否相对于洞所在位置
func (k HoleKind) PCRelative() bool {
	switch k {
	case KindRel32, KindArm64Branch26, KindArm64Page21:
		return true
	}
	return false
}

// ValidFor 该重定位类型是否属于指定架构
func (k HoleKind) ValidFor(arch Arch) bool {
	switch k {
	case KindAbs64:
		return true
	case KindAbs32, KindRel32:
		return arch == ArchAMD64
	case KindArm64Branch26, KindArm64Page21, KindArm64PageOff12,
		KindArm64MovwG0, KindArm64MovwG1, KindArm64MovwG2, KindArm64MovwG3:
		return arch == ArchARM64
	}
	return false
}

// HoleValue 洞的取值来源，是 PatchTable 的下标
type HoleValue uint8

const (
	ValueCode      HoleValue = iota // 本片段代码起始地址
	ValueData                       // 本片段数据起始地址
	ValueContinue                   // 本片段代码结束地址（下一片段起始）
	ValueExecutor                   // 所属 executor 标识
	ValueOparg                      // 指令的 oparg
	ValueOperand                    // 指令的 operand
	ValueTarget                     // 指令的回退偏移
	ValueTop                        // trace 第一条指令的代码地址（跳过 trampoline）
	ValueZero                       // 常量 0
	ValueDeoptStub                  // 共享的去优化桩
	ValueErrorStub                  // 共享的异常桩

	NumHoleValues
)

var holeValueNames = [NumHoleValues]string{
	ValueCode:      "code",
	ValueData:      "data",
	ValueContinue:  "continue",
	ValueExecutor:  "executor",
	ValueOparg:     "oparg",
	ValueOperand:   "operand",
	ValueTarget:    "target",
	ValueTop:       "top",
	ValueZero:      "zero",
	ValueDeoptStub: "deopt_stub",
	ValueErrorStub: "error_stub",
}

func (v HoleValue) String() string {
	if v < NumHoleValues {
		return holeValueNames[v]
	}
	return fmt.Sprintf("holevalue(%d)", v)
}

// External 取值是否指向本 trace 之外的地址
func (v HoleValue) External() bool {
	return v == ValueDeoptStub || v == ValueErrorStub
}

// Address 取值是否为地址（PC 相对重定位只能引用地址）
func (v HoleValue) Address() bool {
	switch v {
	case ValueCode, ValueData, ValueContinue, ValueTop, ValueDeoptStub, ValueErrorStub:
		return true
	}
	return false
}

// Hole 一个重定位
type Hole struct {
	Offset uint32    `cbor:"offset"`
	Kind   HoleKind  `cbor:"kind"`
	Value  HoleValue `cbor:"value"`
	Addend int64     `cbor:"addend"`
}

func (h Hole) String() string {
	return fmt.Sprintf("%s@%#x=%s%+d", h.Kind, h.Offset, h.Value, h.Addend)
}

// Stencil 一段代码或数据模板
type Stencil struct {
	Body  []byte `cbor:"body"`
	Size  int    `cbor:"size"`
	Holes []Hole `cbor:"holes"`
}

// Group 一个 uop 的代码模板和数据模板
type Group struct {
	Code Stencil `cbor:"code"`
	Data Stencil `cbor:"data"`
}

// PatchTable 一次模板实例化时各取值来源的具体数值
type PatchTable [NumHoleValues]uint64
