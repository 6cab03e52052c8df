package asm

import (
	"fmt"
	"runtime"

	"github.com/tangzhangming/tracejit/internal/jit/stencil"
	"github.com/tangzhangming/tracejit/internal/uop"
)

// ============================================================================
// 合成模板目录
// ============================================================================
//
// 离线工具链生成的真实目录不属于本仓库。这里按同样的格式合成一套目录，
// 覆盖全部 uop，供测试和命令行工具使用：每个模板装入自己的
// oparg/operand/target，取出数据区中的 executor 标识，
// 可能失败的 uop 检查返回值并跳往对应的共享桩。
//
// pcRelStubs 为 true 时用 PC 相对跳转到达共享桩（需要地址局部性），
// 否则先把桩地址装入寄存器再间接跳转。

// stub 返回码
const (
	stubDeopt = 1
	stubError = 2
)

// stubFor 返回 uop 失败时跳往的桩
func stubFor(op uop.Opcode) (stencil.HoleValue, bool) {
	switch {
	case op.Has(uop.FlagError):
		return stencil.ValueErrorStub, true
	case op.Has(uop.FlagDeopt):
		return stencil.ValueDeoptStub, true
	}
	return 0, false
}

// executorSlot 数据区：8 字节 executor 标识
func executorSlot() stencil.Stencil {
	return stencil.Stencil{
		Body:  make([]byte, 8),
		Size:  8,
		Holes: []stencil.Hole{{Offset: 0, Kind: stencil.KindAbs64, Value: stencil.ValueExecutor}},
	}
}

// BuildCatalog 为指定架构合成目录
func BuildCatalog(arch stencil.Arch, pcRelStubs bool) (*stencil.Catalog, error) {
	var c *stencil.Catalog
	switch arch {
	case stencil.ArchAMD64:
		c = buildX64(pcRelStubs)
	case stencil.ArchARM64:
		c = buildARM64(pcRelStubs)
	default:
		return nil, fmt.Errorf("asm: no encoder for arch %q", arch)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// HostArch 当前进程的目标架构
func HostArch() (stencil.Arch, bool) {
	switch runtime.GOARCH {
	case "amd64":
		return stencil.ArchAMD64, true
	case "arm64":
		return stencil.ArchARM64, true
	}
	return "", false
}

// HostCatalog 为当前架构合成目录
func HostCatalog(pcRelStubs bool) (*stencil.Catalog, error) {
	arch, ok := HostArch()
	if !ok {
		return nil, fmt.Errorf("asm: unsupported host arch %s", runtime.GOARCH)
	}
	return BuildCatalog(arch, pcRelStubs)
}

// ============================================================================
// x86-64
// ============================================================================

func buildX64(pcRelStubs bool) *stencil.Catalog {
	c := &stencil.Catalog{Arch: stencil.ArchAMD64, Groups: make(map[string]stencil.Group)}

	tramp := NewX64Assembler()
	tramp.Push(RBP)
	tramp.MovRegReg(RBP, RSP)
	tramp.MovRegReg(RBX, RDI) // 帧
	tramp.MovRegReg(R12, RSI) // 栈指针
	c.Trampoline = stencil.Group{Code: tramp.Stencil()}

	c.Deopt = stencil.Group{Code: x64Stub(stubDeopt)}
	c.Error = stencil.Group{Code: x64Stub(stubError)}

	for op := uop.Opcode(0); op < uop.NumOpcodes; op++ {
		c.Groups[op.String()] = x64Group(op, pcRelStubs)
	}
	return c
}

func x64Stub(code int32) stencil.Stencil {
	a := NewX64Assembler()
	a.MovRegImm32(RAX, code)
	a.Pop(RBP)
	a.Ret()
	return a.Stencil()
}

func x64Group(op uop.Opcode, pcRelStubs bool) stencil.Group {
	a := NewX64Assembler()
	switch op {
	case uop.OpNop:
		// 空模板，直接落入下一片段
		return stencil.Group{Code: a.Stencil()}
	case uop.OpExitTrace:
		a.MovRegHole32(RCX, stencil.ValueTarget)
		a.MovRegReg(RAX, RBX)
		a.Pop(RBP)
		a.Ret()
		return stencil.Group{Code: a.Stencil()}
	case uop.OpJumpToTop:
		a.JmpHole(stencil.ValueTop)
		return stencil.Group{Code: a.Stencil()}
	}

	a.LeaRIPHole(R8, stencil.ValueData)
	a.MovRegHole64(RSI, stencil.ValueOparg)
	a.MovRegHole64(RDX, stencil.ValueOperand)
	a.MovRegHole32(RCX, stencil.ValueTarget)
	if stub, ok := stubFor(op); ok {
		a.TestRegReg(RAX, RAX)
		if pcRelStubs {
			a.JnzHole(stub)
		} else {
			const skip = 1
			a.Jz(skip)
			a.MovRegHole64(R11, stub)
			a.JmpReg(R11)
			a.Label(skip)
		}
	}
	return stencil.Group{Code: a.Stencil(), Data: executorSlot()}
}

// ============================================================================
// AArch64
// ============================================================================

func buildARM64(pcRelStubs bool) *stencil.Catalog {
	c := &stencil.Catalog{Arch: stencil.ArchARM64, Groups: make(map[string]stencil.Group)}

	tramp := NewARM64Assembler()
	tramp.StpPre(X29, X30, XSP, -16)
	tramp.MovRegReg(X19, X0) // 帧
	tramp.MovRegReg(X20, X1) // 栈指针
	c.Trampoline = stencil.Group{Code: tramp.Stencil()}

	c.Deopt = stencil.Group{Code: arm64Stub(stubDeopt)}
	c.Error = stencil.Group{Code: arm64Stub(stubError)}

	for op := uop.Opcode(0); op < uop.NumOpcodes; op++ {
		c.Groups[op.String()] = arm64Group(op, pcRelStubs)
	}
	return c
}

func arm64Stub(code uint16) stencil.Stencil {
	a := NewARM64Assembler()
	a.LdpPost(X29, X30, XSP, 16)
	a.MovRegImm16(X0, code, 0)
	a.Ret()
	return a.Stencil()
}

func arm64Group(op uop.Opcode, pcRelStubs bool) stencil.Group {
	a := NewARM64Assembler()
	switch op {
	case uop.OpNop:
		return stencil.Group{Code: a.Stencil()}
	case uop.OpExitTrace:
		a.MovHole(X3, stencil.ValueTarget, 2)
		a.MovRegReg(X0, X19)
		a.LdpPost(X29, X30, XSP, 16)
		a.Ret()
		return stencil.Group{Code: a.Stencil()}
	case uop.OpJumpToTop:
		a.BHole(stencil.ValueTop)
		return stencil.Group{Code: a.Stencil()}
	}

	a.AdrpHole(X8, stencil.ValueData)
	a.LdrPageOffHole(X8, X8, stencil.ValueData)
	a.MovHole(X1, stencil.ValueOparg, 2)
	a.MovHole(X2, stencil.ValueOperand, 4)
	a.MovHole(X3, stencil.ValueTarget, 2)
	if stub, ok := stubFor(op); ok {
		const skip = 1
		a.Cbz(X0, skip)
		if pcRelStubs {
			a.BHole(stub)
		} else {
			a.MovHole(X17, stub, 4)
			a.Br(X17)
		}
		a.Label(skip)
	}
	return stencil.Group{Code: a.Stencil(), Data: executorSlot()}
}
