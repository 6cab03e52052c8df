package stencil

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/multierr"

	"github.com/tangzhangming/tracejit/internal/uop"
)

// ============================================================================
// 模板目录
// ============================================================================

// Catalog 离线生成的模板目录：每个 uop 一组模板，外加 trampoline 与两个共享桩
type Catalog struct {
	Arch       Arch             `cbor:"arch"`
	Trampoline Group            `cbor:"trampoline"`
	Deopt      Group            `cbor:"deopt"`
	Error      Group            `cbor:"error"`
	Groups     map[string]Group `cbor:"groups"` // 以 uop 名称为键
}

var (
	ErrInvalidCatalog = errors.New("stencil: invalid catalog")
	ErrMissingStencil = errors.New("stencil: no stencil for opcode")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("stencil: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal 以规范 CBOR 编码目录
func Marshal(c *Catalog) ([]byte, error) {
	return encMode.Marshal(c)
}

// Unmarshal 解码并校验目录
func Unmarshal(data []byte) (*Catalog, error) {
	var c Catalog
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("stencil: unmarshal catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile 从文件读取目录
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Unmarshal(data)
}

// Lookup 返回 uop 对应的模板组
func (c *Catalog) Lookup(op uop.Opcode) (*Group, error) {
	g, ok := c.Groups[op.String()]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrMissingStencil, op)
	}
	return &g, nil
}

// Covers 检查 trace 中每条指令都有模板
func (c *Catalog) Covers(t uop.Trace) error {
	for _, u := range t {
		if _, err := c.Lookup(u.Opcode); err != nil {
			return err
		}
	}
	return nil
}

// NeedsLocality 代码中是否存在指向共享桩的 PC 相对洞
// 此时 trace 代码与桩必须位于同一个可寻址范围内（x86-64 为 ±2GB）
func (c *Catalog) NeedsLocality() bool {
	found := false
	c.eachStencil(func(_ string, s *Stencil) {
		for _, h := range s.Holes {
			if h.Kind.PCRelative() && h.Value.External() {
				found = true
			}
		}
	})
	return found
}

func (c *Catalog) eachStencil(fn func(name string, s *Stencil)) {
	fixed := []struct {
		name string
		g    *Group
	}{
		{"trampoline", &c.Trampoline},
		{"deopt", &c.Deopt},
		{"error", &c.Error},
	}
	for _, f := range fixed {
		fn(f.name+".code", &f.g.Code)
		fn(f.name+".data", &f.g.Data)
	}
	names := make([]string, 0, len(c.Groups))
	for name := range c.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := c.Groups[name]
		fn(name+".code", &g.Code)
		fn(name+".data", &g.Data)
	}
}

// Validate 检查目录结构：架构、模板大小、洞的范围与类型
func (c *Catalog) Validate() error {
	if c.Arch != ArchAMD64 && c.Arch != ArchARM64 {
		return fmt.Errorf("%w: unknown arch %q", ErrInvalidCatalog, c.Arch)
	}
	var errs error
	for name := range c.Groups {
		if _, ok := uop.OpcodeByName(name); !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: unknown opcode %q", ErrInvalidCatalog, name))
		}
	}
	c.eachStencil(func(name string, s *Stencil) {
		errs = multierr.Append(errs, validateStencil(c.Arch, name, s))
	})
	return errs
}

func validateStencil(arch Arch, name string, s *Stencil) error {
	if s.Size != len(s.Body) {
		return fmt.Errorf("%w: %s: size %d does not match body length %d", ErrInvalidCatalog, name, s.Size, len(s.Body))
	}
	var errs error
	for _, h := range s.Holes {
		switch {
		case h.Kind >= NumHoleKinds || h.Value >= NumHoleValues:
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: bad hole %s", ErrInvalidCatalog, name, h))
		case !h.Kind.ValidFor(arch):
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: %s is not a %s relocation", ErrInvalidCatalog, name, h.Kind, arch))
		case int(h.Offset)+h.Kind.Width() > len(s.Body):
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: hole %s outside %d-byte body", ErrInvalidCatalog, name, h, len(s.Body)))
		case h.Kind.PCRelative() && !h.Value.Address():
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: PC-relative hole %s references a non-address value", ErrInvalidCatalog, name, h))
		}
	}
	return errs
}

// Sizes 计算 trace（含 trampoline）所需的代码和数据总字节数
func (c *Catalog) Sizes(t uop.Trace) (code, data int, err error) {
	code, data = len(c.Trampoline.Code.Body), len(c.Trampoline.Data.Body)
	for _, u := range t {
		g, lerr := c.Lookup(u.Opcode)
		if lerr != nil {
			return 0, 0, lerr
		}
		code += len(g.Code.Body)
		data += len(g.Data.Body)
	}
	return code, data, nil
}
