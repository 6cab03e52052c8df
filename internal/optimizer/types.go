package optimizer

import (
	"strings"

	"github.com/tangzhangming/tracejit/internal/uop"
)

// ============================================================================
// 类型事实
// ============================================================================

// TypeFlags 类型事实位集
type TypeFlags uint16

const (
	TypeFuncVersion TypeFlags = 1 << iota // 函数版本已知（细化字 0）
	TypeTypeVersion                       // 对象类型版本已知（细化字 1）
	TypeInt
	TypeFloat
	TypeStr
	TypeBool
	TypeNone
	TypeNull       // 可能是 NULL（未绑定的局部变量）
	TypeSelfOrNull // 栈上的值，不知道是 self 还是 NULL
	TypeNonNull    // 已证明不是 NULL
	TypeConst      // 真常量，Const 字段有效
)

// immutableTypes 不会被逃逸操作改变的事实
const immutableTypes = TypeInt | TypeFloat | TypeStr | TypeBool | TypeNone | TypeNull | TypeSelfOrNull | TypeNonNull | TypeConst

var typeNames = [...]string{"func_version", "type_version", "int", "float", "str", "bool", "none", "null", "self_or_null", "non_null", "const"}

func (f TypeFlags) String() string {
	if f == 0 {
		return "unknown"
	}
	var parts []string
	for i, name := range typeNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// 细化字下标
const (
	refineFunc = 0
	refineType = 1
)

// SymType 一个符号值的类型事实
type SymType struct {
	Flags      TypeFlags
	Refinement [2]uint64
	Const      uop.Value
}

// Is 是否具有全部给定事实
func (t *SymType) Is(f TypeFlags) bool {
	return t.Flags&f == f
}

// Matches 是否具有给定事实且细化字相等
func (t *SymType) Matches(f TypeFlags, refinement uint64) bool {
	if !t.Is(f) {
		return false
	}
	switch f {
	case TypeFuncVersion:
		return t.Refinement[refineFunc] == refinement
	case TypeTypeVersion:
		return t.Refinement[refineType] == refinement
	}
	return true
}

// IsConst 是否为常量
func (t *SymType) IsConst() bool {
	return t.Flags&TypeConst != 0
}

// MaybeNull 值是否可能是未绑定的 NULL
func (t *SymType) MaybeNull() bool {
	return t.Flags&TypeNull != 0
}

// DefinitelyNull 值一定是 NULL
func (t *SymType) DefinitelyNull() bool {
	return t.IsConst() && t.Const.IsNull()
}

// ProvenNonNull 值一定不是 NULL
func (t *SymType) ProvenNonNull() bool {
	return t.Flags&TypeNonNull != 0 && !t.DefinitelyNull()
}

// set 添加事实，种类事实蕴含非 NULL
func (t *SymType) set(f TypeFlags, refinement uint64) {
	t.Flags |= f | TypeNonNull
	switch f {
	case TypeFuncVersion:
		t.Refinement[refineFunc] = refinement
	case TypeTypeVersion:
		t.Refinement[refineType] = refinement
	}
}

// setNonNull 去掉可能为 NULL 的事实
func (t *SymType) setNonNull() {
	if t.DefinitelyNull() {
		return
	}
	t.Flags &^= TypeNull | TypeSelfOrNull
	t.Flags |= TypeNonNull
}

// setConst 设为常量并推导种类事实
func (t *SymType) setConst(v uop.Value) {
	t.Flags |= TypeConst
	t.Const = v
	if v.IsNull() {
		t.Flags = t.Flags&^TypeNonNull | TypeNull
		return
	}
	t.Flags |= TypeNonNull
	switch v.Kind {
	case uop.KindNone:
		t.Flags |= TypeNone
	case uop.KindBool:
		t.Flags |= TypeBool
	case uop.KindInt:
		t.Flags |= TypeInt
	case uop.KindFloat:
		t.Flags |= TypeFloat
	case uop.KindStr:
		t.Flags |= TypeStr
	case uop.KindFunc:
		if fn := v.AsFunc(); fn != nil {
			t.set(TypeFuncVersion, uint64(fn.Version))
		}
	case uop.KindObject:
		if obj := v.AsObject(); obj != nil {
			t.set(TypeTypeVersion, uint64(obj.TypeVersion))
		}
	}
}

// immutable 只保留不可变事实
func (t SymType) immutable() SymType {
	t.Flags &= immutableTypes
	t.Refinement = [2]uint64{}
	return t
}

// selfState 调用时 self_or_null 槽位的已知状态
type selfState int

const (
	selfUnknown selfState = iota
	selfAbsent
	selfPresent
)

func (t *SymType) selfState() selfState {
	switch {
	case t.DefinitelyNull():
		return selfAbsent
	case t.ProvenNonNull():
		return selfPresent
	}
	return selfUnknown
}

// resultType 纯操作结果的种类事实；纯操作从不产生 NULL
func resultType(op uop.Opcode) TypeFlags {
	switch op {
	case uop.OpBinaryAddInt, uop.OpBinarySubInt, uop.OpBinaryMulInt, uop.OpUnaryNegativeInt:
		return TypeInt | TypeNonNull
	case uop.OpBinaryAddFloat, uop.OpBinarySubFloat, uop.OpBinaryMulFloat:
		return TypeFloat | TypeNonNull
	case uop.OpBinaryAddStr:
		return TypeStr | TypeNonNull
	case uop.OpCompareLtInt, uop.OpCompareEqInt, uop.OpToBool, uop.OpUnaryNot:
		return TypeBool | TypeNonNull
	}
	return TypeNonNull
}

// guardType 类型守卫检查的事实
func guardType(op uop.Opcode) TypeFlags {
	switch op {
	case uop.OpGuardBothInt, uop.OpGuardTosInt:
		return TypeInt
	case uop.OpGuardBothFloat:
		return TypeFloat
	case uop.OpGuardBothStr:
		return TypeStr
	}
	return 0
}
