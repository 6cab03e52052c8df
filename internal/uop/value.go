package uop

import (
	"fmt"
	"math"
	"strconv"
)

// ValueKind 值类型
type ValueKind byte

const (
	KindNull   ValueKind = iota // 未绑定 / NULL 槽位
	KindNone                    // None
	KindBool                    // 布尔
	KindInt                     // 64 位整数（回绕运算）
	KindFloat                   // 64 位浮点
	KindStr                     // 字符串
	KindFunc                    // 函数对象
	KindObject                  // 普通对象
	KindFrame                   // INIT_CALL 构造的待进入帧
)

var kindNames = [...]string{
	KindNull:   "null",
	KindNone:   "none",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindStr:    "str",
	KindFunc:   "func",
	KindObject: "object",
	KindFrame:  "frame",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsImmediate 检查该类型的值能否直接编码进 64 位操作数
func (k ValueKind) IsImmediate() bool {
	switch k {
	case KindNone, KindBool, KindInt, KindFloat:
		return true
	}
	return false
}

// Function 函数对象
// Version 在函数的代码被替换时改变，优化器据此静态解析调用目标
type Function struct {
	Name    string
	Version uint32
	Code    *CodeUnit
}

// Object 普通对象
type Object struct {
	TypeName    string
	TypeVersion uint32
	Attrs       map[string]Value
}

// PendingCall INIT_CALL 的结果，PUSH_FRAME 消费它
type PendingCall struct {
	Func *Function
	Args []Value
}

// Value 运行时值
type Value struct {
	Kind ValueKind
	Data interface{}
}

// 预定义常量值
var (
	NullValue  = Value{Kind: KindNull}
	NoneValue  = Value{Kind: KindNone}
	TrueValue  = Value{Kind: KindBool, Data: true}
	FalseValue = Value{Kind: KindBool, Data: false}
)

// NewBool 创建布尔值
func NewBool(b bool) Value {
	if b {
		return TrueValue
	}
	return FalseValue
}

// NewInt 创建整数值
func NewInt(n int64) Value {
	return Value{Kind: KindInt, Data: n}
}

// NewFloat 创建浮点数值
func NewFloat(f float64) Value {
	return Value{Kind: KindFloat, Data: f}
}

// NewStr 创建字符串值
func NewStr(s string) Value {
	return Value{Kind: KindStr, Data: s}
}

// NewFunc 包装函数对象
func NewFunc(fn *Function) Value {
	return Value{Kind: KindFunc, Data: fn}
}

// NewObject 包装对象
func NewObject(obj *Object) Value {
	return Value{Kind: KindObject, Data: obj}
}

// IsNull 是否为 NULL 槽位
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// AsBool 获取布尔值
func (v Value) AsBool() bool {
	b, _ := v.Data.(bool)
	return b
}

// AsInt 获取整数
func (v Value) AsInt() int64 {
	n, _ := v.Data.(int64)
	return n
}

// AsFloat 获取浮点数
func (v Value) AsFloat() float64 {
	f, _ := v.Data.(float64)
	return f
}

// AsStr 获取字符串
func (v Value) AsStr() string {
	s, _ := v.Data.(string)
	return s
}

// AsFunc 获取函数对象
func (v Value) AsFunc() *Function {
	fn, _ := v.Data.(*Function)
	return fn
}

// AsObject 获取对象
func (v Value) AsObject() *Object {
	obj, _ := v.Data.(*Object)
	return obj
}

// AsPendingCall 获取待进入帧
func (v Value) AsPendingCall() *PendingCall {
	pc, _ := v.Data.(*PendingCall)
	return pc
}

// Truthy 真值判断，本 VM 中不会抛出异常
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNull, KindNone:
		return false
	case KindBool:
		return v.AsBool()
	case KindInt:
		return v.AsInt() != 0
	case KindFloat:
		return v.AsFloat() != 0
	case KindStr:
		return v.AsStr() != ""
	default:
		return true
	}
}

// Equals 值相等比较（对象和函数按身份比较）
func (v Value) Equals(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull, KindNone:
		return true
	case KindBool:
		return v.AsBool() == other.AsBool()
	case KindInt:
		return v.AsInt() == other.AsInt()
	case KindFloat:
		a, b := v.AsFloat(), other.AsFloat()
		return a == b || (math.IsNaN(a) && math.IsNaN(b))
	case KindStr:
		return v.AsStr() == other.AsStr()
	case KindFunc:
		return v.AsFunc() == other.AsFunc()
	case KindObject:
		return v.AsObject() == other.AsObject()
	case KindFrame:
		return v.AsPendingCall() == other.AsPendingCall()
	}
	return false
}

// String 返回字符串表示
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindNone:
		return "None"
	case KindBool:
		if v.AsBool() {
			return "True"
		}
		return "False"
	case KindInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case KindStr:
		return strconv.Quote(v.AsStr())
	case KindFunc:
		fn := v.AsFunc()
		return fmt.Sprintf("<func %s v%d>", fn.Name, fn.Version)
	case KindObject:
		obj := v.AsObject()
		return fmt.Sprintf("<%s v%d>", obj.TypeName, obj.TypeVersion)
	case KindFrame:
		return "<frame>"
	}
	return "?"
}

// ============================================================================
// 立即数编码
// ============================================================================

// EncodeImmediate 将立即数编码为 (kind, bits)，供 LOAD_CONST_INLINE 使用
func EncodeImmediate(v Value) (kind int32, bits uint64, ok bool) {
	switch v.Kind {
	case KindNone:
		return int32(KindNone), 0, true
	case KindBool:
		if v.AsBool() {
			return int32(KindBool), 1, true
		}
		return int32(KindBool), 0, true
	case KindInt:
		return int32(KindInt), uint64(v.AsInt()), true
	case KindFloat:
		return int32(KindFloat), math.Float64bits(v.AsFloat()), true
	}
	return 0, 0, false
}

// DecodeImmediate EncodeImmediate 的逆操作
func DecodeImmediate(kind int32, bits uint64) (Value, error) {
	switch ValueKind(kind) {
	case KindNone:
		return NoneValue, nil
	case KindBool:
		return NewBool(bits != 0), nil
	case KindInt:
		return NewInt(int64(bits)), nil
	case KindFloat:
		return NewFloat(math.Float64frombits(bits)), nil
	}
	return NullValue, fmt.Errorf("uop: kind %s is not an immediate", ValueKind(kind))
}
