// eval.go - 纯运算与通用二元运算的求值
//
// 纯 uop 只在守卫证明过的类型上出现。为了让求值是全函数，
// 类型不符时按零值读取操作数，因此纯运算永远不会失败。
// 常量折叠与参考解释器共用这里的实现，保证两者结果一致。

package uop

import (
	"errors"
	"fmt"
	"math"
)

// 运行时错误
var (
	ErrTypeError      = errors.New("TypeError")
	ErrZeroDivision   = errors.New("ZeroDivisionError")
	ErrNameError      = errors.New("NameError")
	ErrAttributeError = errors.New("AttributeError")
	ErrUnboundLocal   = errors.New("UnboundLocalError")
)

// EvalPure 求值纯 uop，args 按栈顺序排列（最后一个是栈顶）
func EvalPure(op Opcode, oparg int32, args []Value) (Value, bool) {
	switch op {
	case OpBinaryAddInt:
		return NewInt(args[0].AsInt() + args[1].AsInt()), true
	case OpBinarySubInt:
		return NewInt(args[0].AsInt() - args[1].AsInt()), true
	case OpBinaryMulInt:
		return NewInt(args[0].AsInt() * args[1].AsInt()), true
	case OpBinaryAddFloat:
		return NewFloat(args[0].AsFloat() + args[1].AsFloat()), true
	case OpBinarySubFloat:
		return NewFloat(args[0].AsFloat() - args[1].AsFloat()), true
	case OpBinaryMulFloat:
		return NewFloat(args[0].AsFloat() * args[1].AsFloat()), true
	case OpBinaryAddStr:
		return NewStr(args[0].AsStr() + args[1].AsStr()), true
	case OpCompareLtInt:
		return NewBool(args[0].AsInt() < args[1].AsInt()), true
	case OpCompareEqInt:
		return NewBool(args[0].AsInt() == args[1].AsInt()), true
	case OpUnaryNegativeInt:
		return NewInt(-args[0].AsInt()), true
	case OpToBool:
		return NewBool(args[0].Truthy()), true
	case OpUnaryNot:
		return NewBool(!args[0].AsBool()), true
	case OpInitCall:
		n := int(oparg)
		call := &PendingCall{Func: args[0].AsFunc()}
		if !args[1].IsNull() {
			call.Args = append(call.Args, args[1])
		}
		call.Args = append(call.Args, args[2:2+n]...)
		return Value{Kind: KindFrame, Data: call}, true
	}
	return NullValue, false
}

// EvalBinaryOp 通用二元运算（BINARY_OP），可能抛出异常
func EvalBinaryOp(kind int32, a, b Value) (Value, error) {
	switch {
	case a.Kind == KindInt && b.Kind == KindInt:
		return intBinary(kind, a.AsInt(), b.AsInt())
	case isNumber(a) && isNumber(b):
		return floatBinary(kind, toFloat(a), toFloat(b))
	case a.Kind == KindStr && b.Kind == KindStr && kind == BinAdd:
		return NewStr(a.AsStr() + b.AsStr()), nil
	}
	return NullValue, fmt.Errorf("%w: unsupported operand kinds %s and %s for op %d", ErrTypeError, a.Kind, b.Kind, kind)
}

func isNumber(v Value) bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func toFloat(v Value) float64 {
	if v.Kind == KindInt {
		return float64(v.AsInt())
	}
	return v.AsFloat()
}

func intBinary(kind int32, a, b int64) (Value, error) {
	switch kind {
	case BinAdd:
		return NewInt(a + b), nil
	case BinSub:
		return NewInt(a - b), nil
	case BinMul:
		return NewInt(a * b), nil
	case BinFloorDiv, BinMod:
		if b == 0 {
			return NullValue, fmt.Errorf("%w: integer division or modulo by zero", ErrZeroDivision)
		}
		if a == math.MinInt64 && b == -1 {
			// 回绕
			if kind == BinFloorDiv {
				return NewInt(a), nil
			}
			return NewInt(0), nil
		}
		q, r := a/b, a%b
		if r != 0 && (r < 0) != (b < 0) {
			q--
			r += b
		}
		if kind == BinFloorDiv {
			return NewInt(q), nil
		}
		return NewInt(r), nil
	}
	return NullValue, fmt.Errorf("%w: unknown binary op %d", ErrTypeError, kind)
}

func floatBinary(kind int32, a, b float64) (Value, error) {
	switch kind {
	case BinAdd:
		return NewFloat(a + b), nil
	case BinSub:
		return NewFloat(a - b), nil
	case BinMul:
		return NewFloat(a * b), nil
	case BinFloorDiv, BinMod:
		if b == 0 {
			return NullValue, fmt.Errorf("%w: float division or modulo by zero", ErrZeroDivision)
		}
		mod := math.Mod(a, b)
		if mod != 0 && (mod < 0) != (b < 0) {
			mod += b
		}
		if kind == BinMod {
			return NewFloat(mod), nil
		}
		return NewFloat(math.Floor((a - mod) / b)), nil
	}
	return NullValue, fmt.Errorf("%w: unknown binary op %d", ErrTypeError, kind)
}
