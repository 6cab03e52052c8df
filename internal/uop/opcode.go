// opcode.go - 二级（tier-2）微操作定义
//
// 微操作（uop）比字节码更细粒度，由外部的追踪器记录为线性 trace。
// 每个操作码附带一组分类标志，优化器和发射器都依赖这张表：
//
//   FlagPure        - 无副作用且不会抛出异常，可以延迟为符号表达式
//   FlagGuard       - 运行时检查，失败时去优化（deopt）
//   FlagSpecial     - 优化器有专门的符号规则（局部变量、常量、栈操作、帧）
//   FlagBookkeeping - 记录解释器状态的伪操作（SET_IP 等）
//   FlagError       - 可能抛出异常
//   FlagEscapes     - 可能执行任意代码（使 executor 失效）
//   FlagDeopt       - 可能去优化
//   FlagTerminal    - trace 结束指令

package uop

import "fmt"

// Opcode 微操作码
type Opcode uint16

const (
	OpNop Opcode = iota

	// 局部变量与常量
	OpLoadFast
	OpLoadFastCheck
	OpLoadFastAndClear
	OpStoreFast
	OpLoadConst
	OpLoadConstInline

	// 栈操作
	OpPopTop
	OpPushNull
	OpCopy
	OpSwap
	OpShrinkStack

	// 非纯操作
	OpLoadGlobal
	OpStoreGlobal
	OpLoadAttr
	OpBinaryOp

	// 守卫
	OpGuardBothInt
	OpGuardBothFloat
	OpGuardBothStr
	OpGuardTosInt
	OpGuardTypeVersion
	OpCheckFunctionExactArgs

	// 纯运算
	OpBinaryAddInt
	OpBinarySubInt
	OpBinaryMulInt
	OpBinaryAddFloat
	OpBinarySubFloat
	OpBinaryMulFloat
	OpBinaryAddStr
	OpCompareLtInt
	OpCompareEqInt
	OpUnaryNegativeInt
	OpToBool
	OpUnaryNot

	// 调用与帧
	OpInitCall
	OpPushFrame
	OpPopFrame

	// 簿记
	OpSetIP
	OpCheckValidity
	OpSaveReturnOffset

	// 终结
	OpExitTrace
	OpJumpToTop

	// NumOpcodes 操作码总数（必须位于最后）
	NumOpcodes
)

// Flags 操作码分类标志
type Flags uint16

const (
	FlagPure Flags = 1 << iota
	FlagGuard
	FlagSpecial
	FlagBookkeeping
	FlagError
	FlagEscapes
	FlagDeopt
	FlagTerminal
)

// BinaryOp 的 oparg 取值
const (
	BinAdd int32 = iota
	BinSub
	BinMul
	BinFloorDiv
	BinMod
)

// OpInfo 操作码元数据
type OpInfo struct {
	Name   string
	Flags  Flags
	Pops   int // -1 表示由 oparg 决定
	Pushes int
}

var opInfos = [NumOpcodes]OpInfo{
	OpNop: {"NOP", FlagSpecial, 0, 0},

	OpLoadFast:         {"LOAD_FAST", FlagSpecial, 0, 1},
	OpLoadFastCheck:    {"LOAD_FAST_CHECK", FlagSpecial | FlagError, 0, 1},
	OpLoadFastAndClear: {"LOAD_FAST_AND_CLEAR", FlagSpecial, 0, 1},
	OpStoreFast:        {"STORE_FAST", FlagSpecial, 1, 0},
	OpLoadConst:        {"LOAD_CONST", FlagSpecial, 0, 1},
	OpLoadConstInline:  {"LOAD_CONST_INLINE", FlagSpecial, 0, 1},

	OpPopTop:      {"POP_TOP", FlagSpecial, 1, 0},
	OpPushNull:    {"PUSH_NULL", FlagSpecial, 0, 1},
	OpCopy:        {"COPY", FlagSpecial, 0, 1},
	OpSwap:        {"SWAP", FlagSpecial, 0, 0},
	OpShrinkStack: {"SHRINK_STACK", FlagSpecial, -1, 0},

	OpLoadGlobal:  {"LOAD_GLOBAL", FlagError, 0, 1},
	OpStoreGlobal: {"STORE_GLOBAL", FlagEscapes, 1, 0},
	OpLoadAttr:    {"LOAD_ATTR", FlagError | FlagEscapes, 1, 1},
	OpBinaryOp:    {"BINARY_OP", FlagError | FlagEscapes, 2, 1},

	OpGuardBothInt:           {"GUARD_BOTH_INT", FlagGuard | FlagDeopt, 0, 0},
	OpGuardBothFloat:         {"GUARD_BOTH_FLOAT", FlagGuard | FlagDeopt, 0, 0},
	OpGuardBothStr:           {"GUARD_BOTH_STR", FlagGuard | FlagDeopt, 0, 0},
	OpGuardTosInt:            {"GUARD_TOS_INT", FlagGuard | FlagDeopt, 0, 0},
	OpGuardTypeVersion:       {"GUARD_TYPE_VERSION", FlagGuard | FlagDeopt, 0, 0},
	OpCheckFunctionExactArgs: {"CHECK_FUNCTION_EXACT_ARGS", FlagGuard | FlagDeopt, 0, 0},

	OpBinaryAddInt:     {"BINARY_ADD_INT", FlagPure, 2, 1},
	OpBinarySubInt:     {"BINARY_SUB_INT", FlagPure, 2, 1},
	OpBinaryMulInt:     {"BINARY_MUL_INT", FlagPure, 2, 1},
	OpBinaryAddFloat:   {"BINARY_ADD_FLOAT", FlagPure, 2, 1},
	OpBinarySubFloat:   {"BINARY_SUB_FLOAT", FlagPure, 2, 1},
	OpBinaryMulFloat:   {"BINARY_MUL_FLOAT", FlagPure, 2, 1},
	OpBinaryAddStr:     {"BINARY_ADD_STR", FlagPure, 2, 1},
	OpCompareLtInt:     {"COMPARE_LT_INT", FlagPure, 2, 1},
	OpCompareEqInt:     {"COMPARE_EQ_INT", FlagPure, 2, 1},
	OpUnaryNegativeInt: {"UNARY_NEGATIVE_INT", FlagPure, 1, 1},
	OpToBool:           {"TO_BOOL", FlagPure, 1, 1},
	OpUnaryNot:         {"UNARY_NOT", FlagPure, 1, 1},

	OpInitCall:  {"INIT_CALL", FlagPure, -1, 1},
	OpPushFrame: {"PUSH_FRAME", FlagSpecial, 1, 0},
	OpPopFrame:  {"POP_FRAME", FlagSpecial, 1, 0},

	OpSetIP:            {"SET_IP", FlagBookkeeping, 0, 0},
	OpCheckValidity:    {"CHECK_VALIDITY", FlagBookkeeping | FlagDeopt, 0, 0},
	OpSaveReturnOffset: {"SAVE_RETURN_OFFSET", FlagBookkeeping, 0, 0},

	OpExitTrace: {"EXIT_TRACE", FlagTerminal, 0, 0},
	OpJumpToTop: {"JUMP_TO_TOP", FlagTerminal, 0, 0},
}

var opByName map[string]Opcode

func init() {
	opByName = make(map[string]Opcode, NumOpcodes)
	for op := Opcode(0); op < NumOpcodes; op++ {
		opByName[opInfos[op].Name] = op
	}
}

// Info 返回操作码元数据
func (op Opcode) Info() OpInfo {
	if op < NumOpcodes {
		return opInfos[op]
	}
	return OpInfo{Name: fmt.Sprintf("UOP_%d", op)}
}

// String 返回操作码名称
func (op Opcode) String() string {
	return op.Info().Name
}

// Valid 检查操作码是否在表内
func (op Opcode) Valid() bool {
	return op < NumOpcodes
}

// Has 检查标志
func (op Opcode) Has(f Flags) bool {
	return op.Info().Flags&f != 0
}

func (op Opcode) IsPure() bool        { return op.Has(FlagPure) }
func (op Opcode) IsGuard() bool       { return op.Has(FlagGuard) }
func (op Opcode) IsSpecial() bool     { return op.Has(FlagSpecial) }
func (op Opcode) IsBookkeeping() bool { return op.Has(FlagBookkeeping) }
func (op Opcode) IsTerminal() bool    { return op.Has(FlagTerminal) }

// IsImpure 非纯、非守卫、非特殊、非簿记的操作
func (op Opcode) IsImpure() bool {
	return !op.Has(FlagPure | FlagGuard | FlagSpecial | FlagBookkeeping | FlagTerminal)
}

// OpcodeByName 按名称查找操作码
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

// StackEffect 返回 (弹出数, 压入数)
// POP_FRAME 在调用者帧中额外压入返回值，不计入此处
func StackEffect(op Opcode, oparg int32) (pops, pushes int) {
	info := op.Info()
	switch op {
	case OpShrinkStack:
		return int(oparg), 0
	case OpInitCall:
		return 2 + int(oparg), 1
	}
	return info.Pops, info.Pushes
}
