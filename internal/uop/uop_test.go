package uop

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpcodeTable(t *testing.T) {
	for op := Opcode(0); op < NumOpcodes; op++ {
		info := op.Info()
		require.NotEmpty(t, info.Name, "opcode %d has no name", op)
		back, ok := OpcodeByName(info.Name)
		require.True(t, ok)
		assert.Equal(t, op, back)

		// 纯运算不能同时是守卫或会抛异常
		if op.IsPure() {
			assert.False(t, op.Has(FlagGuard|FlagError|FlagEscapes), "%s", op)
		}
	}
	assert.True(t, OpBinaryOp.IsImpure())
	assert.True(t, OpLoadGlobal.IsImpure())
	assert.False(t, OpBinaryAddInt.IsImpure())
	assert.False(t, OpGuardBothInt.IsImpure())
	assert.False(t, OpSetIP.IsImpure())
	assert.Equal(t, "UOP_999", Opcode(999).String())
}

func TestStackEffect(t *testing.T) {
	pops, pushes := StackEffect(OpInitCall, 3)
	assert.Equal(t, 5, pops)
	assert.Equal(t, 1, pushes)

	pops, pushes = StackEffect(OpShrinkStack, 4)
	assert.Equal(t, 4, pops)
	assert.Equal(t, 0, pushes)
}

func TestImmediateEncoding(t *testing.T) {
	for _, v := range []Value{NoneValue, TrueValue, FalseValue, NewInt(-7), NewFloat(2.5)} {
		kind, bits, ok := EncodeImmediate(v)
		require.True(t, ok)
		back, err := DecodeImmediate(kind, bits)
		require.NoError(t, err)
		assert.True(t, v.Equals(back), "%s != %s", v, back)
	}
	_, _, ok := EncodeImmediate(NewStr("x"))
	assert.False(t, ok)
	_, err := DecodeImmediate(int32(KindStr), 0)
	assert.Error(t, err)
}

func TestEvalBinaryOp(t *testing.T) {
	tests := []struct {
		kind int32
		a, b Value
		want Value
		err  error
	}{
		{BinAdd, NewInt(2), NewInt(3), NewInt(5), nil},
		{BinFloorDiv, NewInt(-7), NewInt(2), NewInt(-4), nil},
		{BinMod, NewInt(-7), NewInt(2), NewInt(1), nil},
		{BinMod, NewInt(7), NewInt(-2), NewInt(-1), nil},
		{BinFloorDiv, NewInt(1), NewInt(0), NullValue, ErrZeroDivision},
		{BinMul, NewInt(2), NewFloat(1.5), NewFloat(3), nil},
		{BinMod, NewFloat(-1), NewFloat(3), NewFloat(2), nil},
		{BinAdd, NewStr("a"), NewStr("b"), NewStr("ab"), nil},
		{BinSub, NewStr("a"), NewStr("b"), NullValue, ErrTypeError},
	}
	for _, tt := range tests {
		got, err := EvalBinaryOp(tt.kind, tt.a, tt.b)
		if tt.err != nil {
			assert.True(t, errors.Is(err, tt.err), "%s op %d %s: %v", tt.a, tt.kind, tt.b, err)
			continue
		}
		require.NoError(t, err)
		assert.True(t, tt.want.Equals(got), "%s op %d %s = %s, want %s", tt.a, tt.kind, tt.b, got, tt.want)
	}
}

func newState(code *CodeUnit, args ...Value) *State {
	return &State{Frame: NewFrame(code, args...), Globals: map[string]Value{}}
}

func TestInterpretArithmetic(t *testing.T) {
	code := &CodeUnit{Name: "f", ArgCount: 1, LocalCount: 2, StackSize: 4, Consts: []Value{NewInt(2), NewInt(3)}}
	trace := Trace{
		Inst(OpLoadConst, 0),
		Inst(OpLoadConst, 1),
		Inst(OpBinaryAddInt, 0),
		Inst(OpLoadFast, 0),
		Inst(OpGuardBothInt, 0),
		Inst(OpBinaryMulInt, 0),
		Inst(OpStoreFast, 1),
		{Opcode: OpExitTrace, Target: 42},
	}
	require.NoError(t, trace.Validate(code, 0))

	st := newState(code, NewInt(10))
	exit := Interpret(trace, st, 0)
	require.Equal(t, ExitTrace, exit.Kind)
	assert.Equal(t, int32(42), exit.Target)
	assert.Equal(t, int64(50), st.Frame.Locals[1].AsInt())
	assert.Empty(t, st.Frame.Stack)
}

func TestInterpretGuardDeopt(t *testing.T) {
	code := &CodeUnit{Name: "f", ArgCount: 1, LocalCount: 1, StackSize: 2}
	trace := Trace{
		Inst(OpLoadFast, 0),
		{Opcode: OpGuardTosInt, Target: 7},
		Inst(OpExitTrace, 0),
	}
	exit := Interpret(trace, newState(code, NewStr("x")), 0)
	assert.Equal(t, ExitDeopt, exit.Kind)
	assert.Equal(t, int32(7), exit.Target)
	assert.Equal(t, 1, exit.Index)
}

func TestInterpretErrors(t *testing.T) {
	code := &CodeUnit{Name: "f", LocalCount: 1, StackSize: 2, Names: []string{"missing"}}
	trace := Trace{Inst(OpSetIP, 12), Inst(OpLoadGlobal, 0), Inst(OpExitTrace, 0)}
	exit := Interpret(trace, newState(code), 0)
	require.Equal(t, ExitError, exit.Kind)
	assert.ErrorIs(t, exit.Err, ErrNameError)
	assert.Equal(t, int32(12), exit.IP)

	trace = Trace{Inst(OpLoadFastCheck, 0), Inst(OpExitTrace, 0)}
	exit = Interpret(trace, newState(code), 0)
	assert.ErrorIs(t, exit.Err, ErrUnboundLocal)
}

func TestInterpretFrames(t *testing.T) {
	callee := &CodeUnit{Name: "inc", ArgCount: 1, LocalCount: 1, StackSize: 2, Consts: []Value{NewInt(1)}}
	fn := &Function{Name: "inc", Version: 9, Code: callee}
	caller := &CodeUnit{Name: "main", LocalCount: 1, StackSize: 4, Consts: []Value{NewFunc(fn), NewInt(41)}}

	trace := Trace{
		Inst(OpLoadConst, 0),
		Inst(OpPushNull, 0),
		Inst(OpLoadConst, 1),
		{Opcode: OpCheckFunctionExactArgs, Oparg: 1, Operand: 9},
		Inst(OpInitCall, 1),
		Inst(OpSaveReturnOffset, 4),
		Inst(OpPushFrame, 0),
		Inst(OpLoadFast, 0),
		Inst(OpLoadConst, 0),
		Inst(OpBinaryAddInt, 0),
		Inst(OpPopFrame, 0),
		Inst(OpStoreFast, 0),
		Inst(OpExitTrace, 0),
	}
	require.NoError(t, trace.Validate(caller, 0))
	st := newState(caller)
	exit := Interpret(trace, st, 0)
	require.Equal(t, ExitTrace, exit.Kind, "%v", exit.Err)
	assert.Equal(t, 1, st.Frame.Depth())
	assert.Equal(t, int64(42), st.Frame.Locals[0].AsInt())

	// 版本不匹配时去优化
	trace[3].Operand = 10
	exit = Interpret(trace, newState(caller), 0)
	assert.Equal(t, ExitDeopt, exit.Kind)
}

func TestCheckValidity(t *testing.T) {
	code := &CodeUnit{Name: "f", StackSize: 2, Names: []string{"g"}}
	trace := Trace{
		Inst(OpCheckValidity, 0),
		Inst(OpLoadConstInline, int32(KindNone)),
		Inst(OpStoreGlobal, 0),
		{Opcode: OpCheckValidity, Target: 3},
		Inst(OpExitTrace, 0),
	}
	st := newState(code)
	st.InvalidateOnEscape = true
	exit := Interpret(trace, st, 0)
	assert.Equal(t, ExitDeopt, exit.Kind)
	assert.Equal(t, 3, exit.Index)
	assert.Equal(t, NoneValue, st.Globals["g"])
}

func TestValidate(t *testing.T) {
	code := &CodeUnit{Name: "f", LocalCount: 1, StackSize: 1}
	assert.ErrorIs(t, Trace{}.Validate(code, 0), ErrEmptyTrace)
	assert.ErrorIs(t, Trace{Inst(OpNop, 0)}.Validate(code, 0), ErrNoTerminal)
	assert.ErrorIs(t, Trace{Inst(OpPopTop, 0), Inst(OpExitTrace, 0)}.Validate(code, 0), ErrStackUnderflow)
	assert.ErrorIs(t, Trace{Inst(OpLoadFast, 0), Inst(OpLoadFast, 0), Inst(OpExitTrace, 0)}.Validate(code, 0), ErrStackOverflow)
	assert.ErrorIs(t, Trace{Inst(OpLoadFast, 3), Inst(OpExitTrace, 0)}.Validate(code, 0), ErrBadOparg)
}

func TestParseTrace(t *testing.T) {
	src := `
# scenario A
.code main args=0 locals=1 stack=2
.const 2
.const 3
.const "a # b"
.name g
.func 5 helper args=1 locals=2 stack=3
.const 1.5
LOAD_CONST 0
LOAD_CONST 1     # comment
BINARY_ADD_INT 0
GUARD_TYPE_VERSION 0 0x2a @17
EXIT_TRACE 0 @3
`
	prog, err := ParseTraceString(src)
	require.NoError(t, err)
	require.Len(t, prog.Trace, 5)
	assert.Equal(t, "main", prog.Code.Name)
	require.Len(t, prog.Code.Consts, 3)
	assert.Equal(t, "a # b", prog.Code.Consts[2].AsStr())
	assert.Equal(t, []string{"g"}, prog.Code.Names)
	assert.Equal(t, uint64(0x2a), prog.Trace[3].Operand)
	assert.Equal(t, int32(17), prog.Trace[3].Target)

	fn, ok := prog.Functions.LookupByVersion(5)
	require.True(t, ok)
	assert.Equal(t, 1.5, fn.Code.Consts[0].AsFloat())

	var buf bytes.Buffer
	require.NoError(t, FormatTrace(&buf, prog.Trace))
	again, err := ParseTraceString(buf.String())
	require.NoError(t, err)
	assert.True(t, prog.Trace.Equal(again.Trace))

	_, err = ParseTraceString("BOGUS 1")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Line)
}
