package optimizer

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/tracejit/internal/uop"
)

func newTestOptimizer(t *testing.T, funcs *uop.FunctionTable) *Optimizer {
	return New(Options{Logger: zaptest.NewLogger(t), Functions: funcs})
}

func parse(t *testing.T, src string) *uop.Program {
	t.Helper()
	prog, err := uop.ParseTraceString(src)
	require.NoError(t, err)
	return prog
}

func optimize(t *testing.T, src string) (Result, *uop.Program) {
	t.Helper()
	prog := parse(t, src)
	res, err := newTestOptimizer(t, prog.Functions).Optimize(prog.Trace, prog.Code, 0)
	require.NoError(t, err)
	return res, prog
}

func TestConstantFolding(t *testing.T) {
	res, _ := optimize(t, `
.code main stack=2
.const 2
.const 3
LOAD_CONST 0
LOAD_CONST 1
BINARY_ADD_INT 0
EXIT_TRACE 0 @7
`)
	require.Equal(t, StatusOptimized, res.Status)
	want := uop.Trace{
		{Opcode: uop.OpLoadConstInline, Oparg: int32(uop.KindInt), Operand: 5},
		{Opcode: uop.OpExitTrace, Target: 7},
	}
	assert.Equal(t, want, res.Trace)
}

func TestStoreOfOwnValueIsElided(t *testing.T) {
	res, _ := optimize(t, `
.code main args=1 locals=1 stack=1
LOAD_FAST 0
STORE_FAST 0
LOAD_FAST 0
EXIT_TRACE 0
`)
	require.Equal(t, StatusOptimized, res.Status)
	assert.Equal(t, []uop.Opcode{uop.OpLoadFast, uop.OpExitTrace}, res.Trace.Opcodes())
}

func TestGuardElision(t *testing.T) {
	prog := parse(t, `
.code main args=2 locals=2 stack=2
LOAD_FAST 0
LOAD_FAST 1
GUARD_BOTH_INT 0 @1
GUARD_BOTH_INT 0 @1
BINARY_ADD_INT 0
EXIT_TRACE 0
`)
	o := newTestOptimizer(t, nil)
	res, err := o.Optimize(prog.Trace, prog.Code, 0)
	require.NoError(t, err)
	assert.Equal(t, []uop.Opcode{
		uop.OpLoadFast, uop.OpLoadFast, uop.OpGuardBothInt, uop.OpBinaryAddInt, uop.OpExitTrace,
	}, res.Trace.Opcodes())
	assert.Equal(t, int32(1), res.Trace[2].Target)
	assert.Equal(t, int64(1), o.Stats().GuardsElided)
}

func TestEscapeClearsMutableFacts(t *testing.T) {
	res, _ := optimize(t, `
.code main args=1 locals=1 stack=2
.name g
LOAD_FAST 0
GUARD_TYPE_VERSION 0 7
GUARD_TYPE_VERSION 0 7
LOAD_GLOBAL 0
POP_TOP 0
GUARD_TYPE_VERSION 0 7
EXIT_TRACE 0
`)
	assert.Equal(t, []uop.Opcode{
		uop.OpLoadFast, uop.OpGuardTypeVersion, uop.OpLoadGlobal, uop.OpPopTop, uop.OpGuardTypeVersion, uop.OpExitTrace,
	}, res.Trace.Opcodes())
}

func TestMaybeNullLoadIsChecked(t *testing.T) {
	res, _ := optimize(t, `
.code main args=1 locals=1 stack=2
LOAD_FAST_AND_CLEAR 0
LOAD_FAST 0
EXIT_TRACE 0
`)
	assert.Equal(t, []uop.Opcode{uop.OpLoadFastAndClear, uop.OpLoadFastCheck, uop.OpExitTrace}, res.Trace.Opcodes())
}

func TestRepeatedCheckIsElided(t *testing.T) {
	res, _ := optimize(t, `
.code main args=1 locals=1 stack=2
LOAD_FAST_CHECK 0
POP_TOP 0
LOAD_FAST_CHECK 0
EXIT_TRACE 0
`)
	assert.Equal(t, []uop.Opcode{uop.OpLoadFastCheck, uop.OpPopTop, uop.OpLoadFast, uop.OpExitTrace}, res.Trace.Opcodes())
}

func TestDeadPureExpressionIsDropped(t *testing.T) {
	res, _ := optimize(t, `
.code main args=1 locals=1 stack=2
.const 1
LOAD_FAST 0
LOAD_CONST 0
BINARY_ADD_INT 0
POP_TOP 0
EXIT_TRACE 0
`)
	assert.Equal(t, []uop.Opcode{uop.OpExitTrace}, res.Trace.Opcodes())
}

func TestPendingReadSurvivesStore(t *testing.T) {
	// x 的旧值必须在 STORE_FAST 0 之前求值
	prog := parse(t, `
.code main args=1 locals=1 stack=2
.const 1
LOAD_FAST 0
LOAD_CONST 0
STORE_FAST 0
EXIT_TRACE 0
`)
	res, err := newTestOptimizer(t, nil).Optimize(prog.Trace, prog.Code, 0)
	require.NoError(t, err)
	assert.Equal(t, []uop.Opcode{uop.OpLoadFast, uop.OpLoadConst, uop.OpStoreFast, uop.OpExitTrace}, res.Trace.Opcodes())

	st := &uop.State{Frame: uop.NewFrame(prog.Code, uop.NewInt(9))}
	uop.Interpret(res.Trace, st, 0)
	require.Len(t, st.Frame.Stack, 1)
	assert.Equal(t, int64(9), st.Frame.Stack[0].AsInt())
	assert.Equal(t, int64(1), st.Frame.Locals[0].AsInt())
}

func TestFoldedConstantDropsStackOperands(t *testing.T) {
	// COPY 之后两个操作数都在真实栈上，折叠需要 SHRINK_STACK，结果比输入长
	res, _ := optimize(t, `
.code main stack=2
.const 1
LOAD_CONST 0
COPY 1
BINARY_ADD_INT 0
EXIT_TRACE 0
`)
	assert.Equal(t, StatusFallback, res.Status)
	assert.ErrorIs(t, res.Reason, ErrOutputTooLong)
	assert.Len(t, res.Trace, 4)
}

// ============================================================================
// 内联调用
// ============================================================================

func callProgram() (*uop.CodeUnit, *uop.Function, uop.Trace) {
	callee := &uop.CodeUnit{Name: "inc", ArgCount: 1, LocalCount: 1, StackSize: 2, Consts: []uop.Value{uop.NewInt(1)}}
	fn := &uop.Function{Name: "inc", Version: 9, Code: callee}
	code := &uop.CodeUnit{
		Name: "main", LocalCount: 1, StackSize: 4,
		Consts: []uop.Value{uop.NewFunc(fn), uop.NewInt(41)},
	}
	trace := uop.Trace{
		uop.Inst(uop.OpLoadConst, 0),
		uop.Inst(uop.OpPushNull, 0),
		uop.Inst(uop.OpLoadConst, 1),
		{Opcode: uop.OpCheckFunctionExactArgs, Oparg: 1, Operand: 9},
		uop.Inst(uop.OpInitCall, 1),
		uop.Inst(uop.OpSaveReturnOffset, 0),
		uop.Inst(uop.OpPushFrame, 0),
		uop.Inst(uop.OpLoadFast, 0),
		uop.Inst(uop.OpLoadConst, 0),
		uop.Inst(uop.OpBinaryAddInt, 0),
		uop.Inst(uop.OpPopFrame, 0),
		uop.Inst(uop.OpStoreFast, 0),
		uop.Inst(uop.OpExitTrace, 0),
	}
	return code, fn, trace
}

func TestInlineCall(t *testing.T) {
	code, fn, trace := callProgram()
	funcs := uop.NewFunctionTable()
	funcs.Register(fn)
	o := newTestOptimizer(t, funcs)

	res, err := o.Optimize(trace, code, 0)
	require.NoError(t, err)
	require.Equal(t, StatusOptimized, res.Status, "reason: %v", res.Reason)
	assert.Equal(t, []uop.Opcode{
		uop.OpSaveReturnOffset,
		uop.OpLoadConst, uop.OpPushNull, uop.OpLoadConst, uop.OpInitCall,
		uop.OpPushFrame,
		uop.OpLoadConstInline,
		uop.OpPopFrame,
		uop.OpStoreFast,
		uop.OpExitTrace,
	}, res.Trace.Opcodes())
	assert.Equal(t, int64(1), o.Stats().GuardsElided)

	st := &uop.State{Frame: uop.NewFrame(code)}
	exit := uop.Interpret(res.Trace, st, 0)
	require.Equal(t, uop.ExitTrace, exit.Kind, "%v", exit.Err)
	assert.Equal(t, int64(42), st.Frame.Locals[0].AsInt())
}

func TestUnresolvedCallFallsBack(t *testing.T) {
	code, _, trace := callProgram()
	res, err := newTestOptimizer(t, uop.NewFunctionTable()).Optimize(trace, code, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFallback, res.Status)
	assert.ErrorIs(t, res.Reason, ErrUnresolvedCall)
	assert.True(t, trace.Equal(res.Trace))
}

func TestSlotBudget(t *testing.T) {
	code, fn, trace := callProgram()
	funcs := uop.NewFunctionTable()
	funcs.Register(fn)
	o := New(Options{Logger: zaptest.NewLogger(t), Functions: funcs, SlotBudget: code.Slots() + 1})
	res, err := o.Optimize(trace, code, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Reason, ErrSlotBudget)
}

// ============================================================================
// 错误处理
// ============================================================================

func TestInvariantViolation(t *testing.T) {
	code := &uop.CodeUnit{Name: "main", StackSize: 1, Consts: []uop.Value{uop.NewInt(1)}}
	trace := uop.Trace{uop.Inst(uop.OpLoadConst, 0), uop.Inst(uop.OpPopFrame, 0), uop.Inst(uop.OpExitTrace, 0)}

	dev := New(Options{Logger: zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development()))})
	assert.Panics(t, func() { dev.Optimize(trace, code, 0) })

	res, err := newTestOptimizer(t, nil).Optimize(trace, code, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFallback, res.Status)
	assert.ErrorIs(t, res.Reason, ErrInvariant)
	assert.True(t, trace.Equal(res.Trace))
}

func TestInlinedStackOverflowIsInvariant(t *testing.T) {
	code, fn, trace := callProgram()
	// inc 声明的栈只有 1，函数体却压入两个值
	fn.Code.StackSize = 1
	funcs := uop.NewFunctionTable()
	funcs.Register(fn)

	dev := New(Options{Functions: funcs, Logger: zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development()))})
	assert.Panics(t, func() { dev.Optimize(trace, code, 0) })

	res, err := newTestOptimizer(t, funcs).Optimize(trace, code, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFallback, res.Status)
	assert.ErrorIs(t, res.Reason, ErrInvariant)
	assert.ErrorContains(t, res.Reason, "deeper than declared 1")
}

func TestContextAllocFailure(t *testing.T) {
	trace := uop.Trace{uop.Inst(uop.OpNop, 0), uop.Inst(uop.OpExitTrace, 0)}
	_, err := newTestOptimizer(t, nil).Optimize(trace, nil, 0)
	assert.ErrorIs(t, err, ErrContextAlloc)

	code := &uop.CodeUnit{Name: "main", StackSize: 1}
	o := New(Options{Logger: zaptest.NewLogger(t), MaxArenaSlots: 4})
	_, err = o.Optimize(trace, code, 0)
	assert.ErrorIs(t, err, ErrContextAlloc)
	assert.Equal(t, int64(1), o.Stats().Failed)
}

func TestMalformedTraceFallsBack(t *testing.T) {
	code := &uop.CodeUnit{Name: "main", StackSize: 1}
	trace := uop.Trace{uop.Inst(uop.OpSetIP, 3), uop.Inst(uop.OpPopTop, 0), uop.Inst(uop.OpExitTrace, 0)}
	res, err := newTestOptimizer(t, nil).Optimize(trace, code, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFallback, res.Status)
	assert.ErrorIs(t, res.Reason, ErrMalformed)
	// 回退路径也做簿记清理
	assert.Equal(t, []uop.Opcode{uop.OpPopTop, uop.OpExitTrace}, res.Trace.Opcodes())
	assert.Equal(t, uop.OpSetIP, trace[0].Opcode, "input must not be modified")
}

// ============================================================================
// Pass
// ============================================================================

func TestBookkeepingPass(t *testing.T) {
	trace := uop.Trace{
		uop.Inst(uop.OpSetIP, 1),
		uop.Inst(uop.OpSetIP, 2),
		uop.Inst(uop.OpLoadFast, 0),
		uop.Inst(uop.OpCheckValidity, 0),
		uop.Inst(uop.OpCheckValidity, 0),
		uop.Inst(uop.OpSetIP, 3),
		uop.Inst(uop.OpLoadGlobal, 0),
		uop.Inst(uop.OpCheckValidity, 0),
		uop.Inst(uop.OpStoreGlobal, 0),
		uop.Inst(uop.OpCheckValidity, 0),
		uop.Inst(uop.OpExitTrace, 0),
	}
	pm := FallbackPipeline()
	assert.True(t, pm.Run(&trace))
	assert.Equal(t, uop.Trace{
		uop.Inst(uop.OpLoadFast, 0),
		uop.Inst(uop.OpCheckValidity, 0),
		uop.Inst(uop.OpSetIP, 3),
		uop.Inst(uop.OpLoadGlobal, 0),
		uop.Inst(uop.OpStoreGlobal, 0),
		uop.Inst(uop.OpCheckValidity, 0),
		uop.Inst(uop.OpExitTrace, 0),
	}, trace)
	assert.Equal(t, 1, pm.Stats().PerPassChanges["bookkeeping"])

	assert.False(t, pm.Run(&trace), "second run must be a no-op")
}

func TestPeepholePass(t *testing.T) {
	trace := uop.Trace{
		uop.Inst(uop.OpLoadGlobal, 0),
		uop.Inst(uop.OpLoadFast, 0),
		uop.Inst(uop.OpSetIP, 3),
		uop.Inst(uop.OpLoadConst, 0),
		uop.Inst(uop.OpShrinkStack, 2),
		uop.Inst(uop.OpShrinkStack, 0),
		uop.Inst(uop.OpPushNull, 0),
		uop.Inst(uop.OpPopTop, 0),
		uop.Inst(uop.OpPopTop, 0),
		uop.Inst(uop.OpExitTrace, 0),
	}
	pm := NewPassManager()
	pm.AddPass(PeepholePass{})
	pm.AddPass(CompactPass{})
	pm.RunUntilFixed(&trace, 4)
	assert.Equal(t, []uop.Opcode{uop.OpLoadGlobal, uop.OpSetIP, uop.OpPopTop, uop.OpExitTrace}, trace.Opcodes())
}

func TestCompactTruncatesAfterTerminal(t *testing.T) {
	trace := uop.Trace{uop.Inst(uop.OpNop, 0), uop.Inst(uop.OpJumpToTop, 0), uop.Inst(uop.OpLoadFast, 0)}
	assert.True(t, CompactPass{}.Run(&trace))
	assert.Equal(t, []uop.Opcode{uop.OpJumpToTop}, trace.Opcodes())
}

// ============================================================================
// 性质
// ============================================================================

var curated = []string{
	`
.code main stack=2
.const 2
.const 3
LOAD_CONST 0
LOAD_CONST 1
BINARY_ADD_INT 0
EXIT_TRACE 0
`, `
.code main args=2 locals=2 stack=2
LOAD_FAST 0
LOAD_FAST 1
GUARD_BOTH_INT 0 @1
GUARD_BOTH_INT 0 @1
BINARY_ADD_INT 0
STORE_FAST 0
SET_IP 4
LOAD_FAST_CHECK 1
EXIT_TRACE 0
`, `
.code main args=1 locals=1 stack=2
.name g
LOAD_FAST 0
GUARD_TYPE_VERSION 0 7
GUARD_TYPE_VERSION 0 7
LOAD_GLOBAL 0
POP_TOP 0
GUARD_TYPE_VERSION 0 7
EXIT_TRACE 0
`, `
.code main args=1 locals=1 stack=2
LOAD_FAST_AND_CLEAR 0
LOAD_FAST 0
EXIT_TRACE 0
`, `
.code main args=2 locals=3 stack=3
.const 10
.name g
SET_IP 1
LOAD_FAST 0
LOAD_CONST 0
BINARY_MUL_INT 0
LOAD_FAST 1
SWAP 2
STORE_FAST 2
CHECK_VALIDITY 0
STORE_GLOBAL 0
CHECK_VALIDITY 0
LOAD_FAST 2
UNARY_NEGATIVE_INT 0
TO_BOOL 0
JUMP_TO_TOP 0
`,
}

func TestIdempotence(t *testing.T) {
	for i, src := range curated {
		prog := parse(t, src)
		o := newTestOptimizer(t, prog.Functions)
		first, err := o.Optimize(prog.Trace, prog.Code, 0)
		require.NoError(t, err)
		require.Equal(t, StatusOptimized, first.Status, "case %d: %v", i, first.Reason)
		second, err := o.Optimize(first.Trace, prog.Code, 0)
		require.NoError(t, err)
		assert.Equal(t, first.Trace, second.Trace, "case %d", i)
	}

	code, funcs, globals := genProgram()
	o := New(Options{Logger: zap.NewNop(), Functions: funcs})
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		trace := genTrace(rnd, code, globals)
		first, err := o.Optimize(trace, code, 0)
		require.NoError(t, err)
		if first.Status != StatusOptimized {
			continue
		}
		second, err := o.Optimize(first.Trace, code, 0)
		require.NoError(t, err)
		require.Equal(t, first.Trace, second.Trace, "original:\n%s\nfirst:\n%s\nsecond:\n%s", trace, first.Trace, second.Trace)
	}
}

// netDepth 整条 trace 的净栈效果。被调帧在 POP_FRAME 前恰好留下一个值，
// 所以结果等于入口帧的净栈效果减去调用次数，调用结构不变时可以直接比较
func netDepth(t uop.Trace) int {
	depth := 0
	for _, u := range t[:t.Len()] {
		pops, pushes := uop.StackEffect(u.Opcode, u.Oparg)
		if u.Opcode == uop.OpCopy {
			pops, pushes = 0, 1
		}
		depth += pushes - pops
	}
	return depth
}

func TestStackBalance(t *testing.T) {
	for i, src := range curated {
		res, prog := optimize(t, src)
		assert.Equal(t, netDepth(prog.Trace), netDepth(res.Trace), "case %d", i)
	}

	code, funcs, globals := genProgram()
	o := New(Options{Logger: zap.NewNop(), Functions: funcs})
	rnd := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		trace := genTrace(rnd, code, globals)
		res, err := o.Optimize(trace, code, 0)
		require.NoError(t, err)
		require.Equal(t, netDepth(trace), netDepth(res.Trace), "original:\n%s\nresult:\n%s", trace, res.Trace)
	}
}

// ============================================================================
// 差分测试
// ============================================================================

// traceGen 随机生成合法 trace：不会对可能为 NULL 的局部变量使用 LOAD_FAST，
// 也不会把 NULL 存进局部变量或全局变量。调用只发生在入口帧，
// 被调帧返回前恰好留下一个值
type traceGen struct {
	rnd       *rand.Rand
	trace     uop.Trace
	frames    []*genFrame
	callables []callable
}

// genFrame 生成器跟踪的一层帧
type genFrame struct {
	code      *uop.CodeUnit
	stackNull []bool
	localNull []bool
}

// callable 能被调用的函数及加载它的指令
type callable struct {
	fn   *uop.Function
	load uop.MicroOp
}

func (g *traceGen) cur() *genFrame { return g.frames[len(g.frames)-1] }

func (g *traceGen) emit(u uop.MicroOp) {
	u.Target = int32(len(g.trace))
	g.trace = append(g.trace, u)
}

func (g *traceGen) push(null bool) {
	f := g.cur()
	f.stackNull = append(f.stackNull, null)
}

func (g *traceGen) pop(n int) {
	f := g.cur()
	f.stackNull = f.stackNull[:len(f.stackNull)-n]
}

func (g *traceGen) topNull() bool {
	f := g.cur()
	return f.stackNull[len(f.stackNull)-1]
}

var (
	binaryPure = []uop.Opcode{
		uop.OpBinaryAddInt, uop.OpBinarySubInt, uop.OpBinaryMulInt, uop.OpBinaryAddFloat,
		uop.OpBinarySubFloat, uop.OpBinaryMulFloat, uop.OpBinaryAddStr, uop.OpCompareLtInt, uop.OpCompareEqInt,
	}
	unaryPure  = []uop.Opcode{uop.OpUnaryNegativeInt, uop.OpToBool, uop.OpUnaryNot}
	pairGuards = []uop.Opcode{uop.OpGuardBothInt, uop.OpGuardBothFloat, uop.OpGuardBothStr}
)

func (g *traceGen) step() {
	f := g.cur()
	depth := len(f.stackNull)
	room := depth < f.code.StackSize
	locals := f.code.LocalCount
	for {
		switch g.rnd.Intn(26) {
		case 0:
			i := g.rnd.Intn(locals)
			if !room || f.localNull[i] {
				continue
			}
			g.emit(uop.Inst(uop.OpLoadFast, int32(i)))
			g.push(false)
		case 1:
			if !room {
				continue
			}
			i := g.rnd.Intn(locals)
			g.emit(uop.Inst(uop.OpLoadFastCheck, int32(i)))
			g.push(false)
		case 2:
			if !room {
				continue
			}
			i := g.rnd.Intn(locals)
			g.emit(uop.Inst(uop.OpLoadFastAndClear, int32(i)))
			g.push(f.localNull[i])
			f.localNull[i] = true
		case 3:
			if depth < 1 || g.topNull() {
				continue
			}
			i := g.rnd.Intn(locals)
			g.emit(uop.Inst(uop.OpStoreFast, int32(i)))
			g.pop(1)
			f.localNull[i] = false
		case 4, 5:
			if !room {
				continue
			}
			g.emit(uop.Inst(uop.OpLoadConst, int32(g.rnd.Intn(len(f.code.Consts)))))
			g.push(false)
		case 6:
			if !room {
				continue
			}
			kind, bits, _ := uop.EncodeImmediate(uop.NewInt(int64(g.rnd.Intn(7) - 3)))
			g.emit(uop.MicroOp{Opcode: uop.OpLoadConstInline, Oparg: kind, Operand: bits})
			g.push(false)
		case 7:
			if !room {
				continue
			}
			g.emit(uop.Inst(uop.OpPushNull, 0))
			g.push(true)
		case 8:
			if depth < 1 {
				continue
			}
			g.emit(uop.Inst(uop.OpPopTop, 0))
			g.pop(1)
		case 9:
			if depth < 1 {
				continue
			}
			n := 1 + g.rnd.Intn(depth)
			g.emit(uop.Inst(uop.OpShrinkStack, int32(n)))
			g.pop(n)
		case 10:
			if depth < 1 || !room {
				continue
			}
			n := 1 + g.rnd.Intn(depth)
			g.emit(uop.Inst(uop.OpCopy, int32(n)))
			g.push(f.stackNull[depth-n])
		case 11:
			if depth < 2 {
				continue
			}
			n := 2 + g.rnd.Intn(depth-1)
			g.emit(uop.Inst(uop.OpSwap, int32(n)))
			f.stackNull[depth-1], f.stackNull[depth-n] = f.stackNull[depth-n], f.stackNull[depth-1]
		case 12, 13:
			if depth < 2 {
				continue
			}
			g.emit(uop.Inst(binaryPure[g.rnd.Intn(len(binaryPure))], 0))
			g.pop(2)
			g.push(false)
		case 14:
			if depth < 1 {
				continue
			}
			g.emit(uop.Inst(unaryPure[g.rnd.Intn(len(unaryPure))], 0))
			g.pop(1)
			g.push(false)
		case 15:
			if depth < 2 {
				continue
			}
			g.emit(uop.Inst(pairGuards[g.rnd.Intn(len(pairGuards))], 0))
		case 16:
			if depth < 1 {
				continue
			}
			g.emit(uop.Inst(uop.OpGuardTosInt, 0))
		case 17:
			if !room {
				continue
			}
			g.emit(uop.Inst(uop.OpLoadGlobal, int32(g.rnd.Intn(len(f.code.Names)))))
			g.push(false)
		case 18:
			if depth < 1 || g.topNull() {
				continue
			}
			// 只写存在的名字，LOAD_GLOBAL 的 NameError 保持可预测
			g.emit(uop.Inst(uop.OpStoreGlobal, int32(g.rnd.Intn(2))))
			g.pop(1)
		case 19:
			if depth < 2 {
				continue
			}
			g.emit(uop.Inst(uop.OpBinaryOp, int32(g.rnd.Intn(5))))
			g.pop(2)
			g.push(false)
		case 20:
			g.emit(uop.Inst(uop.OpSetIP, int32(g.rnd.Intn(100))))
		case 21:
			g.emit(uop.Inst(uop.OpCheckValidity, 0))
		case 22:
			if len(g.frames) > 1 || len(g.callables) == 0 || !g.call() {
				continue
			}
		case 23:
			if len(g.frames) == 1 {
				continue
			}
			g.ret()
		case 24:
			if depth < 1 {
				continue
			}
			g.emit(uop.MicroOp{Opcode: uop.OpGuardTypeVersion, Operand: uint64(7 + g.rnd.Intn(2))})
		case 25:
			if depth < 1 || g.topNull() {
				continue
			}
			g.emit(uop.Inst(uop.OpLoadAttr, int32(g.rnd.Intn(len(f.code.Names)))))
			g.pop(1)
			g.push(false)
		}
		return
	}
}

// loadValue 压入一个非 NULL 的值
func (g *traceGen) loadValue() {
	f := g.cur()
	i := g.rnd.Intn(f.code.LocalCount)
	if g.rnd.Intn(2) == 0 && !f.localNull[i] {
		g.emit(uop.Inst(uop.OpLoadFast, int32(i)))
	} else {
		g.emit(uop.Inst(uop.OpLoadConst, int32(g.rnd.Intn(len(f.code.Consts)))))
	}
	g.push(false)
}

// call 生成完整的调用序列并进入被调帧，栈空间不够时返回 false
func (g *traceGen) call() bool {
	f := g.cur()
	c := g.callables[g.rnd.Intn(len(g.callables))]
	args := c.fn.Code.ArgCount
	self := args > 0 && g.rnd.Intn(2) == 0
	if self {
		args--
	}
	if len(f.stackNull)+2+args > f.code.StackSize {
		return false
	}
	g.emit(c.load)
	g.push(false)
	if self {
		g.loadValue()
	} else {
		g.emit(uop.Inst(uop.OpPushNull, 0))
		g.push(true)
	}
	for i := 0; i < args; i++ {
		g.loadValue()
	}
	g.emit(uop.MicroOp{Opcode: uop.OpCheckFunctionExactArgs, Oparg: int32(args), Operand: uint64(c.fn.Version)})
	g.emit(uop.Inst(uop.OpInitCall, int32(args)))
	g.pop(2 + args)
	g.push(false)
	if g.rnd.Intn(2) == 0 {
		g.emit(uop.Inst(uop.OpSaveReturnOffset, int32(g.rnd.Intn(8))))
	}
	g.emit(uop.Inst(uop.OpPushFrame, 0))
	g.pop(1)

	callee := &genFrame{code: c.fn.Code, localNull: make([]bool, c.fn.Code.LocalCount)}
	for i := c.fn.Code.ArgCount; i < len(callee.localNull); i++ {
		callee.localNull[i] = true
	}
	g.frames = append(g.frames, callee)
	return true
}

// ret 把被调帧的栈收缩到一个值后返回
func (g *traceGen) ret() {
	f := g.cur()
	switch depth := len(f.stackNull); {
	case depth == 0:
		g.loadValue()
	case depth > 1:
		g.emit(uop.Inst(uop.OpShrinkStack, int32(depth-1)))
		g.pop(depth - 1)
	}
	null := f.stackNull[0]
	g.emit(uop.Inst(uop.OpPopFrame, 0))
	g.frames = g.frames[:len(g.frames)-1]
	g.push(null)
}

// genTrace 生成一条以 EXIT_TRACE 或 JUMP_TO_TOP 结尾的 trace。
// 常量和 globals 里的函数都可以作为被调函数
func genTrace(rnd *rand.Rand, code *uop.CodeUnit, globals map[string]uop.Value) uop.Trace {
	g := &traceGen{rnd: rnd}
	g.frames = []*genFrame{{code: code, localNull: make([]bool, code.LocalCount)}}
	for i, v := range code.Consts {
		if fn := v.AsFunc(); fn != nil {
			g.callables = append(g.callables, callable{fn: fn, load: uop.Inst(uop.OpLoadConst, int32(i))})
		}
	}
	for i, name := range code.Names {
		if fn := globals[name].AsFunc(); fn != nil {
			g.callables = append(g.callables, callable{fn: fn, load: uop.Inst(uop.OpLoadGlobal, int32(i))})
		}
	}
	n := 1 + rnd.Intn(40)
	for i := 0; i < n; i++ {
		g.step()
	}
	for len(g.frames) > 1 {
		g.ret()
	}
	if rnd.Intn(2) == 0 {
		g.emit(uop.Inst(uop.OpExitTrace, 0))
	} else {
		g.emit(uop.Inst(uop.OpJumpToTop, 0))
	}
	return g.trace
}

// genProgram 随机 trace 使用的入口代码单元、函数表和全局变量。
// inc 接受一个参数，pair 接受两个，都可以带 self 调用
func genProgram() (*uop.CodeUnit, *uop.FunctionTable, map[string]uop.Value) {
	obj := &uop.Object{TypeName: "P", TypeVersion: 7, Attrs: map[string]uop.Value{"x": uop.NewInt(5)}}
	callee := func(name string, version uint32, args int) *uop.Function {
		return &uop.Function{Name: name, Version: version, Code: &uop.CodeUnit{
			Name: name, ArgCount: args, LocalCount: args + 1, StackSize: 3,
			Consts: []uop.Value{uop.NewInt(1), uop.NewStr("c"), uop.NewObject(obj)},
			Names:  []string{"g", "h", "x"},
		}}
	}
	inc, pair := callee("inc", 9, 1), callee("pair", 11, 2)
	funcs := uop.NewFunctionTable()
	funcs.Register(inc)
	funcs.Register(pair)

	code := &uop.CodeUnit{
		Name: "main", ArgCount: 3, LocalCount: 3, StackSize: 6,
		Consts: []uop.Value{
			uop.NewInt(3), uop.NewInt(-2), uop.NewInt(0), uop.NewFloat(1.5), uop.NewStr("s"), uop.TrueValue, uop.NoneValue,
			uop.NewFunc(inc), uop.NewFunc(pair), uop.NewObject(obj),
		},
		Names: []string{"g", "h", "missing", "x", "f"},
	}
	globals := map[string]uop.Value{"g": uop.NewInt(10), "h": uop.NewStr("y"), "f": uop.NewFunc(inc)}
	return code, funcs, globals
}

var runtimeErrors = []error{
	uop.ErrTypeError, uop.ErrZeroDivision, uop.ErrNameError, uop.ErrAttributeError, uop.ErrUnboundLocal, uop.ErrInternal,
}

func errorKind(err error) error {
	for _, k := range runtimeErrors {
		if errors.Is(err, k) {
			return k
		}
	}
	return err
}

func assertSameValues(t *testing.T, want, got []uop.Value, what string, args ...interface{}) {
	t.Helper()
	if !assert.Len(t, got, len(want), append([]interface{}{what}, args...)...) {
		return
	}
	for i := range want {
		assert.True(t, want[i].Equals(got[i]), "%s[%d]: want %s got %s", what, i, want[i], got[i])
	}
}

// assertSameFrames 逐层比较帧链上的局部变量和栈
func assertSameFrames(t *testing.T, want, got *uop.Frame) {
	t.Helper()
	for ; want != nil; want, got = want.Parent, got.Parent {
		if !assert.NotNil(t, got, "frame %s missing", want.Code.Name) {
			return
		}
		assert.Same(t, want.Code, got.Code)
		assertSameValues(t, want.Locals, got.Locals, "locals of %s", want.Code.Name)
		assertSameValues(t, want.Stack, got.Stack, "stack of %s", want.Code.Name)
	}
	assert.Nil(t, got, "extra frame")
}

func TestDifferential(t *testing.T) {
	code, funcs, globals := genProgram()
	obj := code.Consts[len(code.Consts)-1]
	args := [][]uop.Value{
		{uop.NewInt(1), uop.NewInt(2), uop.NewInt(3)},
		{uop.NewInt(7), uop.NewFloat(0.5), uop.NewStr("x")},
		{uop.NewStr("a"), uop.NewStr("b"), uop.FalseValue},
		{obj, uop.NewInt(4), uop.NewStr("z")},
	}
	o := New(Options{Logger: zap.NewNop(), Functions: funcs})
	rnd := rand.New(rand.NewSource(20261017))

	calls := 0
	for iter := 0; iter < 3000; iter++ {
		trace := genTrace(rnd, code, globals)
		res, err := o.Optimize(trace, code, 0)
		require.NoError(t, err)
		require.NotErrorIs(t, res.Reason, ErrInvariant, "trace:\n%s", trace)
		require.NotErrorIs(t, res.Reason, ErrMalformed, "trace:\n%s", trace)
		require.NotErrorIs(t, res.Reason, ErrUnresolvedCall, "trace:\n%s", trace)
		for _, u := range trace {
			if u.Opcode == uop.OpPushFrame {
				calls++
				break
			}
		}

		base := &uop.State{
			Frame:              uop.NewFrame(code, args[iter%len(args)]...),
			Globals:            globals,
			InvalidateOnEscape: iter%2 == 0,
		}
		wantSt, gotSt := base.Clone(), base.Clone()
		want := uop.Interpret(trace, wantSt, 10000)
		got := uop.Interpret(res.Trace, gotSt, 10000)

		msg := []interface{}{"original:\n%s\noptimized:\n%s", trace, res.Trace}
		require.Equal(t, want.Kind, got.Kind, msg...)
		switch want.Kind {
		case uop.ExitError:
			assert.Equal(t, errorKind(want.Err), errorKind(got.Err), msg...)
			assert.Equal(t, want.IP, got.IP, msg...)
		default:
			assert.Equal(t, want.Target, got.Target, msg...)
		}
		assertSameFrames(t, wantSt.Frame, gotSt.Frame)
		assert.Equal(t, wantSt.Invalidated, gotSt.Invalidated, msg...)
		for name, v := range wantSt.Globals {
			assert.True(t, v.Equals(gotSt.Globals[name]), "global %s", name)
		}
		if t.Failed() {
			t.Logf(msg[0].(string), msg[1:]...)
			return
		}
	}
	assert.Positive(t, o.Stats().Optimized)
	assert.Positive(t, calls)
}
