package optimizer

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/tangzhangming/tracejit/internal/uop"
)

// ============================================================================
// 优化 Pass 接口
// ============================================================================

// Pass 线性化之后在 uop 序列上运行的清理 Pass
type Pass interface {
	Name() string
	Run(t *uop.Trace) bool // 返回是否有修改
}

// ============================================================================
// Pass 管理器
// ============================================================================

// PassManager Pass 管理器
type PassManager struct {
	passes []Pass
	stats  PassStats
}

// PassStats Pass 统计信息
type PassStats struct {
	PassesRun      int
	TotalChanges   int
	PerPassChanges map[string]int
}

// NewPassManager 创建 Pass 管理器
func NewPassManager() *PassManager {
	return &PassManager{
		stats: PassStats{
			PerPassChanges: make(map[string]int),
		},
	}
}

// AddPass 添加 Pass
func (pm *PassManager) AddPass(p Pass) {
	pm.passes = append(pm.passes, p)
}

// Run 运行所有 Pass，返回是否有修改
func (pm *PassManager) Run(t *uop.Trace) bool {
	changed := false
	for _, p := range pm.passes {
		pm.stats.PassesRun++
		if p.Run(t) {
			changed = true
			pm.stats.TotalChanges++
			pm.stats.PerPassChanges[p.Name()]++
		}
	}
	return changed
}

// RunUntilFixed 运行 Pass 直到不再有改变
func (pm *PassManager) RunUntilFixed(t *uop.Trace, maxIters int) {
	for i := 0; i < maxIters; i++ {
		if !pm.Run(t) {
			break
		}
	}
}

// Stats 获取统计信息
func (pm *PassManager) Stats() PassStats {
	return pm.stats
}

// CleanupPipeline 线性化之后的标准清理
func CleanupPipeline() *PassManager {
	pm := NewPassManager()
	pm.AddPass(BookkeepingPass{})
	pm.AddPass(PeepholePass{})
	pm.AddPass(CompactPass{})
	return pm
}

// FallbackPipeline 回退路径只做簿记清理
func FallbackPipeline() *PassManager {
	pm := NewPassManager()
	pm.AddPass(BookkeepingPass{})
	pm.AddPass(CompactPass{})
	return pm
}

// ============================================================================
// 簿记清理
// ============================================================================

// BookkeepingPass 删除多余的 SET_IP 与 CHECK_VALIDITY。
// SET_IP 只保留紧挨在可能抛出、去优化或压帧的操作之前的最后一条；
// CHECK_VALIDITY 只在上一次检查之后发生过逃逸时保留。
type BookkeepingPass struct{}

func (BookkeepingPass) Name() string { return "bookkeeping" }

func (BookkeepingPass) Run(t *uop.Trace) bool {
	trace := *t
	before := trace.Clone()
	lastSetIP := -1
	escaped := true
	for i := range trace {
		u := &trace[i]
		switch {
		case u.Opcode == uop.OpSetIP:
			u.Opcode = uop.OpNop
			lastSetIP = i
		case u.Opcode == uop.OpCheckValidity:
			if escaped {
				escaped = false
			} else {
				u.Opcode = uop.OpNop
			}
		case u.Opcode.IsTerminal():
			return !trace.Equal(before)
		default:
			if u.Opcode.Has(uop.FlagEscapes) {
				escaped = true
			}
			if u.Opcode.Has(uop.FlagError|uop.FlagDeopt) || u.Opcode == uop.OpPushFrame {
				if lastSetIP >= 0 {
					trace[lastSetIP].Opcode = uop.OpSetIP
				}
			}
		}
	}
	return !trace.Equal(before)
}

// ============================================================================
// 窥孔
// ============================================================================

// PeepholePass 删除紧跟在 N 个纯叶子加载之后的 SHRINK_STACK N 与 POP_TOP，
// 两边都没有效果。SHRINK_STACK 0 直接删除。
type PeepholePass struct{}

func (PeepholePass) Name() string { return "peephole" }

func isLeafPush(op uop.Opcode) bool {
	switch op {
	case uop.OpLoadFast, uop.OpLoadConst, uop.OpLoadConstInline, uop.OpPushNull:
		return true
	}
	return false
}

func (PeepholePass) Run(t *uop.Trace) bool {
	trace := *t
	n := trace.Len()
	dead := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		var want int
		switch trace[i].Opcode {
		case uop.OpShrinkStack:
			want = int(trace[i].Oparg)
		case uop.OpPopTop:
			want = 1
		default:
			continue
		}
		if want == 0 {
			dead.Set(uint(i))
			continue
		}
		var found []uint
		for j := i - 1; j >= 0 && len(found) < want; j-- {
			if dead.Test(uint(j)) {
				continue
			}
			op := trace[j].Opcode
			if op == uop.OpNop || op == uop.OpSetIP {
				continue
			}
			if !isLeafPush(op) {
				break
			}
			found = append(found, uint(j))
		}
		if len(found) < want {
			continue
		}
		dead.Set(uint(i))
		for _, j := range found {
			dead.Set(j)
		}
	}
	if dead.None() {
		return false
	}
	for i, ok := dead.NextSet(0); ok; i, ok = dead.NextSet(i + 1) {
		trace[i].Opcode = uop.OpNop
		trace[i].Oparg = 0
		trace[i].Operand = 0
	}
	return true
}

// ============================================================================
// 压缩
// ============================================================================

// CompactPass 删除 NOP，并截掉终结指令之后的部分
type CompactPass struct{}

func (CompactPass) Name() string { return "compact" }

func (CompactPass) Run(t *uop.Trace) bool {
	trace := *t
	n := trace.Len()
	out := trace[:0]
	for _, u := range trace[:n] {
		if u.Opcode != uop.OpNop {
			out = append(out, u)
		}
	}
	if len(out) == len(trace) {
		return false
	}
	*t = out
	return true
}
