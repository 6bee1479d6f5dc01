package alloc

import (
	"math"
	"sort"
	"sync"
	"time"

	"kalbot/internal/logger"
	"kalbot/internal/perf"
)

// Config 资金分配参数。综合得分的权重可调。
type Config struct {
	SharpeWeight       float64 // 综合得分中夏普的占比
	WinRateWeight      float64
	ProfitFactorWeight float64
	PerformanceWeight  float64 // 绩效项与风险项的配比
	RiskWeight         float64
	DrawdownScale      float64 // 回撤达到该比例记满风险分
	MinTrades          int     // 低于该交易数保留原权重
	MaxDelta           float64 // 单次再分配每策略权重最大变化
	MinWeight          float64 // 活跃策略的权重下限
	RebalanceInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SharpeWeight <= 0 {
		c.SharpeWeight = 0.4
	}
	if c.WinRateWeight <= 0 {
		c.WinRateWeight = 0.3
	}
	if c.ProfitFactorWeight <= 0 {
		c.ProfitFactorWeight = 0.3
	}
	if c.PerformanceWeight <= 0 {
		c.PerformanceWeight = 0.7
	}
	if c.RiskWeight <= 0 {
		c.RiskWeight = 0.3
	}
	if c.DrawdownScale <= 0 {
		c.DrawdownScale = 0.20
	}
	if c.MinTrades <= 0 {
		c.MinTrades = 5
	}
	if c.MaxDelta <= 0 {
		c.MaxDelta = 0.20
	}
	if c.MinWeight <= 0 {
		c.MinWeight = 0.05
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 24 * time.Hour
	}
	return c
}

// Result 单个策略的分配结果。
type Result struct {
	StrategyID string  `json:"strategy_id"`
	Weight     float64 `json:"weight"`
	Prior      float64 `json:"prior"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
	Reason     string  `json:"reason"`
}

// Allocator 按绩效重新分配资金权重。相同指标输入必然产出相同
// 权重：平局按策略注册顺序打破，不引入任何随机性。
type Allocator struct {
	cfg Config

	mu            sync.Mutex
	lastRebalance time.Time
}

func NewAllocator(cfg Config) *Allocator {
	return &Allocator{cfg: cfg.withDefaults()}
}

// ShouldRebalance 是否到了再分配时点。
func (a *Allocator) ShouldRebalance(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRebalance.IsZero() {
		return true
	}
	return now.Sub(a.lastRebalance) >= a.cfg.RebalanceInterval
}

// MarkRebalanced 记录本次再分配时间。
func (a *Allocator) MarkRebalanced(now time.Time) {
	a.mu.Lock()
	a.lastRebalance = now
	a.mu.Unlock()
}

// Reallocate 计算新的权重。
// snapshots 必须按策略注册顺序给出；prior 为当前权重；halted 中的
// 策略本轮权重强制为 0。返回权重之和恒为 1.0（全部暂停时除外）。
//
// 交易数不足的策略保留原权重（证据不足，不重新定权）；其余按综合
// 得分比例分配剩余权重，单次变化被 MaxDelta 约束，活跃策略保底
// MinWeight，最后归一。
func (a *Allocator) Reallocate(snapshots []perf.Metrics, prior map[string]float64, halted map[string]bool) []Result {
	results := make([]Result, 0, len(snapshots))
	weights := make(map[string]float64, len(snapshots))

	var retained float64
	var scoredTotal float64
	type scored struct {
		id    string
		score float64
		idx   int
	}
	var scoredList []scored

	for i, m := range snapshots {
		r := Result{StrategyID: m.StrategyID, Prior: prior[m.StrategyID]}
		switch {
		case halted[m.StrategyID]:
			r.Weight = 0
			r.Reason = "daily_loss_halted"
		case m.TradeCount < a.cfg.MinTrades:
			r.Weight = prior[m.StrategyID]
			r.Reason = "insufficient_history"
			retained += r.Weight
		default:
			r.Score = a.Score(m)
			scoredTotal += r.Score
			scoredList = append(scoredList, scored{id: m.StrategyID, score: r.Score, idx: i})
			r.Reason = "scored"
		}
		results = append(results, r)
	}

	// 得分策略按比例瓜分剩余权重
	remaining := 1.0 - retained
	if remaining < 0 {
		remaining = 0
	}
	for i := range results {
		r := &results[i]
		if r.Reason != "scored" {
			weights[r.StrategyID] = r.Weight
			continue
		}
		var target float64
		if scoredTotal > 0 {
			target = remaining * r.Score / scoredTotal
		} else if len(scoredList) > 0 {
			target = remaining / float64(len(scoredList))
		}
		// 单次变化限幅
		delta := target - r.Prior
		if delta > a.cfg.MaxDelta {
			delta = a.cfg.MaxDelta
		} else if delta < -a.cfg.MaxDelta {
			delta = -a.cfg.MaxDelta
		}
		w := r.Prior + delta
		if w < a.cfg.MinWeight {
			w = a.cfg.MinWeight
		}
		r.Weight = w
		weights[r.StrategyID] = w
	}

	// 归一使总权重为 1.0
	var total float64
	for _, w := range weights {
		total += w
	}
	if total > 0 {
		for i := range results {
			if halted[results[i].StrategyID] {
				continue
			}
			results[i].Weight /= total
		}
	}

	a.rank(results, snapshots)
	for _, r := range results {
		logger.Infof("权重分配 strategy=%s weight=%.4f (prior=%.4f score=%.4f rank=%d reason=%s)",
			r.StrategyID, r.Weight, r.Prior, r.Score, r.Rank, r.Reason)
	}
	return results
}

// rank 按得分降序定名次；平局先比胜率，再按注册顺序（稳定排序）。
func (a *Allocator) rank(results []Result, snapshots []perf.Metrics) {
	winRate := func(i int) float64 {
		if i < len(snapshots) && snapshots[i].WinRate != nil {
			return *snapshots[i].WinRate
		}
		return -1
	}
	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		if results[idx[x]].Score != results[idx[y]].Score {
			return results[idx[x]].Score > results[idx[y]].Score
		}
		return winRate(idx[x]) > winRate(idx[y])
	})
	for rank, i := range idx {
		results[i].Rank = rank + 1
	}
}

// Score 计算综合得分：夏普、胜率、盈亏比各自归一后加权，再扣减
// 回撤带来的风险分。恒为非负。
func (a *Allocator) Score(m perf.Metrics) float64 {
	sharpeScore := clamp01(m.Sharpe / 2)

	var winRateScore float64
	if m.WinRate != nil {
		winRateScore = *m.WinRate
	}

	pfScore := 1.0
	if !math.IsInf(m.ProfitFactor, 1) {
		pfScore = clamp01((m.ProfitFactor - 1) / 2)
	}

	ddPenalty := m.MaxDrawdown / a.cfg.DrawdownScale
	if ddPenalty > 1 {
		ddPenalty = 1
	}

	performance := a.cfg.SharpeWeight*sharpeScore +
		a.cfg.WinRateWeight*winRateScore +
		a.cfg.ProfitFactorWeight*pfScore

	score := a.cfg.PerformanceWeight*performance - a.cfg.RiskWeight*ddPenalty
	if score < 0 {
		score = 0
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
