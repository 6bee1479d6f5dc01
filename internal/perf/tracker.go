package perf

import (
	"math"
	"sort"
	"sync"
	"time"

	"kalbot/internal/paper"
	"kalbot/internal/types"
)

// Config 绩效计算参数。年化因子与无风险利率可调。
type Config struct {
	TradesPerYear       float64
	RiskFreeRate        float64
	MinTradesForRanking int
}

func (c Config) withDefaults() Config {
	if c.TradesPerYear <= 0 {
		c.TradesPerYear = 2500
	}
	if c.RiskFreeRate < 0 {
		c.RiskFreeRate = 0
	}
	if c.MinTradesForRanking <= 0 {
		c.MinTradesForRanking = 5
	}
	return c
}

// Metrics 单个策略的绩效快照。一经产出不可变，由下一份快照取代。
type Metrics struct {
	StrategyID    string    `json:"strategy_id"`
	AsOf          time.Time `json:"as_of"`
	TotalReturn   int64     `json:"total_return"` // 累计实现盈亏，美分
	Sharpe        float64   `json:"sharpe"`
	Sortino       float64   `json:"sortino"`
	MaxDrawdown   float64   `json:"max_drawdown"`  // 峰谷回撤比例 0~1
	WinRate       *float64  `json:"win_rate"`      // 无已平仓交易时为 nil
	ProfitFactor  float64   `json:"profit_factor"` // 无亏损且有盈利时为 +Inf
	TradeCount    int       `json:"trade_count"`
	WinningTrades int       `json:"winning_trades"`
	LosingTrades  int       `json:"losing_trades"`
	AvgWin        float64   `json:"avg_win"`
	AvgLoss       float64   `json:"avg_loss"`
	Expectancy    float64   `json:"expectancy"`
	Equity        int64     `json:"equity"`
	PeakEquity    int64     `json:"peak_equity"`
	Returns       []float64 `json:"returns"`
}

type trade struct {
	pnl      int64
	closedAt time.Time
}

type series struct {
	initialCapital int64
	trades         []trade
	equity         []int64
}

// Tracker 绩效跟踪器：吃进成交事件与每周期一次的权益采样，
// 按需计算指标。所有指标只依赖不可变账本与采样曲线。
type Tracker struct {
	cfg Config

	mu     sync.RWMutex
	byID   map[string]*series
	order  []string
	latest map[string]Metrics
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg.withDefaults(),
		byID:   make(map[string]*series),
		latest: make(map[string]Metrics),
	}
}

// Register 登记一个策略及其初始资金（收益率归一化用）。
func (t *Tracker) Register(strategyID string, initialCapital int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[strategyID]; ok {
		return
	}
	t.byID[strategyID] = &series{initialCapital: initialCapital}
	t.order = append(t.order, strategyID)
}

// Record 消费一笔成交。只有平仓成交产生已实现盈亏样本。
func (t *Tracker) Record(f paper.Fill) {
	if f.Action != types.ActionClose {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[f.StrategyID]
	if !ok {
		return
	}
	s.trades = append(s.trades, trade{pnl: f.RealizedPnL, closedAt: f.Timestamp})
}

// SampleEquity 每周期记录一次权益，驱动回撤计算。
func (t *Tracker) SampleEquity(strategyID string, equity int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[strategyID]
	if !ok {
		return
	}
	s.equity = append(s.equity, equity)
}

// Compute 计算策略当前指标快照。
func (t *Tracker) Compute(strategyID string) (Metrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[strategyID]
	if !ok {
		return Metrics{}, false
	}
	m := t.compute(strategyID, s)
	t.latest[strategyID] = m
	return m, true
}

// Latest 返回最近一次计算的快照。
func (t *Tracker) Latest(strategyID string) (Metrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.latest[strategyID]
	return m, ok
}

// Leaderboard 按夏普比率降序返回达到最小交易数的策略。
func (t *Tracker) Leaderboard() []Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Metrics
	for _, id := range t.order {
		m := t.compute(id, t.byID[id])
		t.latest[id] = m
		if m.TradeCount >= t.cfg.MinTradesForRanking {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sharpe > out[j].Sharpe })
	return out
}

func (t *Tracker) compute(strategyID string, s *series) Metrics {
	m := Metrics{
		StrategyID: strategyID,
		AsOf:       time.Now().UTC(),
		TradeCount: len(s.trades),
	}
	if n := len(s.equity); n > 0 {
		m.Equity = s.equity[n-1]
	}
	m.MaxDrawdown, m.PeakEquity = maxDrawdown(s.equity)

	if len(s.trades) == 0 {
		return m
	}

	var grossWin, grossLoss int64
	returns := make([]float64, len(s.trades))
	for i, tr := range s.trades {
		m.TotalReturn += tr.pnl
		if s.initialCapital > 0 {
			returns[i] = float64(tr.pnl) / float64(s.initialCapital)
		}
		if tr.pnl > 0 {
			m.WinningTrades++
			grossWin += tr.pnl
		} else {
			m.LosingTrades++
			grossLoss += -tr.pnl
		}
	}
	m.Returns = returns

	wr := float64(m.WinningTrades) / float64(m.TradeCount)
	m.WinRate = &wr

	if m.WinningTrades > 0 {
		m.AvgWin = float64(grossWin) / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = -float64(grossLoss) / float64(m.LosingTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = float64(grossWin) / float64(grossLoss)
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	m.Expectancy = float64(m.TotalReturn) / float64(m.TradeCount)

	m.Sharpe = t.sharpe(returns)
	m.Sortino = t.sortino(returns)
	return m
}

// sharpe 年化夏普。样本少于 2 或方差为 0 时恒为 0。
func (t *Tracker) sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := meanStd(returns)
	if std == 0 {
		return 0
	}
	annualReturn := mean * t.cfg.TradesPerYear
	annualStd := std * math.Sqrt(t.cfg.TradesPerYear)
	return (annualReturn - t.cfg.RiskFreeRate) / annualStd
}

// sortino 只惩罚下行波动；没有负收益时为 +Inf。
func (t *Tracker) sortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, _ := meanStd(returns)
	var downVar float64
	var hasDown bool
	for _, r := range returns {
		if r < 0 {
			downVar += r * r
			hasDown = true
		}
	}
	if !hasDown {
		return math.Inf(1)
	}
	downStd := math.Sqrt(downVar / float64(len(returns)))
	if downStd == 0 {
		return 0
	}
	annualReturn := mean * t.cfg.TradesPerYear
	annualDown := downStd * math.Sqrt(t.cfg.TradesPerYear)
	return (annualReturn - t.cfg.RiskFreeRate) / annualDown
}

func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

// maxDrawdown 计算权益曲线最大峰谷回撤（比例）与峰值。
// 曲线单调不减时回撤为 0。
func maxDrawdown(equity []int64) (float64, int64) {
	if len(equity) == 0 {
		return 0, 0
	}
	peak := equity[0]
	var maxDD float64
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := float64(peak-v) / float64(peak)
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, peak
}
