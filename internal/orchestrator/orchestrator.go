package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kalbot/internal/alloc"
	"kalbot/internal/logger"
	"kalbot/internal/market"
	"kalbot/internal/notify"
	"kalbot/internal/paper"
	"kalbot/internal/perf"
	"kalbot/internal/scheduler"
	"kalbot/internal/strategy"
	"kalbot/internal/types"
	"kalbot/internal/venue/kalshi"
)

// Phase 周期状态机的当前阶段。
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseScanning     Phase = "SCANNING"
	PhaseEvaluating   Phase = "EVALUATING"
	PhaseSimulating   Phase = "SIMULATING"
	PhaseRecording    Phase = "RECORDING"
	PhaseReallocating Phase = "REALLOCATING"
	PhaseStopped      Phase = "STOPPED"
)

type Config struct {
	ScanInterval        time.Duration
	TotalCapital        int64 // 美分
	MaxConnectivityFail int
	HistoryRetention    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Minute
	}
	if c.MaxConnectivityFail <= 0 {
		c.MaxConnectivityFail = 5
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 7 * 24 * time.Hour
	}
	return c
}

// MetricsStore 周期产物的持久化边界。
type MetricsStore interface {
	SaveEquitySample(strategyID string, equity int64, at time.Time) error
	SaveMetrics(m perf.Metrics) error
	SaveAllocations(alloc map[string]int64, at time.Time) error
	UpsertDailyMetric(date string, m perf.Metrics) error
}

// HistoryPruner 价格历史的清理边界，日切时调用。
type HistoryPruner interface {
	Prune(cutoff time.Time) (int64, error)
}

// Status 对外暴露的运行状态。
type Status struct {
	Phase       Phase               `json:"phase"`
	CycleCount  int64               `json:"cycle_count"`
	LastCycleAt time.Time           `json:"last_cycle_at"`
	Weights     map[string]float64  `json:"weights"`
	Accounts    []paper.AccountView `json:"accounts"`
}

// Orchestrator 驱动 扫描→评估→撮合→记录→（周期性）再分配 的
// 主循环。一轮跑完才开始下一轮，两轮不重叠；取消只在阶段边界
// 生效，保证账本不会留下半笔事务。
type Orchestrator struct {
	cfg       Config
	scanner   *market.Scanner
	registry  *strategy.Registry
	engine    *paper.Engine
	tracker   *perf.Tracker
	allocator *alloc.Allocator
	store     MetricsStore
	notifier  notify.TextNotifier
	pruner    HistoryPruner

	mu          sync.RWMutex
	phase       Phase
	weights     map[string]float64
	cycleCount  int64
	lastCycleAt time.Time
	lastDay     time.Time
	connFail    int
	notedHalts  map[string]bool

	now func() time.Time
}

func New(cfg Config, scanner *market.Scanner, registry *strategy.Registry, engine *paper.Engine,
	tracker *perf.Tracker, allocator *alloc.Allocator, store MetricsStore, notifier notify.TextNotifier) *Orchestrator {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		scanner:    scanner,
		registry:   registry,
		engine:     engine,
		tracker:    tracker,
		allocator:  allocator,
		store:      store,
		notifier:   notifier,
		phase:      PhaseIdle,
		weights:    make(map[string]float64),
		notedHalts: make(map[string]bool),
		now:        func() time.Time { return time.Now().UTC() },
	}
	ids := engine.StrategyIDs()
	for _, id := range ids {
		o.weights[id] = 1.0 / float64(len(ids))
	}
	return o
}

// SetHistoryPruner 注入价格历史清理器，日切时淘汰过期观测点。
func (o *Orchestrator) SetHistoryPruner(p HistoryPruner) {
	o.pruner = p
}

// Run 阻塞运行主循环，直到 ctx 取消或连接失败耗尽重试。
func (o *Orchestrator) Run(ctx context.Context) error {
	sched := scheduler.NewCycleScheduler(ctx, o.cfg.ScanInterval)
	var fatal error
	sched.Start(func() bool {
		cont, err := o.RunCycle(ctx)
		if err != nil {
			fatal = err
		}
		return cont
	})
	o.setPhase(PhaseStopped)
	return fatal
}

// RunCycle 执行一轮完整周期。返回 false 表示应当停止进程。
func (o *Orchestrator) RunCycle(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	o.cycleStart()

	// SCANNING
	o.setPhase(PhaseScanning)
	snaps, err := o.scanner.Scan(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, nil
		}
		if errors.Is(err, kalshi.ErrConnectivity) {
			o.connFail++
			logger.Errorf("行情扫描连接失败 (%d/%d): %v", o.connFail, o.cfg.MaxConnectivityFail, err)
			if o.connFail >= o.cfg.MaxConnectivityFail {
				logger.Errorf("连接失败次数耗尽，停止进程")
				return false, fmt.Errorf("行情连接失败重试耗尽: %w", err)
			}
			return true, nil
		}
		logger.Errorf("行情扫描失败，跳过本轮: %v", err)
		return true, nil
	}
	o.connFail = 0

	if ctx.Err() != nil {
		return false, nil
	}

	// EVALUATING：各策略并发评估，互不影响；单策略 panic 只丢弃
	// 它自己的意图。
	o.setPhase(PhaseEvaluating)
	intents := o.evaluate(ctx, snaps)

	if ctx.Err() != nil {
		return false, nil
	}

	// SIMULATING：按注册顺序串行提交，后提交者看到前者更新后的敞口。
	o.setPhase(PhaseSimulating)
	if err := o.simulate(intents); err != nil {
		return false, err
	}

	o.notifyHalts()

	if ctx.Err() != nil {
		return false, nil
	}

	// RECORDING
	o.setPhase(PhaseRecording)
	o.record()

	// REALLOCATING：与撮合互斥（同一循环内先后执行，绝不交错）。
	if o.allocator.ShouldRebalance(o.now()) {
		o.setPhase(PhaseReallocating)
		o.reallocate()
	}

	o.mu.Lock()
	o.cycleCount++
	o.lastCycleAt = o.now()
	o.mu.Unlock()
	o.setPhase(PhaseIdle)
	return true, nil
}

// cycleStart 处理周期边界事务：参数热更新生效、UTC 日切。
func (o *Orchestrator) cycleStart() {
	o.registry.ApplyPending()

	today := o.now().Truncate(24 * time.Hour)
	o.mu.Lock()
	lastDay := o.lastDay
	o.lastDay = today
	o.mu.Unlock()
	if lastDay.IsZero() || !today.After(lastDay) {
		return
	}

	// 日切：落昨日汇总、清零当日盈亏、解除亏损暂停
	date := lastDay.Format("2006-01-02")
	var summary []perf.Metrics
	for _, id := range o.engine.StrategyIDs() {
		m, ok := o.tracker.Compute(id)
		if !ok {
			continue
		}
		summary = append(summary, m)
		if o.store != nil {
			if err := o.store.UpsertDailyMetric(date, m); err != nil {
				logger.Errorf("每日汇总落库失败 strategy=%s: %v", id, err)
			}
		}
	}
	if len(summary) > 0 {
		if err := o.notifier.SendText(notify.FormatDailySummary(date, summary)); err != nil {
			logger.Warnf("每日汇总通知失败: %v", err)
		}
	}
	o.engine.ResetDaily()
	o.mu.Lock()
	o.notedHalts = make(map[string]bool)
	o.mu.Unlock()
	if o.pruner != nil {
		if removed, err := o.pruner.Prune(o.now().Add(-o.cfg.HistoryRetention)); err != nil {
			logger.Warnf("价格历史清理失败: %v", err)
		} else if removed > 0 {
			logger.Infof("价格历史清理: 淘汰 %d 个过期观测点", removed)
		}
	}
	logger.Infof("交易日切换: %s -> %s", date, today.Format("2006-01-02"))
}

// notifyHalts 对新触发的亏损暂停发一次通知，当日不重复。
func (o *Orchestrator) notifyHalts() {
	for _, v := range o.engine.Views() {
		if !v.Halted {
			continue
		}
		o.mu.Lock()
		noted := o.notedHalts[v.StrategyID]
		o.notedHalts[v.StrategyID] = true
		o.mu.Unlock()
		if noted {
			continue
		}
		msg := notify.FormatHaltMessage(v.StrategyID, paper.RejectDailyLoss, v.DailyRealized)
		if err := o.notifier.SendText(msg); err != nil {
			logger.Warnf("暂停通知失败: %v", err)
		}
	}
}

type strategyIntents struct {
	strategyID string
	intents    []types.OrderIntent
}

// evaluate 并发跑全部策略：先对持仓做退出检查，再对快照做开仓
// 评估。结果按注册顺序拼装，保证提交顺序确定。
func (o *Orchestrator) evaluate(ctx context.Context, snaps []market.Snapshot) []types.OrderIntent {
	strategies := o.registry.All()
	results := make([]strategyIntents, len(strategies))

	eg, _ := errgroup.WithContext(ctx)
	for i, s := range strategies {
		i, s := i, s
		eg.Go(func() error {
			results[i] = strategyIntents{
				strategyID: s.ID(),
				intents:    o.evaluateSafe(s, snaps),
			}
			return nil
		})
	}
	_ = eg.Wait()

	var out []types.OrderIntent
	for _, r := range results {
		out = append(out, r.intents...)
	}
	return out
}

// evaluateSafe 单策略评估，panic 被吞掉并告警，不影响其他策略。
func (o *Orchestrator) evaluateSafe(s strategy.Strategy, snaps []market.Snapshot) (intents []types.OrderIntent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("策略 %s 评估 panic: %v", s.ID(), r)
			intents = nil
		}
	}()

	// 退出检查在前：先释放资金再考虑新开仓
	for _, pos := range o.engine.OpenPositions(s.ID()) {
		snap, ok := o.scanner.Get(pos.MarketID)
		if !ok {
			continue
		}
		if s.CheckExit(pos, snap) {
			intents = append(intents, types.OrderIntent{
				StrategyID: s.ID(),
				MarketID:   pos.MarketID,
				Side:       pos.Side,
				Action:     types.ActionClose,
				Quantity:   pos.Quantity,
				LimitPrice: types.MarketOrder,
				Reason:     "strategy_exit",
				CreatedAt:  o.now(),
			})
		}
	}

	lookback := 0
	if lp, ok := s.(strategy.LookbackProvider); ok {
		lookback = lp.Lookback()
	}
	for _, snap := range snaps {
		var history []float64
		if lookback > 0 {
			history = o.scanner.History(snap.MarketID, lookback)
		}
		intents = append(intents, s.Evaluate(snap, history)...)
	}
	return intents
}

// simulate 串行提交全部意图。单个意图的 panic 按拒单处理；只有
// 账本写入失败才致命。
func (o *Orchestrator) simulate(intents []types.OrderIntent) error {
	for _, intent := range intents {
		if err := o.submitSafe(intent); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) submitSafe(intent types.OrderIntent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("撮合 panic，按拒单处理 strategy=%s market=%s: %v", intent.StrategyID, intent.MarketID, r)
			err = nil
		}
	}()
	snap, _ := o.scanner.Get(intent.MarketID) // 缺失时零值快照会被判为 NO_MARKET
	logger.Debugf("提交意图 strategy=%s market=%s action=%s side=%s qty=%d notional=%d¢",
		intent.StrategyID, intent.MarketID, intent.Action, intent.Side, intent.Quantity, intent.Notional())
	_, err = o.engine.Submit(intent, snap)
	return err
}

// record 采样权益并刷新各策略指标。
func (o *Orchestrator) record() {
	now := o.now()
	for _, id := range o.engine.StrategyIDs() {
		equity, ok := o.engine.Equity(id)
		if !ok {
			continue
		}
		o.tracker.SampleEquity(id, equity)
		if o.store != nil {
			if err := o.store.SaveEquitySample(id, equity, now); err != nil {
				logger.Errorf("权益采样落库失败 strategy=%s: %v", id, err)
			}
		}
		m, _ := o.tracker.Compute(id)
		if o.store != nil {
			if err := o.store.SaveMetrics(m); err != nil {
				logger.Errorf("绩效快照落库失败 strategy=%s: %v", id, err)
			}
		}
	}
}

// reallocate 重新计算权重并应用到各账户的资金上限。
func (o *Orchestrator) reallocate() {
	ids := o.engine.StrategyIDs()
	snapshots := make([]perf.Metrics, 0, len(ids))
	for _, id := range ids {
		m, ok := o.tracker.Latest(id)
		if !ok {
			m, _ = o.tracker.Compute(id)
		}
		snapshots = append(snapshots, m)
	}

	o.mu.RLock()
	prior := make(map[string]float64, len(o.weights))
	for id, w := range o.weights {
		prior[id] = w
	}
	o.mu.RUnlock()

	halted := o.engine.HaltedForDailyLoss()
	results := o.allocator.Reallocate(snapshots, prior, halted)

	newAlloc := make(map[string]int64, len(results))
	newWeights := make(map[string]float64, len(results))
	for _, r := range results {
		newWeights[r.StrategyID] = r.Weight
		newAlloc[r.StrategyID] = int64(r.Weight * float64(o.cfg.TotalCapital))
	}
	o.engine.ApplyAllocations(newAlloc)
	if o.store != nil {
		// 分配额落库，重启时先应用再重放账本
		if err := o.store.SaveAllocations(newAlloc, o.now()); err != nil {
			logger.Errorf("资金分配落库失败: %v", err)
		}
	}

	o.mu.Lock()
	o.weights = newWeights
	o.mu.Unlock()
	o.allocator.MarkRebalanced(o.now())

	if err := o.notifier.SendText(notify.FormatRebalanceMessage(results)); err != nil {
		logger.Warnf("再分配通知失败: %v", err)
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	logger.Phasef(string(p), "阶段切换")
}

// Phase 当前阶段。
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// Status 运行状态快照，供 HTTP 状态页使用。
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	weights := make(map[string]float64, len(o.weights))
	for id, w := range o.weights {
		weights[id] = w
	}
	st := Status{
		Phase:       o.phase,
		CycleCount:  o.cycleCount,
		LastCycleAt: o.lastCycleAt,
		Weights:     weights,
	}
	o.mu.RUnlock()
	st.Accounts = o.engine.Views()
	return st
}
