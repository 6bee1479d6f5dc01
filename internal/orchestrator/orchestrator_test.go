package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalbot/internal/alloc"
	"kalbot/internal/market"
	"kalbot/internal/paper"
	"kalbot/internal/perf"
	"kalbot/internal/strategy"
	"kalbot/internal/venue/kalshi"
)

type fakeProvider struct {
	snaps []market.Snapshot
	err   error
}

func (f *fakeProvider) GetMarkets(context.Context, string, int, string) (market.Page, error) {
	if f.err != nil {
		return market.Page{}, f.err
	}
	return market.Page{Markets: f.snaps}, nil
}

func (f *fakeProvider) GetOrderbook(_ context.Context, snap market.Snapshot) (market.Snapshot, error) {
	return snap, nil
}

type memLedger struct{ fills []paper.Fill }

func (m *memLedger) Append(f paper.Fill) error {
	m.fills = append(m.fills, f)
	return nil
}

type memStore struct {
	equitySamples int
	metricsSaved  int
	allocations   map[string]int64
	dailyDates    []string
}

func (m *memStore) SaveEquitySample(string, int64, time.Time) error {
	m.equitySamples++
	return nil
}

func (m *memStore) SaveMetrics(perf.Metrics) error {
	m.metricsSaved++
	return nil
}

func (m *memStore) SaveAllocations(alloc map[string]int64, _ time.Time) error {
	m.allocations = alloc
	return nil
}

func (m *memStore) UpsertDailyMetric(date string, _ perf.Metrics) error {
	m.dailyDates = append(m.dailyDates, date)
	return nil
}

type memNotifier struct{ messages []string }

func (m *memNotifier) SendText(text string) error {
	m.messages = append(m.messages, text)
	return nil
}

func extremeSnapshot(id string) market.Snapshot {
	return market.Snapshot{
		MarketID:   id,
		Ticker:     id,
		Status:     "open",
		BestYesBid: 95,
		BestYesAsk: 97,
		BestNoBid:  3,
		BestNoAsk:  5,
		Volume24h:  5000,
		CloseTime:  time.Now().UTC().Add(72 * time.Hour),
	}
}

type fixture struct {
	orch     *Orchestrator
	engine   *paper.Engine
	ledger   *memLedger
	store    *memStore
	notifier *memNotifier
	provider *fakeProvider
}

func newFixture(t *testing.T, provider *fakeProvider) *fixture {
	t.Helper()
	ledger := &memLedger{}
	engine := paper.NewEngine(paper.RiskLimits{
		TotalCapital:           100000,
		MaxPerTrade:            1000,
		MaxDailyLoss:           5000,
		MaxConcurrentPositions: 10,
		MaxExposureFraction:    0.5,
	}, ledger)
	require.NoError(t, engine.RegisterStrategy("mr", 100000))

	registry := strategy.NewRegistry()
	require.NoError(t, registry.Register(strategy.NewMeanReversion("mr", strategy.DefaultMeanReversionParams())))

	tracker := perf.NewTracker(perf.Config{})
	tracker.Register("mr", 100000)
	engine.SetFillListener(tracker.Record)

	scanner := market.NewScanner(provider, market.ScannerConfig{MinVolume24h: 100}, nil)
	allocator := alloc.NewAllocator(alloc.Config{})
	store := &memStore{}
	notifier := &memNotifier{}

	orch := New(Config{TotalCapital: 100000, MaxConnectivityFail: 2},
		scanner, registry, engine, tracker, allocator, store, notifier)
	return &fixture{orch: orch, engine: engine, ledger: ledger, store: store, notifier: notifier, provider: provider}
}

func TestRunCycleOpensPositionAndRecords(t *testing.T) {
	fx := newFixture(t, &fakeProvider{snaps: []market.Snapshot{extremeSnapshot("MKT-A")}})

	cont, err := fx.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, cont)
	assert.Equal(t, PhaseIdle, fx.orch.Phase())

	// 极端价格触发做空 YES（买 NO），成交入账
	require.Len(t, fx.ledger.fills, 1)
	assert.Equal(t, "mr", fx.ledger.fills[0].StrategyID)
	positions := fx.engine.OpenPositions("mr")
	require.Len(t, positions, 1)

	// RECORDING 阶段采样与落库
	assert.Equal(t, 1, fx.store.equitySamples)
	assert.Equal(t, 1, fx.store.metricsSaved)

	// 首轮必然触发再分配（带通知），分配额同步落库
	assert.NotEmpty(t, fx.notifier.messages)
	require.NotNil(t, fx.store.allocations)
	assert.Equal(t, int64(100000), fx.store.allocations["mr"])

	st := fx.orch.Status()
	assert.Equal(t, int64(1), st.CycleCount)
	assert.InDelta(t, 1.0, st.Weights["mr"], 1e-9)
	require.Len(t, st.Accounts, 1)
	assert.Equal(t, 1, st.Accounts[0].OpenPositions)
}

func TestRunCycleSkipsOnTransientScanError(t *testing.T) {
	fx := newFixture(t, &fakeProvider{err: fmt.Errorf("rate limited")})

	cont, err := fx.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, cont, "非连接性错误只跳过本轮")
	assert.Empty(t, fx.ledger.fills)
}

func TestRunCycleEscalatesConnectivityFailures(t *testing.T) {
	fx := newFixture(t, &fakeProvider{err: fmt.Errorf("%w: boom", kalshi.ErrConnectivity)})

	cont, err := fx.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, cont)

	cont, err = fx.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.False(t, cont, "连接失败次数耗尽后停止进程")
}

func TestRunCycleConnectivityCounterResets(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("%w: boom", kalshi.ErrConnectivity)}
	fx := newFixture(t, provider)

	cont, err := fx.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, cont)

	// 一次成功就清零计数器
	provider.err = nil
	_, err = fx.orch.RunCycle(context.Background())
	require.NoError(t, err)

	provider.err = fmt.Errorf("%w: boom", kalshi.ErrConnectivity)
	cont, err = fx.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, cont)
}

func TestRunCycleStopsOnCancelledContext(t *testing.T) {
	fx := newFixture(t, &fakeProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cont, err := fx.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, cont)
}

type memPruner struct{ cutoffs []time.Time }

func (p *memPruner) Prune(cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return 3, nil
}

func TestDaySwitchResetsDailyState(t *testing.T) {
	fx := newFixture(t, &fakeProvider{snaps: []market.Snapshot{extremeSnapshot("MKT-A")}})
	pruner := &memPruner{}
	fx.orch.SetHistoryPruner(pruner)

	day1 := time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC)
	fx.orch.now = func() time.Time { return day1 }
	_, err := fx.orch.RunCycle(context.Background())
	require.NoError(t, err)
	before := len(fx.notifier.messages)
	assert.Empty(t, pruner.cutoffs) // 未日切不清理

	day2 := day1.Add(2 * time.Hour)
	fx.orch.now = func() time.Time { return day2 }
	_, err = fx.orch.RunCycle(context.Background())
	require.NoError(t, err)

	// 日切落昨日汇总并发通知，同时清理过期价格历史
	assert.Equal(t, []string{"2026-03-15"}, fx.store.dailyDates)
	assert.Greater(t, len(fx.notifier.messages), before)
	require.Len(t, pruner.cutoffs, 1)
	assert.Equal(t, day2.Add(-7*24*time.Hour), pruner.cutoffs[0])
}
