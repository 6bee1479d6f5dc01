package paper

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalbot/internal/market"
	"kalbot/internal/types"
)

type memLedger struct {
	fills   []Fill
	failing bool
}

func (m *memLedger) Append(f Fill) error {
	if m.failing {
		return fmt.Errorf("disk full")
	}
	m.fills = append(m.fills, f)
	return nil
}

func testLimits() RiskLimits {
	return RiskLimits{
		TotalCapital:           100000, // $1000
		MaxPerTrade:            1000,   // $10
		MaxDailyLoss:           5000,   // $50
		MaxConcurrentPositions: 10,
		MaxExposureFraction:    0.5,
		FeePerContract:         0,
	}
}

func newTestEngine(t *testing.T, limits RiskLimits, strategies ...string) (*Engine, *memLedger) {
	t.Helper()
	ledger := &memLedger{}
	e := NewEngine(limits, ledger)
	e.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	seq := 0
	e.newID = func() string { seq++; return fmt.Sprintf("fill-%d", seq) }
	for _, id := range strategies {
		require.NoError(t, e.RegisterStrategy(id, 30000))
	}
	return e, ledger
}

func testSnap(marketID string) market.Snapshot {
	return market.Snapshot{
		MarketID:   marketID,
		Ticker:     marketID,
		Status:     "open",
		BestYesBid: 40,
		BestYesAsk: 45,
		BestNoBid:  55,
		BestNoAsk:  60,
		Volume24h:  10000,
		CloseTime:  time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC),
	}
}

func openIntent(strategy, marketID string, side types.Side, qty int64) types.OrderIntent {
	return types.OrderIntent{
		StrategyID: strategy,
		MarketID:   marketID,
		Side:       side,
		Action:     types.ActionOpen,
		Quantity:   qty,
		LimitPrice: types.MarketOrder,
	}
}

// 账户不变式: Cash + Σ持仓成本 == Allocated - Fees + Realized。
func assertInvariant(t *testing.T, e *Engine, strategyID string) {
	t.Helper()
	acct := e.accounts[strategyID]
	require.NotNil(t, acct)
	var basis int64
	for _, p := range acct.Positions {
		basis += p.BasisCents
	}
	assert.Equal(t, acct.Allocated-acct.Fees+acct.Realized, acct.Cash+basis,
		"账户不变式被破坏 strategy=%s", strategyID)
}

func TestSubmitValidationOrder(t *testing.T) {
	e, ledger := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")

	// 字段非法先于一切
	res, err := e.Submit(types.OrderIntent{StrategyID: "mr", MarketID: "MKT-A", Side: "maybe", Action: types.ActionOpen, Quantity: 1}, snap)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectBadIntent, res.Rejection.Reason)

	res, err = e.Submit(openIntent("mr", "MKT-A", types.SideYes, 0), snap)
	require.NoError(t, err)
	assert.Equal(t, RejectBadIntent, res.Rejection.Reason)

	res, err = e.Submit(openIntent("ghost", "MKT-A", types.SideYes, 1), snap)
	require.NoError(t, err)
	assert.Equal(t, RejectUnknownStrategy, res.Rejection.Reason)

	closed := snap
	closed.Status = "closed"
	res, err = e.Submit(openIntent("mr", "MKT-A", types.SideYes, 1), closed)
	require.NoError(t, err)
	assert.Equal(t, RejectNoMarket, res.Rejection.Reason)

	assert.Empty(t, ledger.fills, "拒单不得写账本")
	assertInvariant(t, e, "mr")
}

func TestMaxPerTradeRejectedBeforeMutation(t *testing.T) {
	e, ledger := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")
	snap.BestYesAsk = 10

	// 200 × 10¢ = $20 名义，超过 $10 单笔上限
	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 200), snap)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectMaxPerTrade, res.Rejection.Reason)

	view, _ := e.View("mr")
	assert.Equal(t, int64(30000), view.Cash)
	assert.Equal(t, 0, view.OpenPositions)
	assert.Empty(t, ledger.fills)
}

func TestOpenAccumulatesBasis(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")

	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 10), snap) // 10 × 45¢
	require.NoError(t, err)
	require.True(t, res.Accepted)

	snap2 := snap
	snap2.BestYesAsk = 55
	res, err = e.Submit(openIntent("mr", "MKT-A", types.SideYes, 10), snap2) // 10 × 55¢
	require.NoError(t, err)
	require.True(t, res.Accepted)

	positions := e.OpenPositions("mr")
	require.Len(t, positions, 1)
	assert.Equal(t, int64(20), positions[0].Quantity)
	assert.Equal(t, int64(1000), positions[0].BasisCents)
	assert.InDelta(t, 50.0, positions[0].AvgEntryPrice(), 1e-9)

	view, _ := e.View("mr")
	assert.Equal(t, int64(30000-1000), view.Cash)
	assertInvariant(t, e, "mr")
}

func TestPartialCloseProportionalRelease(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")

	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 10), snap) // 基础成本 450
	require.NoError(t, err)
	require.True(t, res.Accepted)

	exit := snap
	exit.BestYesBid = 50
	intent := openIntent("mr", "MKT-A", types.SideYes, 4)
	intent.Action = types.ActionClose
	res, err = e.Submit(intent, exit)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Len(t, res.Fills, 1)

	// 释放 450×4/10=180，实现 4×50−180=20
	assert.Equal(t, int64(20), res.Fills[0].RealizedPnL)

	positions := e.OpenPositions("mr")
	require.Len(t, positions, 1)
	assert.Equal(t, int64(6), positions[0].Quantity)
	assert.Equal(t, int64(270), positions[0].BasisCents)
	assertInvariant(t, e, "mr")
}

func TestFullCloseReleasesEntireBasis(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")
	snap.BestYesAsk = 33

	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 3), snap) // 基础成本 99
	require.NoError(t, err)
	require.True(t, res.Accepted)

	exit := snap
	exit.BestYesBid = 41
	intent := openIntent("mr", "MKT-A", types.SideYes, 3)
	intent.Action = types.ActionClose
	res, err = e.Submit(intent, exit)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// 整数除法不能留尾巴: 3×41−99 = 24
	assert.Equal(t, int64(24), res.Fills[0].RealizedPnL)
	assert.Empty(t, e.OpenPositions("mr"))

	view, _ := e.View("mr")
	assert.Equal(t, int64(30024), view.Cash)
	assert.Equal(t, int64(24), view.Realized)
	assertInvariant(t, e, "mr")
}

func TestCloseQuantityClampedToPosition(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")

	_, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 5), snap)
	require.NoError(t, err)

	intent := openIntent("mr", "MKT-A", types.SideYes, 50)
	intent.Action = types.ActionClose
	res, err := e.Submit(intent, snap)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, int64(5), res.Fills[0].Quantity)
	assert.Empty(t, e.OpenPositions("mr"))
	assertInvariant(t, e, "mr")
}

func TestCloseWithoutPosition(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mr")
	intent := openIntent("mr", "MKT-A", types.SideYes, 1)
	intent.Action = types.ActionClose
	res, err := e.Submit(intent, testSnap("MKT-A"))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectNoPosition, res.Rejection.Reason)
}

func TestLimitOrderNotCrossed(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A") // ask 45

	intent := openIntent("mr", "MKT-A", types.SideYes, 5)
	intent.LimitPrice = 40
	res, err := e.Submit(intent, snap)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectNotCrossed, res.Rejection.Reason)

	// 限价 ≥ 对手价则按对手价成交，不被限价填充
	intent.LimitPrice = 48
	res, err = e.Submit(intent, snap)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, int64(45), res.Fills[0].Price)
}

func TestOppositeSideOpenRequiresFlip(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")

	_, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 5), snap)
	require.NoError(t, err)

	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideNo, 5), snap)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectBadIntent, res.Rejection.Reason)
}

func TestFlipProducesTwoFills(t *testing.T) {
	e, ledger := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")

	_, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 10), snap)
	require.NoError(t, err)

	flip := openIntent("mr", "MKT-A", types.SideNo, 8)
	flip.Action = types.ActionFlip
	res, err := e.Submit(flip, snap)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Len(t, res.Fills, 2)

	assert.Equal(t, types.ActionClose, res.Fills[0].Action)
	assert.Equal(t, types.SideYes, res.Fills[0].Side)
	assert.Equal(t, int64(10), res.Fills[0].Quantity)
	assert.Equal(t, "flip", res.Fills[0].Reason)
	assert.Equal(t, types.ActionOpen, res.Fills[1].Action)
	assert.Equal(t, types.SideNo, res.Fills[1].Side)
	assert.Equal(t, int64(8), res.Fills[1].Quantity)

	positions := e.OpenPositions("mr")
	require.Len(t, positions, 1)
	assert.Equal(t, types.SideNo, positions[0].Side)
	assert.Len(t, ledger.fills, 3)
	assertInvariant(t, e, "mr")
}

func TestFlipRejectedLeavesStateUntouched(t *testing.T) {
	e, ledger := newTestEngine(t, testLimits(), "mr")
	snap := testSnap("MKT-A")

	_, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 10), snap)
	require.NoError(t, err)
	before, _ := e.View("mr")

	// 开仓腿名义 50 × 60¢ = $30，超过单笔上限 → 整笔反手不动账
	flip := openIntent("mr", "MKT-A", types.SideNo, 50)
	flip.Action = types.ActionFlip
	res, err := e.Submit(flip, snap)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectMaxPerTrade, res.Rejection.Reason)

	after, _ := e.View("mr")
	assert.Equal(t, before, after)
	positions := e.OpenPositions("mr")
	require.Len(t, positions, 1)
	assert.Equal(t, types.SideYes, positions[0].Side)
	assert.Len(t, ledger.fills, 1)
	assertInvariant(t, e, "mr")
}

func TestInsufficientCapital(t *testing.T) {
	limits := testLimits()
	limits.MaxPerTrade = 100000
	e, _ := newTestEngine(t, limits, "mr")
	snap := testSnap("MKT-A")
	snap.BestYesAsk = 90

	// 400 × 90¢ = $360 > 分到的 $300
	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 400), snap)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectInsufficientCash, res.Rejection.Reason)
}

func TestMaxConcurrentPositions(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrentPositions = 1
	e, _ := newTestEngine(t, limits, "mr")

	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 5), testSnap("MKT-A"))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	res, err = e.Submit(openIntent("mr", "MKT-B", types.SideYes, 5), testSnap("MKT-B"))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectMaxPositions, res.Rejection.Reason)

	// 已有市场加仓不占新名额
	res, err = e.Submit(openIntent("mr", "MKT-A", types.SideYes, 5), testSnap("MKT-A"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestExposureSharedAcrossStrategies(t *testing.T) {
	limits := testLimits()
	limits.MaxExposureFraction = 0.01 // 上限 $10 = 1000¢
	limits.MaxPerTrade = 2000
	e, _ := newTestEngine(t, limits, "mr", "mm")
	snap := testSnap("MKT-A")
	snap.BestYesAsk = 40

	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 20), snap) // 800¢
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// 第二个策略看到的是第一个提交之后的总敞口
	res, err = e.Submit(openIntent("mm", "MKT-B", types.SideYes, 20), testSnap("MKT-B"))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectMaxExposure, res.Rejection.Reason)
	assert.Equal(t, int64(800), e.TotalExposure())
}

func TestDailyLossHaltAndReset(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyLoss = 100
	e, _ := newTestEngine(t, limits, "mr")
	snap := testSnap("MKT-A")
	snap.BestYesAsk = 45

	_, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 10), snap)
	require.NoError(t, err)

	// 45¢ 开 10¢ 平: 亏 350¢ ≥ 上限 100¢
	exit := snap
	exit.BestYesBid = 10
	closeIntent := openIntent("mr", "MKT-A", types.SideYes, 10)
	closeIntent.Action = types.ActionClose
	res, err := e.Submit(closeIntent, exit)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	res, err = e.Submit(openIntent("mr", "MKT-B", types.SideYes, 1), testSnap("MKT-B"))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectStrategyHalted, res.Rejection.Reason)
	assert.Equal(t, map[string]bool{"mr": true}, e.HaltedForDailyLoss())

	// 日切后解除暂停
	e.ResetDaily()
	res, err = e.Submit(openIntent("mr", "MKT-B", types.SideYes, 1), testSnap("MKT-B"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assertInvariant(t, e, "mr")
}

func TestPortfolioDailyLossHaltsEveryone(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyLoss = 600
	e, _ := newTestEngine(t, limits, "mr", "mm")

	lose := func(strategyID, marketID string) {
		snap := testSnap(marketID)
		snap.BestYesAsk = 45
		_, err := e.Submit(openIntent(strategyID, marketID, types.SideYes, 10), snap)
		require.NoError(t, err)
		exit := snap
		exit.BestYesBid = 10
		intent := openIntent(strategyID, marketID, types.SideYes, 10)
		intent.Action = types.ActionClose
		res, err := e.Submit(intent, exit)
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	lose("mr", "MKT-A") // -350，未触线
	assert.False(t, e.PortfolioHalted())
	lose("mm", "MKT-B") // 合计 -700，组合触线
	assert.True(t, e.PortfolioHalted())

	res, err := e.Submit(openIntent("mr", "MKT-C", types.SideYes, 1), testSnap("MKT-C"))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	assert.Equal(t, RejectDailyLoss, res.Rejection.Reason)
	assert.Equal(t, map[string]bool{"mr": true, "mm": true}, e.HaltedForDailyLoss())
}

func TestFeesAccrueAndInvariantHolds(t *testing.T) {
	limits := testLimits()
	limits.FeePerContract = 2
	e, _ := newTestEngine(t, limits, "mr")
	snap := testSnap("MKT-A")

	res, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 10), snap)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, int64(20), res.Fills[0].Fee)

	exit := snap
	exit.BestYesBid = 50
	intent := openIntent("mr", "MKT-A", types.SideYes, 10)
	intent.Action = types.ActionClose
	res, err = e.Submit(intent, exit)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// 实现盈亏不含手续费
	assert.Equal(t, int64(50), res.Fills[0].RealizedPnL)
	view, _ := e.View("mr")
	assert.Equal(t, int64(40), view.Fees)
	assertInvariant(t, e, "mr")
}

func TestApplyAllocationsMovesCash(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mr", "mm")
	e.ApplyAllocations(map[string]int64{"mr": 40000, "mm": 20000})

	mr, _ := e.View("mr")
	mm, _ := e.View("mm")
	assert.Equal(t, int64(40000), mr.Allocated)
	assert.Equal(t, int64(40000), mr.Cash)
	assert.Equal(t, int64(20000), mm.Allocated)
	assert.Equal(t, int64(20000), mm.Cash)
	assertInvariant(t, e, "mr")
	assertInvariant(t, e, "mm")
}

func TestLedgerFailureIsFatal(t *testing.T) {
	e, ledger := newTestEngine(t, testLimits(), "mr")
	ledger.failing = true

	_, err := e.Submit(openIntent("mr", "MKT-A", types.SideYes, 5), testSnap("MKT-A"))
	require.Error(t, err)
}

func TestViewsFollowRegistrationOrder(t *testing.T) {
	e, _ := newTestEngine(t, testLimits(), "mm", "mr", "momo")
	views := e.Views()
	require.Len(t, views, 3)
	assert.Equal(t, "mm", views[0].StrategyID)
	assert.Equal(t, "mr", views[1].StrategyID)
	assert.Equal(t, "momo", views[2].StrategyID)
	assert.Equal(t, []string{"mm", "mr", "momo"}, e.StrategyIDs())
}
