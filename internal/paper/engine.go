package paper

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kalbot/internal/logger"
	"kalbot/internal/market"
	"kalbot/internal/types"
)

// RiskLimits 全局风控参数，运行期间只读。金额一律为美分。
type RiskLimits struct {
	TotalCapital           int64
	MaxPerTrade            int64
	MaxDailyLoss           int64
	MaxConcurrentPositions int
	MaxExposureFraction    float64
	FeePerContract         int64
}

// Account 单个策略的虚拟账户。
// 不变式: Cash + Σ持仓成本 == Allocated - Fees + Realized。
type Account struct {
	StrategyID    string
	Allocated     int64
	Cash          int64
	Positions     map[string]*types.Position // marketID -> 持仓
	Realized      int64                      // 累计实现盈亏（不含手续费）
	Fees          int64
	DailyRealized int64
	Halted        bool
	HaltReason    RejectReason
}

func (a *Account) exposure() int64 {
	var sum int64
	for _, p := range a.Positions {
		sum += p.CostBasis()
	}
	return sum
}

// AccountView 对外暴露的账户快照。
type AccountView struct {
	StrategyID    string `json:"strategy_id"`
	Allocated     int64  `json:"allocated"`
	Cash          int64  `json:"cash"`
	Realized      int64  `json:"realized"`
	DailyRealized int64  `json:"daily_realized"`
	Fees          int64  `json:"fees"`
	Exposure      int64  `json:"exposure"`
	OpenPositions int    `json:"open_positions"`
	Halted        bool   `json:"halted"`
}

// Engine 纸面撮合引擎：消费交易意图、执行风控、模拟成交并记账。
// 同一周期内所有意图按注册顺序串行提交，风控读到的敞口单调更新。
type Engine struct {
	mu     sync.Mutex
	limits RiskLimits

	accounts map[string]*Account
	order    []string

	ledger LedgerSink
	onFill FillListener

	portfolioDaily  int64
	portfolioHalted bool

	now   func() time.Time
	newID func() string
}

func NewEngine(limits RiskLimits, ledger LedgerSink) *Engine {
	return &Engine{
		limits:   limits,
		accounts: make(map[string]*Account),
		ledger:   ledger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

// SetFillListener 注册成交回调（绩效跟踪用），在账本落盘后触发。
func (e *Engine) SetFillListener(fn FillListener) {
	e.mu.Lock()
	e.onFill = fn
	e.mu.Unlock()
}

// RegisterStrategy 为策略建立虚拟账户。注册顺序决定提交顺序与
// 分配平局时的优先级。
func (e *Engine) RegisterStrategy(strategyID string, allocated int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if strategyID == "" {
		return fmt.Errorf("策略 ID 不能为空")
	}
	if _, ok := e.accounts[strategyID]; ok {
		return fmt.Errorf("策略 %s 的账户已存在", strategyID)
	}
	e.accounts[strategyID] = &Account{
		StrategyID: strategyID,
		Allocated:  allocated,
		Cash:       allocated,
		Positions:  make(map[string]*types.Position),
	}
	e.order = append(e.order, strategyID)
	logger.Infof("初始化虚拟账户 strategy=%s capital=%d¢", strategyID, allocated)
	return nil
}

// Submit 提交一个交易意图。风控按固定顺序检查，第一个失败即拒单。
// 返回 error 仅在账本写入失败时非 nil，视为致命。
func (e *Engine) Submit(intent types.OrderIntent, snap market.Snapshot) (SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !intent.Side.Valid() || !intent.Action.Valid() || intent.Quantity <= 0 {
		return e.logReject(intent, rejected(RejectBadIntent, "意图字段非法")), nil
	}
	acct, ok := e.accounts[intent.StrategyID]
	if !ok {
		return e.logReject(intent, rejected(RejectUnknownStrategy, intent.StrategyID)), nil
	}
	if e.portfolioHalted {
		return e.logReject(intent, rejected(RejectDailyLoss, "组合当日亏损已达上限")), nil
	}
	if acct.Halted {
		return e.logReject(intent, rejected(RejectStrategyHalted, string(acct.HaltReason))), nil
	}
	if !snap.Tradable() {
		return e.logReject(intent, rejected(RejectNoMarket, intent.MarketID)), nil
	}

	var result SubmitResult
	switch intent.Action {
	case types.ActionOpen:
		result = e.open(acct, intent, snap)
	case types.ActionClose:
		result = e.close(acct, intent, snap, intent.Reason)
	case types.ActionFlip:
		result = e.flip(acct, intent, snap)
	}

	if !result.Accepted {
		return e.logReject(intent, result), nil
	}
	for _, f := range result.Fills {
		if err := e.ledger.Append(f); err != nil {
			return result, fmt.Errorf("账本写入失败: %w", err)
		}
	}
	if e.onFill != nil {
		for _, f := range result.Fills {
			e.onFill(f)
		}
	}
	for _, f := range result.Fills {
		logger.Infof("纸面成交 strategy=%s market=%s %s/%s qty=%d price=%d¢ pnl=%d¢",
			f.StrategyID, f.MarketID, f.Action, f.Side, f.Quantity, f.Price, f.RealizedPnL)
	}
	return result, nil
}

func (e *Engine) logReject(intent types.OrderIntent, res SubmitResult) SubmitResult {
	if res.Rejection != nil {
		logger.Warnf("拒单 strategy=%s market=%s action=%s reason=%s detail=%s",
			intent.StrategyID, intent.MarketID, intent.Action, res.Rejection.Reason, res.Rejection.Detail)
	}
	return res
}

// open 开仓或同向加仓。
func (e *Engine) open(acct *Account, intent types.OrderIntent, snap market.Snapshot) SubmitResult {
	if pos, ok := acct.Positions[intent.MarketID]; ok && pos.Open() && pos.Side != intent.Side {
		return rejected(RejectBadIntent, "已有反向持仓，反手请用 flip")
	}
	price, res := e.openPrice(intent, snap)
	if res != nil {
		return *res
	}
	if rej := e.checkOpenRisk(acct, intent.MarketID, intent.Quantity, price); rej != nil {
		return *rej
	}
	fill := e.applyOpen(acct, intent.MarketID, intent.Side, intent.Quantity, price, intent.Reason, intent.Metadata)
	return SubmitResult{Accepted: true, Fills: []Fill{fill}}
}

// openPrice 确定开仓成交价：市价吃对手价，限价要求对手价穿过限价。
func (e *Engine) openPrice(intent types.OrderIntent, snap market.Snapshot) (int64, *SubmitResult) {
	ask := snap.BestAsk(intent.Side)
	if ask <= 0 {
		r := rejected(RejectNoMarket, "无对手报价")
		return 0, &r
	}
	if intent.LimitPrice != types.MarketOrder && ask > intent.LimitPrice {
		r := rejected(RejectNotCrossed, fmt.Sprintf("ask=%d limit=%d", ask, intent.LimitPrice))
		return 0, &r
	}
	return ask, nil
}

// checkOpenRisk 依次检查单笔上限、可用资金、并发持仓数、总敞口与
// 当日亏损。返回 nil 表示放行。
func (e *Engine) checkOpenRisk(acct *Account, marketID string, qty, price int64) *SubmitResult {
	notional := qty * price
	fee := qty * e.limits.FeePerContract

	if notional > e.limits.MaxPerTrade {
		r := rejected(RejectMaxPerTrade, fmt.Sprintf("notional=%d max=%d", notional, e.limits.MaxPerTrade))
		return &r
	}
	if notional+fee > acct.Cash {
		r := rejected(RejectInsufficientCash, fmt.Sprintf("need=%d cash=%d", notional+fee, acct.Cash))
		return &r
	}
	if _, exists := acct.Positions[marketID]; !exists {
		open := len(acct.Positions)
		if open+1 > e.limits.MaxConcurrentPositions {
			r := rejected(RejectMaxPositions, fmt.Sprintf("open=%d max=%d", open, e.limits.MaxConcurrentPositions))
			return &r
		}
	}
	maxExposure := int64(e.limits.MaxExposureFraction * float64(e.limits.TotalCapital))
	if e.totalExposure()+notional > maxExposure {
		r := rejected(RejectMaxExposure, fmt.Sprintf("exposure=%d new=%d max=%d", e.totalExposure(), notional, maxExposure))
		return &r
	}
	if e.limits.MaxDailyLoss > 0 && acct.DailyRealized <= -e.limits.MaxDailyLoss {
		acct.Halted = true
		acct.HaltReason = RejectDailyLoss
		logger.Warnf("策略 %s 当日亏损达上限，暂停至下个交易日", acct.StrategyID)
		r := rejected(RejectDailyLoss, fmt.Sprintf("daily=%d max=%d", acct.DailyRealized, e.limits.MaxDailyLoss))
		return &r
	}
	return nil
}

func (e *Engine) applyOpen(acct *Account, marketID string, side types.Side, qty, price int64, reason string, meta map[string]string) Fill {
	notional := qty * price
	fee := qty * e.limits.FeePerContract

	pos, ok := acct.Positions[marketID]
	if !ok || !pos.Open() {
		pos = &types.Position{
			StrategyID: acct.StrategyID,
			MarketID:   marketID,
			Side:       side,
			OpenedAt:   e.now(),
			Metadata:   meta,
		}
		acct.Positions[marketID] = pos
	}
	pos.Quantity += qty
	pos.BasisCents += notional
	acct.Cash -= notional + fee
	acct.Fees += fee

	return Fill{
		ID:         e.newID(),
		StrategyID: acct.StrategyID,
		MarketID:   marketID,
		Side:       side,
		Action:     types.ActionOpen,
		Quantity:   qty,
		Price:      price,
		Fee:        fee,
		CashDelta:  -(notional + fee),
		Reason:     reason,
		Timestamp:  e.now(),
	}
}

// close 平仓（允许部分），按比例释放成本并实现盈亏。
func (e *Engine) close(acct *Account, intent types.OrderIntent, snap market.Snapshot, reason string) SubmitResult {
	pos, ok := acct.Positions[intent.MarketID]
	if !ok || !pos.Open() {
		return rejected(RejectNoPosition, intent.MarketID)
	}
	if intent.Side != pos.Side {
		return rejected(RejectBadIntent, "平仓方向与持仓不符")
	}
	bid := snap.BestBid(pos.Side)
	if bid <= 0 {
		return rejected(RejectNoMarket, "无对手报价")
	}
	if intent.LimitPrice != types.MarketOrder && bid < intent.LimitPrice {
		return rejected(RejectNotCrossed, fmt.Sprintf("bid=%d limit=%d", bid, intent.LimitPrice))
	}
	qty := intent.Quantity
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	fill := e.applyClose(acct, pos, qty, bid, reason)
	return SubmitResult{Accepted: true, Fills: []Fill{fill}}
}

func (e *Engine) applyClose(acct *Account, pos *types.Position, qty, price int64, reason string) Fill {
	released := pos.BasisCents * qty / pos.Quantity
	if qty == pos.Quantity {
		released = pos.BasisCents
	}
	fee := qty * e.limits.FeePerContract
	realized := qty*price - released

	acct.Cash += qty*price - fee
	acct.Fees += fee
	acct.Realized += realized
	acct.DailyRealized += realized
	e.portfolioDaily += realized

	pos.Quantity -= qty
	pos.BasisCents -= released
	if pos.Quantity == 0 {
		delete(acct.Positions, pos.MarketID)
	}

	if e.limits.MaxDailyLoss > 0 {
		if acct.DailyRealized <= -e.limits.MaxDailyLoss && !acct.Halted {
			acct.Halted = true
			acct.HaltReason = RejectDailyLoss
			logger.Warnf("策略 %s 当日亏损达上限，暂停至下个交易日", acct.StrategyID)
		}
		if e.portfolioDaily <= -e.limits.MaxDailyLoss && !e.portfolioHalted {
			e.portfolioHalted = true
			logger.Warnf("组合当日亏损达上限，全部策略暂停至下个交易日")
		}
	}

	return Fill{
		ID:          e.newID(),
		StrategyID:  acct.StrategyID,
		MarketID:    pos.MarketID,
		Side:        pos.Side,
		Action:      types.ActionClose,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		RealizedPnL: realized,
		CashDelta:   qty*price - fee,
		Reason:      reason,
		Timestamp:   e.now(),
	}
}

// flip 反手：先平掉反向持仓再开新仓，两笔账本记录。
// 两腿都校验通过才落账，保证不会留下半笔事务。
func (e *Engine) flip(acct *Account, intent types.OrderIntent, snap market.Snapshot) SubmitResult {
	pos, ok := acct.Positions[intent.MarketID]
	if !ok || !pos.Open() {
		return rejected(RejectNoPosition, intent.MarketID)
	}
	if intent.Side != pos.Side.Opposite() {
		return rejected(RejectBadIntent, "持仓方向与反手方向相同")
	}
	closePrice := snap.BestBid(pos.Side)
	openPrice, res := e.openPrice(intent, snap)
	if closePrice <= 0 {
		return rejected(RejectNoMarket, "无对手报价")
	}
	if res != nil {
		return *res
	}

	// 用平仓后的状态预演开仓风控
	closeProceeds := pos.Quantity*closePrice - pos.Quantity*e.limits.FeePerContract
	probe := &Account{
		StrategyID:    acct.StrategyID,
		Cash:          acct.Cash + closeProceeds,
		Positions:     make(map[string]*types.Position, len(acct.Positions)),
		DailyRealized: acct.DailyRealized + (pos.Quantity*closePrice - pos.BasisCents),
	}
	for id, p := range acct.Positions {
		if id == intent.MarketID {
			continue
		}
		probe.Positions[id] = p
	}
	savedExposure := pos.BasisCents
	if rej := e.checkFlipOpenRisk(probe, intent, openPrice, savedExposure); rej != nil {
		return *rej
	}

	closeFill := e.applyClose(acct, pos, pos.Quantity, closePrice, "flip")
	openFill := e.applyOpen(acct, intent.MarketID, intent.Side, intent.Quantity, openPrice, intent.Reason, intent.Metadata)
	return SubmitResult{Accepted: true, Fills: []Fill{closeFill, openFill}}
}

// checkFlipOpenRisk 与 checkOpenRisk 相同，但敞口要先扣掉即将平掉
// 的旧仓成本，且只预演不落 halt 状态。
func (e *Engine) checkFlipOpenRisk(probe *Account, intent types.OrderIntent, price, releasedExposure int64) *SubmitResult {
	notional := intent.Quantity * price
	fee := intent.Quantity * e.limits.FeePerContract

	if notional > e.limits.MaxPerTrade {
		r := rejected(RejectMaxPerTrade, fmt.Sprintf("notional=%d max=%d", notional, e.limits.MaxPerTrade))
		return &r
	}
	if notional+fee > probe.Cash {
		r := rejected(RejectInsufficientCash, fmt.Sprintf("need=%d cash=%d", notional+fee, probe.Cash))
		return &r
	}
	if len(probe.Positions)+1 > e.limits.MaxConcurrentPositions {
		r := rejected(RejectMaxPositions, fmt.Sprintf("open=%d max=%d", len(probe.Positions), e.limits.MaxConcurrentPositions))
		return &r
	}
	maxExposure := int64(e.limits.MaxExposureFraction * float64(e.limits.TotalCapital))
	if e.totalExposure()-releasedExposure+notional > maxExposure {
		r := rejected(RejectMaxExposure, "反手后总敞口超限")
		return &r
	}
	if e.limits.MaxDailyLoss > 0 && probe.DailyRealized <= -e.limits.MaxDailyLoss {
		r := rejected(RejectDailyLoss, fmt.Sprintf("daily=%d max=%d", probe.DailyRealized, e.limits.MaxDailyLoss))
		return &r
	}
	return nil
}

func (e *Engine) totalExposure() int64 {
	var sum int64
	for _, acct := range e.accounts {
		sum += acct.exposure()
	}
	return sum
}

// TotalExposure 返回全部策略开仓成本之和（美分）。
func (e *Engine) TotalExposure() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalExposure()
}

// Equity 返回策略当前权益（现金 + 持仓成本，美分）。
func (e *Engine) Equity(strategyID string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[strategyID]
	if !ok {
		return 0, false
	}
	return acct.Cash + acct.exposure(), true
}

// OpenPositions 返回策略持仓的副本。
func (e *Engine) OpenPositions(strategyID string) []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[strategyID]
	if !ok {
		return nil
	}
	out := make([]types.Position, 0, len(acct.Positions))
	for _, p := range acct.Positions {
		out = append(out, *p)
	}
	return out
}

// Views 按注册顺序返回全部账户快照。
func (e *Engine) Views() []AccountView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AccountView, 0, len(e.order))
	for _, id := range e.order {
		acct := e.accounts[id]
		out = append(out, AccountView{
			StrategyID:    acct.StrategyID,
			Allocated:     acct.Allocated,
			Cash:          acct.Cash,
			Realized:      acct.Realized,
			DailyRealized: acct.DailyRealized,
			Fees:          acct.Fees,
			Exposure:      acct.exposure(),
			OpenPositions: len(acct.Positions),
			Halted:        acct.Halted,
		})
	}
	return out
}

// View 返回单个账户快照。
func (e *Engine) View(strategyID string) (AccountView, bool) {
	for _, v := range e.Views() {
		if v.StrategyID == strategyID {
			return v, true
		}
	}
	return AccountView{}, false
}

// StrategyIDs 按注册顺序返回策略 ID。
func (e *Engine) StrategyIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// HaltedForDailyLoss 返回因当日亏损被暂停的策略集合。
func (e *Engine) HaltedForDailyLoss() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool)
	for id, acct := range e.accounts {
		if acct.Halted && acct.HaltReason == RejectDailyLoss {
			out[id] = true
		}
		if e.portfolioHalted {
			out[id] = true
		}
	}
	return out
}

// PortfolioHalted 组合级当日亏损是否触发。
func (e *Engine) PortfolioHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portfolioHalted
}

// ApplyAllocations 应用新的资金分配。差额直接进出现金，保证
// 账户不变式不被破坏。与 Submit 互斥，不会与撮合交错。
func (e *Engine) ApplyAllocations(alloc map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, newCap := range alloc {
		acct, ok := e.accounts[id]
		if !ok {
			continue
		}
		delta := newCap - acct.Allocated
		acct.Allocated = newCap
		acct.Cash += delta
		if delta != 0 {
			logger.Infof("资金再分配 strategy=%s capital=%d¢ (%+d¢)", id, newCap, delta)
		}
	}
}

// ResetDaily 交易日切换时调用：清零当日盈亏并解除亏损暂停。
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.portfolioDaily = 0
	e.portfolioHalted = false
	for _, acct := range e.accounts {
		acct.DailyRealized = 0
		if acct.Halted && acct.HaltReason == RejectDailyLoss {
			acct.Halted = false
			acct.HaltReason = ""
			logger.Infof("策略 %s 解除当日亏损暂停", acct.StrategyID)
		}
	}
}
