package strategy

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"

	"kalbot/internal/market"
	"kalbot/internal/types"
)

// MomentumParams 动量策略参数。阈值与价格均为美分。
type MomentumParams struct {
	ShortMA           int     `json:"short_ma"`
	LongMA            int     `json:"long_ma"`
	MomentumThreshold float64 `json:"momentum_threshold"`
	SizeCents         int64   `json:"size_cents"`
}

func DefaultMomentumParams() MomentumParams {
	return MomentumParams{
		ShortMA:           5,
		LongMA:            20,
		MomentumThreshold: 2,
		SizeCents:         500,
	}
}

// Momentum 均线动量：短均线上穿长均线且价格站上短均线时买 YES，
// 反向时买 NO，动量反转离场。
type Momentum struct {
	id     string
	params MomentumParams

	mu      sync.Mutex
	current map[string]float64 // 每个市场最近一次计算的动量
}

func NewMomentum(id string, params MomentumParams) *Momentum {
	return &Momentum{id: id, params: params, current: make(map[string]float64)}
}

func (m *Momentum) ID() string { return m.id }

func (m *Momentum) Lookback() int { return m.params.LongMA }

func (m *Momentum) SetParams(p MomentumParams) { m.params = p }

func (m *Momentum) Evaluate(snap market.Snapshot, history []float64) []types.OrderIntent {
	if !snap.Tradable() || len(history) < m.params.LongMA {
		return nil
	}

	shortArr := talib.Sma(history, m.params.ShortMA)
	longArr := talib.Sma(history, m.params.LongMA)
	shortMA := shortArr[len(shortArr)-1]
	longMA := longArr[len(longArr)-1]
	momentum := shortMA - longMA

	m.mu.Lock()
	m.current[snap.MarketID] = momentum
	m.mu.Unlock()

	mid := snap.YesMid()

	var side types.Side
	var reason string
	switch {
	case momentum > m.params.MomentumThreshold && mid > shortMA:
		side = types.SideYes
		reason = "upward_momentum"
	case momentum < -m.params.MomentumThreshold && mid < shortMA:
		side = types.SideNo
		reason = "downward_momentum"
	default:
		return nil
	}

	price := snap.BestAsk(side)
	if price <= 0 {
		return nil
	}
	qty := m.params.SizeCents / price
	if qty <= 0 {
		return nil
	}

	abs := momentum
	if abs < 0 {
		abs = -abs
	}
	confidence := 0.5 + abs/100
	if confidence > 0.9 {
		confidence = 0.9
	}

	return []types.OrderIntent{{
		StrategyID: m.id,
		MarketID:   snap.MarketID,
		Side:       side,
		Action:     types.ActionOpen,
		Quantity:   qty,
		LimitPrice: types.MarketOrder,
		Confidence: confidence,
		Reason:     reason,
		Metadata: map[string]string{
			"momentum": fmt.Sprintf("%.4f", momentum),
			"short_ma": fmt.Sprintf("%.2f", shortMA),
			"long_ma":  fmt.Sprintf("%.2f", longMA),
		},
		CreatedAt: time.Now().UTC(),
	}}
}

func (m *Momentum) CheckExit(pos types.Position, snap market.Snapshot) bool {
	if snap.CloseInHours(time.Now().UTC()) < 2 {
		return true
	}
	entry, err := strconv.ParseFloat(pos.Metadata["momentum"], 64)
	if err != nil {
		return false
	}
	m.mu.Lock()
	current, ok := m.current[pos.MarketID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	// 动量翻向即离场
	if entry > 0 && current < 0 {
		return true
	}
	if entry < 0 && current > 0 {
		return true
	}
	return false
}
