package strategy

import (
	"fmt"
	"time"

	"kalbot/internal/market"
	"kalbot/internal/types"
)

// MeanReversionParams 极端价格回归策略参数（价格单位：美分）。
type MeanReversionParams struct {
	ExtremeThreshold int64 `json:"extreme_threshold"`
	MinThreshold     int64 `json:"min_threshold"`
	ExitTarget       int64 `json:"exit_target"`
	BaseSizeCents    int64 `json:"base_size_cents"`
	MaxSizeCents     int64 `json:"max_size_cents"`
}

func DefaultMeanReversionParams() MeanReversionParams {
	return MeanReversionParams{
		ExtremeThreshold: 95,
		MinThreshold:     5,
		ExitTarget:       50,
		BaseSizeCents:    500,
		MaxSizeCents:     1000,
	}
}

// MeanReversion 做极端价格的反向：YES 价格打到 95¢ 以上买 NO，
// 5¢ 以下买 YES，等价格向 50¢ 回归后平仓。
type MeanReversion struct {
	id     string
	params MeanReversionParams
}

func NewMeanReversion(id string, params MeanReversionParams) *MeanReversion {
	return &MeanReversion{id: id, params: params}
}

func (m *MeanReversion) ID() string { return m.id }

func (m *MeanReversion) SetParams(p MeanReversionParams) { m.params = p }

func (m *MeanReversion) Evaluate(snap market.Snapshot, _ []float64) []types.OrderIntent {
	if !snap.Tradable() {
		return nil
	}
	mid := int64(snap.YesMid())

	var side types.Side
	var reason string
	switch {
	case mid >= m.params.ExtremeThreshold:
		side = types.SideNo
		reason = "extreme_yes_price"
	case mid <= m.params.MinThreshold:
		side = types.SideYes
		reason = "extreme_no_price"
	default:
		return nil
	}

	price := snap.BestAsk(side)
	if price <= 0 {
		return nil
	}
	qty := m.sizeContracts(mid, price)
	if qty <= 0 {
		return nil
	}

	dist := mid - 50
	if dist < 0 {
		dist = -dist
	}
	confidence := float64(50+dist) / 100
	if confidence > 0.95 {
		confidence = 0.95
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
		Metadata:   map[string]string{"yes_mid": fmt.Sprintf("%d", mid)},
		CreatedAt:  time.Now().UTC(),
	}}
}

// sizeContracts 越极端仓位越大：1x 到 2x 基础仓位。
func (m *MeanReversion) sizeContracts(mid, price int64) int64 {
	dist := mid - 50
	if dist < 0 {
		dist = -dist
	}
	sizeCents := m.params.BaseSizeCents + m.params.BaseSizeCents*dist/50
	if sizeCents > m.params.MaxSizeCents {
		sizeCents = m.params.MaxSizeCents
	}
	return sizeCents / price
}

func (m *MeanReversion) CheckExit(pos types.Position, snap market.Snapshot) bool {
	mid := int64(snap.YesMid())
	if mid <= 0 {
		return false
	}
	// NO 仓是在 YES 高位开的，回落到目标价即离场；YES 仓反之。
	if pos.Side == types.SideNo && mid <= m.params.ExitTarget {
		return true
	}
	if pos.Side == types.SideYes && mid >= m.params.ExitTarget {
		return true
	}
	return snap.CloseInHours(time.Now().UTC()) < 1
}
