package strategy

import (
	"fmt"
	"time"

	"kalbot/internal/market"
	"kalbot/internal/types"
)

// MarketMakingParams 做市策略参数（美分）。
type MarketMakingParams struct {
	MinSpread int64 `json:"min_spread"`
	SizeCents int64 `json:"size_cents"`
}

func DefaultMarketMakingParams() MarketMakingParams {
	return MarketMakingParams{MinSpread: 5, SizeCents: 500}
}

// MarketMaking 吃点差：盘口价差足够宽时买入报价便宜的一侧，
// 等价差收窄后平仓兑现。撮合是全量成交模型，限价单不会留在
// 盘口等待，所以意图按对手价直接成交而非被动挂单。
type MarketMaking struct {
	id     string
	params MarketMakingParams
}

func NewMarketMaking(id string, params MarketMakingParams) *MarketMaking {
	return &MarketMaking{id: id, params: params}
}

func (m *MarketMaking) ID() string { return m.id }

func (m *MarketMaking) SetParams(p MarketMakingParams) { m.params = p }

func (m *MarketMaking) Evaluate(snap market.Snapshot, _ []float64) []types.OrderIntent {
	if !snap.Tradable() {
		return nil
	}
	spread := snap.Spread(types.SideYes)
	if spread < m.params.MinSpread {
		return nil
	}

	// 两侧对手价取低者；同价时取 YES，保证确定性
	side := types.SideYes
	ask := snap.BestAsk(side)
	if noAsk := snap.BestAsk(types.SideNo); noAsk > 0 && (ask <= 0 || noAsk < ask) {
		side = types.SideNo
		ask = noAsk
	}
	if ask <= 0 || ask >= 100 {
		return nil
	}
	qty := m.params.SizeCents / ask
	if qty <= 0 {
		return nil
	}

	return []types.OrderIntent{{
		StrategyID: m.id,
		MarketID:   snap.MarketID,
		Side:       side,
		Action:     types.ActionOpen,
		Quantity:   qty,
		LimitPrice: ask,
		Confidence: float64(spread) / 100,
		Reason:     "capture_spread",
		Metadata:   map[string]string{"spread": fmt.Sprintf("%d", spread)},
		CreatedAt:  time.Now().UTC(),
	}}
}

// CheckExit 价差收窄到阈值以下即兑现，临近收盘强制退出。
func (m *MarketMaking) CheckExit(_ types.Position, snap market.Snapshot) bool {
	if snap.CloseInHours(time.Now().UTC()) < 1 {
		return true
	}
	return snap.Spread(types.SideYes) < m.params.MinSpread
}
