package types

import "time"

// Position 表示某策略在单个市场上的持仓。
// 仅由纸面撮合引擎通过成交变更；数量归零即视为已平仓并移除。
// BasisCents 是成本的权威字段，均价由它推导，避免整数均价的舍入
// 误差破坏账本重放的对账。
type Position struct {
	StrategyID string
	MarketID   string
	Side       Side
	Quantity   int64
	BasisCents int64 // 持仓总成本，美分
	OpenedAt   time.Time
	Metadata   map[string]string
}

// CostBasis 返回持仓成本（美分）。
func (p Position) CostBasis() int64 {
	return p.BasisCents
}

// AvgEntryPrice 返回每张合约的平均开仓价（美分，带小数）。
func (p Position) AvgEntryPrice() float64 {
	if p.Quantity == 0 {
		return 0
	}
	return float64(p.BasisCents) / float64(p.Quantity)
}

func (p Position) Open() bool {
	return p.Quantity > 0
}
