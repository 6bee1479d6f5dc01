package strategy

import (
	"kalbot/internal/market"
	"kalbot/internal/types"
)

// Strategy 交易策略：每轮扫描后基于市场快照产出下单意图。
// Evaluate 只负责开仓判断；持仓的退出由 CheckExit 决定。
type Strategy interface {
	ID() string
	Evaluate(snap market.Snapshot, history []float64) []types.OrderIntent
	CheckExit(pos types.Position, snap market.Snapshot) bool
}

// LookbackProvider 需要历史价格预热的策略实现该接口，
// 返回 Evaluate 所需的最小回看点数。
type LookbackProvider interface {
	Lookback() int
}
