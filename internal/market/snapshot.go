package market

import (
	"time"

	"kalbot/internal/types"
)

// Snapshot 是一次行情采样：盘口最优价 + 市场元信息。
// 价格单位为美分（1~99），0 表示该档位无报价。
type Snapshot struct {
	MarketID     string
	Ticker       string
	Title        string
	Status       string
	BestYesBid   int64
	BestYesAsk   int64
	BestNoBid    int64
	BestNoAsk    int64
	LastPrice    int64
	Volume24h    int64
	OpenInterest int64
	CloseTime    time.Time
	FetchedAt    time.Time
}

// Tradable 判断该快照是否可用于撮合：市场开放且双边有报价。
func (s Snapshot) Tradable() bool {
	if s.Status != "open" {
		return false
	}
	return validPrice(s.BestYesBid) && validPrice(s.BestYesAsk) &&
		validPrice(s.BestNoBid) && validPrice(s.BestNoAsk)
}

// BestAsk 返回指定方向的对手卖价（开仓成交价）。
func (s Snapshot) BestAsk(side types.Side) int64 {
	if side == types.SideYes {
		return s.BestYesAsk
	}
	return s.BestNoAsk
}

// BestBid 返回指定方向的买价（平仓成交价）。
func (s Snapshot) BestBid(side types.Side) int64 {
	if side == types.SideYes {
		return s.BestYesBid
	}
	return s.BestNoBid
}

// YesMid 返回 YES 中间价（美分），无报价时返回 0。
func (s Snapshot) YesMid() float64 {
	if s.BestYesBid <= 0 || s.BestYesAsk <= 0 {
		return 0
	}
	return float64(s.BestYesBid+s.BestYesAsk) / 2
}

// Spread 返回指定方向的买卖价差（美分）。
func (s Snapshot) Spread(side types.Side) int64 {
	return s.BestAsk(side) - s.BestBid(side)
}

// CloseInHours 距离市场关闭的小时数；未知关闭时间时返回一个大值。
func (s Snapshot) CloseInHours(now time.Time) float64 {
	if s.CloseTime.IsZero() {
		return 9999
	}
	h := s.CloseTime.Sub(now).Hours()
	if h < 0 {
		return 0
	}
	return h
}

func validPrice(p int64) bool {
	return p >= 1 && p <= 99
}
