package types

import "time"

// Side 表示二元合约方向（YES/NO）。
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderAction 描述意图类型：开仓、平仓或反手。
type OrderAction string

const (
	ActionOpen  OrderAction = "open"
	ActionClose OrderAction = "close"
	ActionFlip  OrderAction = "flip"
)

func (a OrderAction) Valid() bool {
	switch a {
	case ActionOpen, ActionClose, ActionFlip:
		return true
	default:
		return false
	}
}

// MarketOrder 表示市价单（无限价）。
const MarketOrder int64 = 0

// OrderIntent 是策略产出的交易意图，由纸面撮合引擎一次性消费。
// 价格一律为整数美分（1~99）；LimitPrice 为 MarketOrder 时按对手价成交。
type OrderIntent struct {
	StrategyID string
	MarketID   string
	Side       Side
	Action     OrderAction
	Quantity   int64
	LimitPrice int64
	Confidence float64
	Reason     string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Notional 返回限价意图的名义金额（美分）；市价单在成交价确定前为 0。
func (o OrderIntent) Notional() int64 {
	if o.LimitPrice <= 0 {
		return 0
	}
	return o.Quantity * o.LimitPrice
}
