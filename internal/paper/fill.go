package paper

import (
	"time"

	"kalbot/internal/types"
)

// RejectReason 标识下单被拒的具体原因。
type RejectReason string

const (
	RejectBadIntent        RejectReason = "BAD_INTENT"
	RejectUnknownStrategy  RejectReason = "UNKNOWN_STRATEGY"
	RejectStrategyHalted   RejectReason = "STRATEGY_HALTED"
	RejectNoMarket         RejectReason = "NO_MARKET"
	RejectNoPosition       RejectReason = "NO_POSITION"
	RejectNotCrossed       RejectReason = "NOT_CROSSED"
	RejectMaxPerTrade      RejectReason = "MAX_PER_TRADE"
	RejectInsufficientCash RejectReason = "INSUFFICIENT_CAPITAL"
	RejectMaxPositions     RejectReason = "MAX_CONCURRENT_POSITIONS"
	RejectMaxExposure      RejectReason = "MAX_EXPOSURE"
	RejectDailyLoss        RejectReason = "DAILY_LOSS"
)

// Fill 是一次模拟成交。一经生成不可变，追加进账本。
type Fill struct {
	ID          string            `json:"id"`
	StrategyID  string            `json:"strategy_id"`
	MarketID    string            `json:"market_id"`
	Side        types.Side        `json:"side"`
	Action      types.OrderAction `json:"action"`
	Quantity    int64             `json:"quantity"`
	Price       int64             `json:"price"` // 美分
	Fee         int64             `json:"fee"`
	RealizedPnL int64             `json:"realized_pnl"` // 本笔实现盈亏（不含手续费）
	CashDelta   int64             `json:"cash_delta"`
	Reason      string            `json:"reason"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Rejection 描述一次被拒的意图；所有拒单都会落日志，不会静默丢弃。
type Rejection struct {
	Reason RejectReason
	Detail string
}

// SubmitResult 提交结果：要么成交（反手会产生两笔），要么拒单。
type SubmitResult struct {
	Accepted  bool
	Fills     []Fill
	Rejection *Rejection
}

func rejected(reason RejectReason, detail string) SubmitResult {
	return SubmitResult{Rejection: &Rejection{Reason: reason, Detail: detail}}
}

// LedgerSink 账本落盘接口。Append 失败视为进程级致命错误。
type LedgerSink interface {
	Append(Fill) error
}

// FillListener 成交事件回调，供绩效跟踪消费。
type FillListener func(Fill)
