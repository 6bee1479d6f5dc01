package model

import (
	"gorm.io/datatypes"
)

// LedgerEntryModel 账本记录：一笔成交及其现金变动。只追加，
// 永不更新或删除，是全部派生指标的事实来源。
type LedgerEntryModel struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	FillID      string `gorm:"column:fill_id;uniqueIndex"`
	StrategyID  string `gorm:"column:strategy_id;index:idx_ledger_strategy"`
	MarketID    string `gorm:"column:market_id"`
	Side        string `gorm:"column:side"`
	Action      string `gorm:"column:action"`
	Quantity    int64  `gorm:"column:quantity"`
	Price       int64  `gorm:"column:price"`
	Fee         int64  `gorm:"column:fee"`
	RealizedPnL int64  `gorm:"column:realized_pnl"`
	CashDelta   int64  `gorm:"column:cash_delta"`
	Reason      string `gorm:"column:reason"`
	Timestamp   int64  `gorm:"column:timestamp;index:idx_ledger_strategy"`
}

func (LedgerEntryModel) TableName() string { return "ledger_entries" }

// EquitySampleModel 每周期一次的权益采样，回撤计算的依据。
type EquitySampleModel struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	StrategyID string `gorm:"column:strategy_id;index:idx_equity_strategy"`
	Equity     int64  `gorm:"column:equity"`
	Timestamp  int64  `gorm:"column:timestamp;index:idx_equity_strategy"`
}

func (EquitySampleModel) TableName() string { return "equity_samples" }

// MetricsSnapshotModel 绩效快照。只追加，新快照取代旧快照。
type MetricsSnapshotModel struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	StrategyID   string         `gorm:"column:strategy_id;index"`
	AsOf         int64          `gorm:"column:as_of"`
	TotalReturn  int64          `gorm:"column:total_return"`
	Sharpe       float64        `gorm:"column:sharpe"`
	Sortino      float64        `gorm:"column:sortino"`
	MaxDrawdown  float64        `gorm:"column:max_drawdown"`
	WinRate      *float64       `gorm:"column:win_rate"` // NULL = 无已平仓交易
	ProfitFactor float64        `gorm:"column:profit_factor"`
	TradeCount   int            `gorm:"column:trade_count"`
	Expectancy   float64        `gorm:"column:expectancy"`
	Returns      datatypes.JSON `gorm:"column:returns"`
}

func (MetricsSnapshotModel) TableName() string { return "metrics_snapshots" }

// AllocationModel 各策略最近一次的资金分配。重启时先于账本重放
// 应用，保证重建出的账户与停机前一致。
type AllocationModel struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	StrategyID string `gorm:"column:strategy_id;uniqueIndex"`
	Allocated  int64  `gorm:"column:allocated"`
	UpdatedAt  int64  `gorm:"column:updated_at"`
}

func (AllocationModel) TableName() string { return "allocations" }

// DailyMetricModel 按日汇总，供排行与通知。
type DailyMetricModel struct {
	ID         int64    `gorm:"column:id;primaryKey;autoIncrement"`
	Date       string   `gorm:"column:date;uniqueIndex:idx_daily,priority:1"`
	StrategyID string   `gorm:"column:strategy_id;uniqueIndex:idx_daily,priority:2"`
	Equity     int64    `gorm:"column:equity"`
	PnL        int64    `gorm:"column:pnl"`
	Trades     int      `gorm:"column:trades"`
	WinRate    *float64 `gorm:"column:win_rate"`
	Sharpe     float64  `gorm:"column:sharpe"`
}

func (DailyMetricModel) TableName() string { return "daily_metrics" }
