package sqlite

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"kalbot/internal/paper"
	"kalbot/internal/perf"
	"kalbot/internal/store/model"
	"kalbot/internal/types"
)

// 盈亏比为 +Inf 时落库用的哨兵值（sqlite 不存无穷大）。
const profitFactorInf = -1

// Store 账本与绩效的持久层，同时充当撮合引擎的 LedgerSink。
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	models := []interface{}{
		&model.LedgerEntryModel{},
		&model.EquitySampleModel{},
		&model.MetricsSnapshotModel{},
		&model.AllocationModel{},
		&model.DailyMetricModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append 追加一条账本记录。实现 paper.LedgerSink。
func (s *Store) Append(f paper.Fill) error {
	rec := model.LedgerEntryModel{
		FillID:      f.ID,
		StrategyID:  f.StrategyID,
		MarketID:    f.MarketID,
		Side:        string(f.Side),
		Action:      string(f.Action),
		Quantity:    f.Quantity,
		Price:       f.Price,
		Fee:         f.Fee,
		RealizedPnL: f.RealizedPnL,
		CashDelta:   f.CashDelta,
		Reason:      f.Reason,
		Timestamp:   f.Timestamp.UTC().UnixMilli(),
	}
	return s.db.Create(&rec).Error
}

// LoadLedger 按写入顺序读出全部账本记录，供重放重建账户。
func (s *Store) LoadLedger() ([]paper.Fill, error) {
	var rows []model.LedgerEntryModel
	if err := s.db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]paper.Fill, len(rows))
	for i, r := range rows {
		out[i] = paper.Fill{
			ID:          r.FillID,
			StrategyID:  r.StrategyID,
			MarketID:    r.MarketID,
			Side:        types.Side(r.Side),
			Action:      types.OrderAction(r.Action),
			Quantity:    r.Quantity,
			Price:       r.Price,
			Fee:         r.Fee,
			RealizedPnL: r.RealizedPnL,
			CashDelta:   r.CashDelta,
			Reason:      r.Reason,
			Timestamp:   time.UnixMilli(r.Timestamp).UTC(),
		}
	}
	return out, nil
}

// SaveEquitySample 记录一次权益采样。
func (s *Store) SaveEquitySample(strategyID string, equity int64, at time.Time) error {
	rec := model.EquitySampleModel{
		StrategyID: strategyID,
		Equity:     equity,
		Timestamp:  at.UTC().UnixMilli(),
	}
	return s.db.Create(&rec).Error
}

// LoadEquitySamples 按时间序读出某策略的权益曲线。
func (s *Store) LoadEquitySamples(strategyID string) ([]int64, error) {
	var rows []model.EquitySampleModel
	if err := s.db.Where("strategy_id = ?", strategyID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.Equity
	}
	return out, nil
}

// SaveMetrics 落一份绩效快照。
func (s *Store) SaveMetrics(m perf.Metrics) error {
	pf := m.ProfitFactor
	if math.IsInf(pf, 1) {
		pf = profitFactorInf
	}
	sortino := m.Sortino
	if math.IsInf(sortino, 1) {
		sortino = profitFactorInf
	}
	returns, err := json.Marshal(m.Returns)
	if err != nil {
		return err
	}
	rec := model.MetricsSnapshotModel{
		StrategyID:   m.StrategyID,
		AsOf:         m.AsOf.UTC().UnixMilli(),
		TotalReturn:  m.TotalReturn,
		Sharpe:       m.Sharpe,
		Sortino:      sortino,
		MaxDrawdown:  m.MaxDrawdown,
		WinRate:      m.WinRate,
		ProfitFactor: pf,
		TradeCount:   m.TradeCount,
		Expectancy:   m.Expectancy,
		Returns:      datatypes.JSON(returns),
	}
	return s.db.Create(&rec).Error
}

// SaveAllocations 落一份最新的资金分配（按策略 upsert）。
func (s *Store) SaveAllocations(alloc map[string]int64, at time.Time) error {
	ts := at.UTC().UnixMilli()
	for id, cents := range alloc {
		rec := model.AllocationModel{StrategyID: id, Allocated: cents, UpdatedAt: ts}
		if err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy_id"}},
			UpdateAll: true,
		}).Create(&rec).Error; err != nil {
			return err
		}
	}
	return nil
}

// LoadAllocations 读出最近一次的资金分配；从未再分配过时返回空表。
func (s *Store) LoadAllocations() (map[string]int64, error) {
	var rows []model.AllocationModel
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.StrategyID] = r.Allocated
	}
	return out, nil
}

// UpsertDailyMetric 写入或更新当日汇总。
func (s *Store) UpsertDailyMetric(date string, m perf.Metrics) error {
	rec := model.DailyMetricModel{
		Date:       date,
		StrategyID: m.StrategyID,
		Equity:     m.Equity,
		PnL:        m.TotalReturn,
		Trades:     m.TradeCount,
		WinRate:    m.WinRate,
		Sharpe:     m.Sharpe,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}, {Name: "strategy_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}
