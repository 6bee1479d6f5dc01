package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"kalbot/internal/logger"
)

// Page 市场列表的一页。
type Page struct {
	Markets []Snapshot
	Cursor  string
}

// Provider 行情来源（由 venue 客户端实现）。
type Provider interface {
	GetMarkets(ctx context.Context, status string, limit int, cursor string) (Page, error)
	GetOrderbook(ctx context.Context, snap Snapshot) (Snapshot, error)
}

type ScannerConfig struct {
	MarketStatus string
	MinVolume24h int64
	MinCloseIn   time.Duration // 距收盘至少剩余的时间
	MaxMarkets   int
	PageSize     int
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	if strings.TrimSpace(c.MarketStatus) == "" {
		c.MarketStatus = "open"
	}
	if c.MinCloseIn <= 0 {
		c.MinCloseIn = time.Hour
	}
	if c.MaxMarkets <= 0 {
		c.MaxMarkets = 500
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	return c
}

// Scanner 周期性扫描市场，过滤出可交易标的并维护快照缓存。
type Scanner struct {
	cfg      ScannerConfig
	provider Provider
	history  *HistoryStore

	mu    sync.RWMutex
	cache map[string]Snapshot
}

func NewScanner(provider Provider, cfg ScannerConfig, history *HistoryStore) *Scanner {
	return &Scanner{
		cfg:      cfg.withDefaults(),
		provider: provider,
		history:  history,
		cache:    make(map[string]Snapshot),
	}
}

// Scan 执行一次完整扫描：分页拉取市场、过滤、补盘口、记录价格历史。
func (s *Scanner) Scan(ctx context.Context) ([]Snapshot, error) {
	var (
		out     []Snapshot
		cursor  string
		scanned int
	)
	now := time.Now().UTC()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		page, err := s.provider.GetMarkets(ctx, s.cfg.MarketStatus, s.cfg.PageSize, cursor)
		if err != nil {
			return nil, err
		}
		for _, snap := range page.Markets {
			scanned++
			if scanned > s.cfg.MaxMarkets {
				break
			}
			if !s.passes(snap, now) {
				continue
			}
			enriched, err := s.provider.GetOrderbook(ctx, snap)
			if err != nil {
				logger.Warnf("拉取盘口失败 ticker=%s: %v", snap.Ticker, err)
				enriched = snap
			}
			out = append(out, enriched)
			s.store(enriched)
		}
		if scanned >= s.cfg.MaxMarkets || page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	logger.Infof("市场扫描完成: scanned=%d qualified=%d", scanned, len(out))
	return out, nil
}

func (s *Scanner) passes(snap Snapshot, now time.Time) bool {
	if snap.Status != s.cfg.MarketStatus {
		return false
	}
	if snap.Volume24h < s.cfg.MinVolume24h {
		return false
	}
	if snap.CloseInHours(now) < s.cfg.MinCloseIn.Hours() {
		return false
	}
	return true
}

func (s *Scanner) store(snap Snapshot) {
	s.mu.Lock()
	s.cache[snap.MarketID] = snap
	s.mu.Unlock()
	if s.history != nil {
		if mid := snap.YesMid(); mid > 0 {
			if err := s.history.Append(snap.MarketID, mid, snap.FetchedAt); err != nil {
				logger.Debugf("价格历史写入失败 market=%s: %v", snap.MarketID, err)
			}
		}
	}
}

// Get 返回缓存中的市场快照。
func (s *Scanner) Get(marketID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.cache[marketID]
	return snap, ok
}

// All 返回全部缓存快照。
func (s *Scanner) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.cache))
	for _, snap := range s.cache {
		out = append(out, snap)
	}
	return out
}

// History 返回某市场最近 n 个 YES 中间价（旧→新）。
func (s *Scanner) History(marketID string, n int) []float64 {
	if s.history == nil {
		return nil
	}
	prices, err := s.history.Recent(marketID, n)
	if err != nil {
		logger.Debugf("读取价格历史失败 market=%s: %v", marketID, err)
		return nil
	}
	return prices
}
