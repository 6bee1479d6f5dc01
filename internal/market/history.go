package market

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryStore 把每轮扫描得到的 YES 中间价落盘，供动量类策略回看。
type HistoryStore struct {
	mu sync.Mutex
	db *sql.DB
}

func NewHistoryStore(path string) (*HistoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS price_points (
		market_id TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		yes_mid REAL NOT NULL,
		PRIMARY KEY (market_id, observed_at)
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &HistoryStore{db: db}, nil
}

func (h *HistoryStore) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

// Append 追加一个观测点；同一时刻重复写入会被覆盖。
func (h *HistoryStore) Append(marketID string, yesMid float64, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return fmt.Errorf("history store 已关闭")
	}
	_, err := h.db.Exec(
		`INSERT INTO price_points (market_id, observed_at, yes_mid) VALUES (?, ?, ?)
		 ON CONFLICT(market_id, observed_at) DO UPDATE SET yes_mid=excluded.yes_mid`,
		marketID, at.UTC().Unix(), yesMid,
	)
	return err
}

// Recent 返回某市场最近 n 个中间价，按时间旧→新排列。
func (h *HistoryStore) Recent(marketID string, n int) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil, fmt.Errorf("history store 已关闭")
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := h.db.Query(
		`SELECT yes_mid FROM price_points WHERE market_id = ? ORDER BY observed_at DESC LIMIT ?`,
		marketID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var desc []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		desc = append(desc, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, len(desc))
	for i, v := range desc {
		out[len(desc)-1-i] = v
	}
	return out, nil
}

// Prune 删除早于 cutoff 的观测点。
func (h *HistoryStore) Prune(cutoff time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return 0, fmt.Errorf("history store 已关闭")
	}
	res, err := h.db.Exec(`DELETE FROM price_points WHERE observed_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
