// Package kalshi 封装 Kalshi 交易所的只读行情接口。
// 本系统只做纸面模拟：客户端仅拉取行情/余额/交易所状态，绝不下真实订单。
package kalshi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"kalbot/internal/logger"
	"kalbot/internal/market"
	"kalbot/internal/pkg/circuit"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnavailable 表示行情暂不可得（市场关闭、无报价、接口超时等），可在下一轮重试。
	ErrUnavailable = errors.New("market unavailable")
	// ErrConnectivity 表示重试耗尽后的连接性失败，由上层决定是否终止进程。
	ErrConnectivity = errors.New("venue connectivity failure")
)

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuit.Breaker
}

func New(cfg Config) *Client {
	final := cfg.withDefaults()
	return &Client{
		cfg:     final,
		http:    &http.Client{Timeout: final.HTTPTimeout},
		breaker: circuit.NewBreaker("kalshi", final.BreakerThreshold, final.BreakerTimeout),
	}
}

// ExchangeStatus 交易所运行状态。
type ExchangeStatus struct {
	ExchangeActive bool
	TradingActive  bool
}

func (c *Client) GetExchangeStatus(ctx context.Context) (ExchangeStatus, error) {
	body, err := c.get(ctx, "/exchange/status", nil)
	if err != nil {
		return ExchangeStatus{}, err
	}
	return ExchangeStatus{
		ExchangeActive: gjson.GetBytes(body, "exchange_active").Bool(),
		TradingActive:  gjson.GetBytes(body, "trading_active").Bool(),
	}, nil
}

// GetBalance 返回账户余额（美分）。
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/portfolio/balance", nil)
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(body, "balance").Int(), nil
}

// GetMarkets 按状态分页拉取市场列表。cursor 为空表示第一页。
func (c *Client) GetMarkets(ctx context.Context, status string, limit int, cursor string) (market.Page, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	q := url.Values{}
	q.Set("status", status)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, err := c.get(ctx, "/markets", q)
	if err != nil {
		return market.Page{}, err
	}

	now := time.Now().UTC()
	var page market.Page
	page.Cursor = gjson.GetBytes(body, "cursor").String()
	gjson.GetBytes(body, "markets").ForEach(func(_, m gjson.Result) bool {
		page.Markets = append(page.Markets, parseMarket(m, now))
		return true
	})
	return page, nil
}

// GetOrderbook 拉取单个市场的盘口，并把最优价合并进快照。
func (c *Client) GetOrderbook(ctx context.Context, snap market.Snapshot) (market.Snapshot, error) {
	body, err := c.get(ctx, "/markets/"+url.PathEscape(snap.Ticker)+"/orderbook", nil)
	if err != nil {
		return snap, err
	}
	return mergeOrderbook(snap, body), nil
}

// parseMarket 把 /markets 返回的单个条目转为快照。
// Kalshi 价格本身就是美分（1~99）；缺少盘口时先以 bid/ask 字段填充。
func parseMarket(m gjson.Result, now time.Time) market.Snapshot {
	snap := market.Snapshot{
		MarketID:     m.Get("ticker").String(),
		Ticker:       m.Get("ticker").String(),
		Title:        m.Get("title").String(),
		Status:       m.Get("status").String(),
		BestYesBid:   m.Get("yes_bid").Int(),
		BestYesAsk:   m.Get("yes_ask").Int(),
		BestNoBid:    m.Get("no_bid").Int(),
		BestNoAsk:    m.Get("no_ask").Int(),
		LastPrice:    m.Get("last_price").Int(),
		Volume24h:    m.Get("volume_24h").Int(),
		OpenInterest: m.Get("open_interest").Int(),
		FetchedAt:    now,
	}
	if id := m.Get("id").String(); id != "" {
		snap.MarketID = id
	}
	if ct := m.Get("close_time").String(); ct != "" {
		if t, err := time.Parse(time.RFC3339, ct); err == nil {
			snap.CloseTime = t
		}
	}
	// NO 侧缺失时按对偶关系补齐：no_bid = 100 - yes_ask。
	if snap.BestNoBid == 0 && snap.BestYesAsk > 0 {
		snap.BestNoBid = 100 - snap.BestYesAsk
	}
	if snap.BestNoAsk == 0 && snap.BestYesBid > 0 {
		snap.BestNoAsk = 100 - snap.BestYesBid
	}
	return snap
}

// mergeOrderbook 用盘口档位刷新快照的最优价。
// orderbook.yes / orderbook.no 均为 [price, size] 档位数组（买单）。
func mergeOrderbook(snap market.Snapshot, body []byte) market.Snapshot {
	yesBids := gjson.GetBytes(body, "orderbook.yes").Array()
	noBids := gjson.GetBytes(body, "orderbook.no").Array()

	if best := bestBidPrice(yesBids); best > 0 {
		snap.BestYesBid = best
		snap.BestNoAsk = 100 - best
	}
	if best := bestBidPrice(noBids); best > 0 {
		snap.BestNoBid = best
		snap.BestYesAsk = 100 - best
	}
	return snap
}

func bestBidPrice(levels []gjson.Result) int64 {
	var best int64
	for _, lvl := range levels {
		arr := lvl.Array()
		if len(arr) == 0 {
			continue
		}
		if p := arr[0].Int(); p > best {
			best = p
		}
	}
	return best
}

// get 执行一次带重试的 GET。重试间隔线性退避；熔断打开时立即返回 ErrUnavailable。
func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: breaker open", ErrUnavailable)
	}

	target := c.cfg.BaseURL + endpoint
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*c.cfg.RetryBackoff); err != nil {
				return nil, err
			}
		}
		body, err := c.doOnce(ctx, target)
		if err == nil {
			c.breaker.RecordSuccess()
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 404 等"暂不可得"不是连接故障，重试无意义，也不该计入熔断
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		lastErr = err
		logger.Debugf("kalshi GET %s 第 %d 次失败: %v", endpoint, attempt+1, err)
	}
	c.breaker.RecordFailure()
	return nil, fmt.Errorf("%w: GET %s: %v", ErrConnectivity, endpoint, lastErr)
}

func (c *Client) doOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: status=404", ErrUnavailable)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("kalshi status=%d", resp.StatusCode)
	}
	return body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
