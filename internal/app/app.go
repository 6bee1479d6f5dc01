package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"kalbot/internal/config"
	"kalbot/internal/logger"
	"kalbot/internal/market"
	"kalbot/internal/orchestrator"
	"kalbot/internal/paper"
	"kalbot/internal/perf"
	"kalbot/internal/pkg/money"
	"kalbot/internal/store/sqlite"
	"kalbot/internal/strategy"
	statushttp "kalbot/internal/transport/http"
	"kalbot/internal/venue/kalshi"
)

// App 应用级编排：加载配置→组装依赖→启动循环与状态服务。
type App struct {
	cfg      *config.Config
	client   *kalshi.Client
	history  *market.HistoryStore
	store    *sqlite.Store
	engine   *paper.Engine
	registry *strategy.Registry
	tracker  *perf.Tracker
	orch     *orchestrator.Orchestrator
	httpSrv  *statushttp.Server
}

// Run 启动主循环与 HTTP 服务，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)
	if a.httpSrv != nil {
		group.Go(func() error {
			if err := a.httpSrv.Start(ctx); err != nil {
				return fmt.Errorf("status http server error: %w", err)
			}
			return nil
		})
		logger.Infof("状态服务启动: %s", a.httpSrv.Addr())
	}
	group.Go(func() error {
		return a.orch.Run(ctx)
	})
	return group.Wait()
}

// RunOnce 只跑一轮完整周期后退出（-once 模式）。
func (a *App) RunOnce(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if _, err := a.orch.RunCycle(ctx); err != nil {
		return err
	}
	for i, m := range a.tracker.Leaderboard() {
		winRate := "-"
		if m.WinRate != nil {
			winRate = fmt.Sprintf("%.0f%%", *m.WinRate*100)
		}
		logger.Infof("排行 #%d %-16s sharpe=%.2f 胜率=%s 交易=%d 已实现=%s",
			i+1, m.StrategyID, m.Sharpe, winRate, m.TradeCount, money.FormatSignedCents(m.TotalReturn))
	}
	return nil
}

// Close 释放全部资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.Warnf("关闭价格历史库失败: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("关闭持久层失败: %v", err)
		}
	}
}

// PrintStatus 连通性与账户状态检查（-status 模式）。
func (a *App) PrintStatus(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	status, err := a.client.GetExchangeStatus(ctx)
	if err != nil {
		return fmt.Errorf("交易所状态查询失败: %w", err)
	}
	logger.InfoBlock(fmt.Sprintf("连通性检查\nvenue=%s\nexchange_active=%v trading_active=%v",
		a.cfg.Venue.BaseURL, status.ExchangeActive, status.TradingActive))

	if a.cfg.Venue.APIKey != "" {
		balance, err := a.client.GetBalance(ctx)
		if err != nil {
			logger.Warnf("余额查询失败: %v", err)
		} else {
			logger.Infof("场内余额: %s", money.FormatCents(balance))
		}
	}

	for _, v := range a.engine.Views() {
		logger.Infof("账户 %-16s 资金=%s 现金=%s 敞口=%s 持仓=%d 已实现=%s halted=%v",
			v.StrategyID, money.FormatCents(v.Allocated), money.FormatCents(v.Cash),
			money.FormatCents(v.Exposure), v.OpenPositions, money.FormatSignedCents(v.Realized), v.Halted)
	}
	return nil
}
