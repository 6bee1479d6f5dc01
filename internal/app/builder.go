package app

import (
	"fmt"
	"time"

	"kalbot/internal/alloc"
	kbcfg "kalbot/internal/config"
	"kalbot/internal/logger"
	"kalbot/internal/market"
	"kalbot/internal/notify"
	"kalbot/internal/orchestrator"
	"kalbot/internal/paper"
	"kalbot/internal/perf"
	"kalbot/internal/pkg/money"
	"kalbot/internal/scheduler"
	"kalbot/internal/store/sqlite"
	"kalbot/internal/strategy"
	statushttp "kalbot/internal/transport/http"
	"kalbot/internal/venue/kalshi"
)

// Build 按配置组装全部依赖（不启动）。
func Build(cfg *kbcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	client := kalshi.New(kalshi.Config{
		BaseURL:     cfg.Venue.BaseURL,
		APIKey:      cfg.Venue.APIKey,
		HTTPTimeout: time.Duration(cfg.Venue.HTTPTimeoutSeconds) * time.Second,
		MaxRetries:  cfg.Venue.MaxRetries,
	})

	history, err := market.NewHistoryStore(cfg.Store.HistoryDBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化价格历史库失败: %w", err)
	}
	scanner := market.NewScanner(client, market.ScannerConfig{
		MarketStatus: cfg.Scan.MarketStatus,
		MinVolume24h: cfg.Scan.MinVolume24h,
		MinCloseIn:   time.Duration(cfg.Scan.MinCloseInHours) * time.Hour,
		MaxMarkets:   cfg.Scan.MaxMarkets,
		PageSize:     cfg.Scan.PageSize,
	}, history)

	st, err := sqlite.NewStore(cfg.Store.DBPath)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("初始化持久层失败: %w", err)
	}

	totalCapital := money.DollarsToCents(cfg.Risk.TotalCapitalUSD)
	engine := paper.NewEngine(paper.RiskLimits{
		TotalCapital:           totalCapital,
		MaxPerTrade:            money.DollarsToCents(cfg.Risk.MaxPerTradeUSD),
		MaxDailyLoss:           money.DollarsToCents(cfg.Risk.MaxDailyLossUSD),
		MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
		MaxExposureFraction:    cfg.Risk.MaxExposureFraction,
		FeePerContract:         cfg.Risk.FeePerContractCents,
	}, st)

	registry, err := buildStrategies(cfg)
	if err != nil {
		history.Close()
		st.Close()
		return nil, err
	}

	tracker := perf.NewTracker(perf.Config{
		TradesPerYear:       cfg.Perf.TradesPerYear,
		RiskFreeRate:        cfg.Perf.RiskFreeRate,
		MinTradesForRanking: cfg.Perf.MinTradesForRanking,
	})
	engine.SetFillListener(tracker.Record)

	// 初始资金均分
	ids := registry.IDs()
	perStrategy := totalCapital / int64(len(ids))
	for _, id := range ids {
		if err := engine.RegisterStrategy(id, perStrategy); err != nil {
			history.Close()
			st.Close()
			return nil, err
		}
		tracker.Register(id, perStrategy)
	}

	// 先恢复停机前的资金分配，再重放账本；顺序不能反，否则
	// 重建出的 Allocated/Cash 与停机前不一致
	allocs, err := st.LoadAllocations()
	if err != nil {
		history.Close()
		st.Close()
		return nil, fmt.Errorf("读取资金分配失败: %w", err)
	}
	if len(allocs) > 0 {
		engine.ApplyAllocations(allocs)
	}

	// 重放账本恢复账户与指标
	fills, err := st.LoadLedger()
	if err != nil {
		history.Close()
		st.Close()
		return nil, fmt.Errorf("读取账本失败: %w", err)
	}
	if len(fills) > 0 {
		if err := engine.Replay(fills); err != nil {
			history.Close()
			st.Close()
			return nil, fmt.Errorf("账本重放失败: %w", err)
		}
		for _, f := range fills {
			tracker.Record(f)
		}
		for _, id := range ids {
			samples, err := st.LoadEquitySamples(id)
			if err != nil {
				logger.Warnf("读取权益曲线失败 strategy=%s: %v", id, err)
				continue
			}
			for _, v := range samples {
				tracker.SampleEquity(id, v)
			}
		}
	}

	allocator := alloc.NewAllocator(alloc.Config{
		SharpeWeight:       cfg.Alloc.SharpeWeight,
		WinRateWeight:      cfg.Alloc.WinRateWeight,
		ProfitFactorWeight: cfg.Alloc.ProfitFactorWeight,
		PerformanceWeight:  cfg.Alloc.PerformanceWeight,
		RiskWeight:         cfg.Alloc.RiskWeight,
		DrawdownScale:      cfg.Alloc.DrawdownScale,
		MinTrades:          cfg.Alloc.MinTrades,
		MaxDelta:           cfg.Alloc.MaxDelta,
		MinWeight:          cfg.Alloc.MinWeight,
		RebalanceInterval:  time.Duration(cfg.Alloc.RebalanceIntervalHours) * time.Hour,
	})

	var notifier notify.TextNotifier = notify.Noop{}
	if cfg.Notify.Telegram.Enabled {
		notifier = notify.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	scanInterval, _ := scheduler.ParseIntervalDuration(cfg.Scan.Interval)
	orch := orchestrator.New(orchestrator.Config{
		ScanInterval: scanInterval,
		TotalCapital: totalCapital,
	}, scanner, registry, engine, tracker, allocator, st, notifier)
	orch.SetHistoryPruner(history)

	httpSrv, err := statushttp.NewServer(statushttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Status:  orch,
		Metrics: tracker,
		Equity:  st,
	})
	if err != nil {
		history.Close()
		st.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		client:   client,
		history:  history,
		store:    st,
		engine:   engine,
		registry: registry,
		tracker:  tracker,
		orch:     orch,
		httpSrv:  httpSrv,
	}, nil
}

// buildStrategies 按配置实例化启用的策略并加载参数文件。
func buildStrategies(cfg *kbcfg.Config) (*strategy.Registry, error) {
	registry := strategy.NewRegistry()
	for _, name := range cfg.Strategies.Enabled {
		var s strategy.Strategy
		switch name {
		case "mean_reversion":
			s = strategy.NewMeanReversion(name, strategy.DefaultMeanReversionParams())
		case "momentum":
			s = strategy.NewMomentum(name, strategy.DefaultMomentumParams())
		case "market_making":
			s = strategy.NewMarketMaking(name, strategy.DefaultMarketMakingParams())
		default:
			return nil, fmt.Errorf("未知策略: %q", name)
		}
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}
	if cfg.Strategies.ParamsFile != "" {
		if err := registry.Watch(cfg.Strategies.ParamsFile); err != nil {
			return nil, err
		}
		registry.ApplyPending()
	}
	return registry, nil
}
