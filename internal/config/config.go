package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"kalbot/internal/scheduler"
	"kalbot/internal/venue/kalshi"
)

func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path 不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败 (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":9980"
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "data"
	}
	if c.Venue.BaseURL == "" {
		if c.Venue.Sandbox {
			c.Venue.BaseURL = kalshi.SandboxBaseURL
		} else {
			c.Venue.BaseURL = kalshi.ProductionBaseURL
		}
	}
	if c.Venue.HTTPTimeoutSeconds <= 0 {
		c.Venue.HTTPTimeoutSeconds = 10
	}
	if c.Venue.MaxRetries <= 0 {
		c.Venue.MaxRetries = 3
	}
	if c.Scan.Interval == "" {
		c.Scan.Interval = "5m"
	}
	if c.Scan.MarketStatus == "" {
		c.Scan.MarketStatus = "open"
	}
	if c.Scan.MinCloseInHours <= 0 {
		c.Scan.MinCloseInHours = 1
	}
	if c.Scan.MaxMarkets <= 0 {
		c.Scan.MaxMarkets = 200
	}
	if c.Scan.PageSize <= 0 {
		c.Scan.PageSize = 100
	}
	if c.Risk.TotalCapitalUSD <= 0 {
		c.Risk.TotalCapitalUSD = 1000
	}
	if c.Risk.MaxPerTradeUSD <= 0 {
		c.Risk.MaxPerTradeUSD = 10
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		c.Risk.MaxDailyLossUSD = 50
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		c.Risk.MaxConcurrentPositions = 10
	}
	if c.Risk.MaxExposureFraction <= 0 {
		c.Risk.MaxExposureFraction = 0.5
	}
	if len(c.Strategies.Enabled) == 0 {
		c.Strategies.Enabled = []string{"mean_reversion", "momentum", "market_making"}
	}
	if c.Perf.TradesPerYear <= 0 {
		c.Perf.TradesPerYear = 2500
	}
	if c.Perf.RiskFreeRate <= 0 {
		c.Perf.RiskFreeRate = 0.05
	}
	if c.Perf.MinTradesForRanking <= 0 {
		c.Perf.MinTradesForRanking = 5
	}
	if c.Alloc.RebalanceIntervalHours <= 0 {
		c.Alloc.RebalanceIntervalHours = 24
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = c.App.DataDir + "/kalbot.db"
	}
	if c.Store.HistoryDBPath == "" {
		c.Store.HistoryDBPath = c.App.DataDir + "/history.db"
	}
}

func validate(c *Config) error {
	if _, ok := scheduler.ParseIntervalDuration(c.Scan.Interval); !ok {
		return fmt.Errorf("scan.interval 非法: %q", c.Scan.Interval)
	}
	if c.Risk.MaxExposureFraction <= 0 || c.Risk.MaxExposureFraction > 1 {
		return fmt.Errorf("risk.max_exposure_fraction 必须在 (0,1] 之间")
	}
	if c.Risk.MaxPerTradeUSD > c.Risk.TotalCapitalUSD {
		return fmt.Errorf("risk.max_per_trade_usd 不能超过总资金")
	}
	known := map[string]bool{"mean_reversion": true, "momentum": true, "market_making": true}
	for _, name := range c.Strategies.Enabled {
		if !known[name] {
			return fmt.Errorf("未知策略: %q", name)
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("telegram 已启用但 bot_token/chat_id 未配置")
		}
	}
	return nil
}
