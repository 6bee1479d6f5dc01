package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalbot/internal/venue/kalshi"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
venue:
  sandbox: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.App.Env)
	assert.Equal(t, ":9980", cfg.App.HTTPAddr)
	assert.Equal(t, kalshi.SandboxBaseURL, cfg.Venue.BaseURL)
	assert.Equal(t, "5m", cfg.Scan.Interval)
	assert.Equal(t, 1000.0, cfg.Risk.TotalCapitalUSD)
	assert.Equal(t, 10.0, cfg.Risk.MaxPerTradeUSD)
	assert.Equal(t, 0.5, cfg.Risk.MaxExposureFraction)
	assert.Equal(t, []string{"mean_reversion", "momentum", "market_making"}, cfg.Strategies.Enabled)
	assert.Equal(t, 2500.0, cfg.Perf.TradesPerYear)
	assert.Equal(t, 24, cfg.Alloc.RebalanceIntervalHours)
	assert.Equal(t, "data/kalbot.db", cfg.Store.DBPath)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
app:
  env: prod
  log_level: debug
venue:
  sandbox: true
  api_key: key-123
scan:
  interval: 1m
  min_volume_24h: 500
risk:
  total_capital_usd: 5000
  max_per_trade_usd: 25
  max_daily_loss_usd: 100
strategies:
  enabled: [mean_reversion]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "key-123", cfg.Venue.APIKey)
	assert.Equal(t, "1m", cfg.Scan.Interval)
	assert.Equal(t, int64(500), cfg.Scan.MinVolume24h)
	assert.Equal(t, 5000.0, cfg.Risk.TotalCapitalUSD)
	assert.Equal(t, []string{"mean_reversion"}, cfg.Strategies.Enabled)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"非法扫描间隔": "scan:\n  interval: often\n",
		"敞口比例越界": "risk:\n  max_exposure_fraction: 1.5\n",
		"单笔超过总资金": "risk:\n  total_capital_usd: 100\n  max_per_trade_usd: 200\n",
		"未知策略":   "strategies:\n  enabled: [arbitrage]\n",
		"telegram 缺 token": "notify:\n  telegram:\n    enabled: true\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	_, err = Load("")
	assert.Error(t, err)
}

func TestWriteInitFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteInitFile(path))

	// 已存在的文件不覆盖
	assert.Error(t, WriteInitFile(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Venue.Sandbox)
	assert.Equal(t, kalshi.SandboxBaseURL, cfg.Venue.BaseURL)
}
