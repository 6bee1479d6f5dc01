package config

// Config 是 kalbot 的主配置载体。
type Config struct {
	App        AppConfig        `yaml:"app"`
	Venue      VenueConfig      `yaml:"venue"`
	Scan       ScanConfig       `yaml:"scan"`
	Risk       RiskConfig       `yaml:"risk"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Perf       PerfConfig       `yaml:"perf"`
	Alloc      AllocConfig      `yaml:"alloc"`
	Store      StoreConfig      `yaml:"store"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	LogPath  string `yaml:"log_path"`
	DataDir  string `yaml:"data_dir"`
}

// VenueConfig Kalshi 接入配置。Sandbox 为 true 时使用演示环境，
// 实盘地址需要 -live 显式确认。
type VenueConfig struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	Sandbox            bool   `yaml:"sandbox"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
	MaxRetries         int    `yaml:"max_retries"`
}

type ScanConfig struct {
	Interval        string `yaml:"interval"` // 如 "5m"
	MarketStatus    string `yaml:"market_status"`
	MinVolume24h    int64  `yaml:"min_volume_24h"`
	MinCloseInHours int    `yaml:"min_close_in_hours"`
	MaxMarkets      int    `yaml:"max_markets"`
	PageSize        int    `yaml:"page_size"`
}

// RiskConfig 全局风控。金额以美元配置，加载时换算为美分。
type RiskConfig struct {
	TotalCapitalUSD        float64 `yaml:"total_capital_usd"`
	MaxPerTradeUSD         float64 `yaml:"max_per_trade_usd"`
	MaxDailyLossUSD        float64 `yaml:"max_daily_loss_usd"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxExposureFraction    float64 `yaml:"max_exposure_fraction"`
	FeePerContractCents    int64   `yaml:"fee_per_contract_cents"`
}

type StrategiesConfig struct {
	Enabled    []string `yaml:"enabled"`
	ParamsFile string   `yaml:"params_file"`
}

type PerfConfig struct {
	TradesPerYear       float64 `yaml:"trades_per_year"`
	RiskFreeRate        float64 `yaml:"risk_free_rate"`
	MinTradesForRanking int     `yaml:"min_trades_for_ranking"`
}

type AllocConfig struct {
	SharpeWeight           float64 `yaml:"sharpe_weight"`
	WinRateWeight          float64 `yaml:"win_rate_weight"`
	ProfitFactorWeight     float64 `yaml:"profit_factor_weight"`
	PerformanceWeight      float64 `yaml:"performance_weight"`
	RiskWeight             float64 `yaml:"risk_weight"`
	DrawdownScale          float64 `yaml:"drawdown_scale"`
	MinTrades              int     `yaml:"min_trades"`
	MaxDelta               float64 `yaml:"max_delta"`
	MinWeight              float64 `yaml:"min_weight"`
	RebalanceIntervalHours int     `yaml:"rebalance_interval_hours"`
}

type StoreConfig struct {
	DBPath        string `yaml:"db_path"`
	HistoryDBPath string `yaml:"history_db_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}
