package kalshi

import (
	"strings"
	"time"
)

// 注意：默认一律指向沙盒环境，生产地址仅在显式开启 live 模式时使用。
const (
	SandboxBaseURL    = "https://demo-api.kalshi.co/trade-api/v2"
	ProductionBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
)

type Config struct {
	BaseURL          string
	APIKey           string
	HTTPTimeout      time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = SandboxBaseURL
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}
