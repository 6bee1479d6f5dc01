package statushttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kalbot/internal/logger"
	"kalbot/internal/orchestrator"
	"kalbot/internal/perf"
)

// StatusSource 运行状态来源（由 orchestrator 实现）。
type StatusSource interface {
	Status() orchestrator.Status
}

// MetricsSource 排行数据来源（由绩效跟踪器实现）。
type MetricsSource interface {
	Leaderboard() []perf.Metrics
}

// EquityLoader 权益曲线来源（由持久层实现）。
type EquityLoader interface {
	LoadEquitySamples(strategyID string) ([]int64, error)
}

// Server 提供最小化的状态 HTTP 服务：健康检查、运行状态、
// 策略排行与权益曲线页。
type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr    string
	Status  StatusSource
	Metrics MetricsSource
	Equity  EquityLoader
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Status == nil {
		return nil, errors.New("status http server requires a status source")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Status.Status())
	})
	if cfg.Metrics != nil {
		router.GET("/api/leaderboard", func(c *gin.Context) {
			c.JSON(http.StatusOK, sanitizeLeaderboard(cfg.Metrics.Leaderboard()))
		})
	}
	if cfg.Equity != nil {
		router.GET("/equity", equityPageHandler(cfg.Status, cfg.Equity))
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录接口调用，便于追踪。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d dur=%s", method, path, c.Writer.Status(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
