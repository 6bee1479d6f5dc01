package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"kalbot/internal/app"
	kbcfg "kalbot/internal/config"
	"kalbot/internal/logger"
	"kalbot/internal/venue/kalshi"
)

func main() {
	var (
		cfgPath    = flag.String("config", "configs/config.yaml", "配置文件路径")
		initConfig = flag.Bool("init-config", false, "生成默认配置文件后退出")
		once       = flag.Bool("once", false, "只跑一轮周期后退出")
		status     = flag.Bool("status", false, "检查连通性与账户状态后退出")
		live       = flag.Bool("live", false, "连接生产环境（默认沙箱，需要确认）")
		yes        = flag.Bool("yes", false, "跳过 -live 的交互确认")
	)
	flag.Parse()

	if *initConfig {
		if err := kbcfg.WriteInitFile(*cfgPath); err != nil {
			log.Fatalf("生成配置失败: %v", err)
		}
		fmt.Printf("已生成配置: %s\n", *cfgPath)
		return
	}

	cfg, err := kbcfg.Load(*cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}

	// 本程序只做纸面模拟，但 -live 会连接生产行情，仍要求显式确认
	if *live {
		cfg.Venue.Sandbox = false
		cfg.Venue.BaseURL = kalshi.ProductionBaseURL
		if !*yes && !confirmLive() {
			fmt.Println("已取消")
			return
		}
	} else if cfg.Venue.BaseURL == kalshi.ProductionBaseURL {
		log.Fatalf("配置指向生产环境，请用 -live 显式确认")
	}

	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，venue=%s）", cfg.App.Env, cfg.Venue.BaseURL)

	a, err := app.Build(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *status:
		err = a.PrintStatus(ctx)
	case *once:
		err = a.RunOnce(ctx)
	default:
		err = a.Run(ctx)
	}
	if err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

// confirmLive 交互确认连接生产环境。
func confirmLive() bool {
	fmt.Print("即将连接生产环境行情，输入 yes 确认: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(strings.ToLower(line)) == "yes"
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
