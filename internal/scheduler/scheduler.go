package scheduler

import (
	"context"
	"time"

	"kalbot/internal/logger"
)

// CycleScheduler 驱动周期任务：每轮任务跑完才会等待下一轮，
// 两轮永不重叠。取消信号只在轮次边界生效。
type CycleScheduler struct {
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewCycleScheduler(ctx context.Context, interval time.Duration) *CycleScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &CycleScheduler{
		Interval:       interval,
		RunImmediately: true,
		ctx:            ctx,
		nowFn:          time.Now,
	}
}

// Start 阻塞运行，直到 ctx 取消。task 返回 false 表示请求停止。
func (s *CycleScheduler) Start(task func() bool) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("CycleScheduler: interval=%s 非法，退出", s.Interval)
		return
	}

	startAt := s.nowFn().UTC()
	logger.Infof("CycleScheduler: 启动 interval=%s run_immediately=%v at=%s",
		s.Interval, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		if !task() {
			logger.Infof("CycleScheduler: 任务请求停止")
			return
		}
	}

	for {
		timer := time.NewTimer(s.Interval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("CycleScheduler: ctx done, 退出")
			return
		case <-timer.C:
		}
		if !task() {
			logger.Infof("CycleScheduler: 任务请求停止")
			return
		}
	}
}
