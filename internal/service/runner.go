package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Ticker Tick 的执行者
type Ticker interface {
	Tick(ctx context.Context) (*TickSummary, error)
}

// Runner 定时触发调度
type Runner struct {
	scheduler Ticker
	interval  time.Duration
	logger    *zap.Logger
}

// NewRunner 创建定时调度
func NewRunner(scheduler Ticker, interval time.Duration, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
	}
}

// Run 阻塞运行直到 ctx 取消；启动时先执行一次
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Starting scheduler loop", zap.Duration("interval", r.interval))
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Scheduler loop stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if _, err := r.scheduler.Tick(ctx); err != nil {
		r.logger.Error("Scheduler tick failed", zap.Error(err))
	}
}
