package backlogmetrics

import (
	"context"
	"time"

	"github.com/smallbiznis/yapepro/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("backlog.metrics",
	fx.Provide(NewPusher),
	fx.Provide(NewCollector),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, cfg config.Config, c *Collector, pusher Pusher, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backlog.metrics")

	interval := cfg.BacklogMetrics.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting backlog metrics pusher", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					if err := pushOnce(ctx, c, pusher); err != nil {
						logger.Warn("backlog metrics push failed", zap.Error(err))
					}
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func pushOnce(ctx context.Context, c *Collector, pusher Pusher) error {
	refreshCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	if err := c.Refresh(refreshCtx); err != nil {
		return err
	}
	return pusher.Push(refreshCtx, c.Registry())
}
