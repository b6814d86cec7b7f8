package scheduler

import (
	"context"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewWorkerPool builds the non-blocking pool that fans retry batches out per tenant.
// A full pool rejects the task and the batch is picked up on the next tick.
func NewWorkerPool(lc fx.Lifecycle, cfg Config, log *zap.Logger) (*ants.Pool, error) {
	cfg = cfg.withDefaults()
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("scheduler worker panic", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Release()
			return nil
		},
	})
	return pool, nil
}

type poolExecutor struct {
	pool *ants.Pool
}

func (e poolExecutor) Submit(task func()) error {
	return e.pool.Submit(task)
}
