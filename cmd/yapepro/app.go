package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/internal/audit"
	"github.com/smallbiznis/yapepro/internal/clock"
	"github.com/smallbiznis/yapepro/internal/config"
	"github.com/smallbiznis/yapepro/internal/notification"
	"github.com/smallbiznis/yapepro/internal/observability"
	"github.com/smallbiznis/yapepro/internal/order"
	"github.com/smallbiznis/yapepro/internal/ratelimit"
	"github.com/smallbiznis/yapepro/internal/reconciliation"
	"github.com/smallbiznis/yapepro/pkg/db"
	"go.uber.org/fx"
)

const startStopTimeout = 30 * time.Second

// infrastructure is shared by every command.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
	)
}

// domainModules are the reconciliation services behind both the HTTP API and the scheduler.
func domainModules() fx.Option {
	return fx.Options(
		audit.Module,
		order.Module,
		reconciliation.Module,
		notification.Module,
		ratelimit.Module,
	)
}

func newSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

// runOnce starts app, lets its invokes and start hooks do the work, then stops it.
func runOnce(app *fx.App) error {
	startCtx, cancel := context.WithTimeout(context.Background(), startStopTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), startStopTimeout)
	defer cancelStop()
	return app.Stop(stopCtx)
}
