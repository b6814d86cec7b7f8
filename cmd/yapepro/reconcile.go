package main

import (
	"context"

	"github.com/smallbiznis/yapepro/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func reconcileCmd() *cobra.Command {
	var jobs []string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one pass of the reconciliation jobs and exit",
		Long: `Run one pass of the scheduler jobs without serving HTTP.

Jobs: retry_matching, review_expiry, notification_redelivery.

Examples:
  yapepro reconcile
  yapepro reconcile --job retry_matching`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var sched *scheduler.Scheduler
			var log *zap.Logger
			app := fx.New(
				infrastructure(),
				domainModules(),
				fx.Provide(scheduler.ProvideConfig, scheduler.NewWorkerPool, scheduler.New),
				fx.Decorate(func(cfg scheduler.Config) scheduler.Config {
					if len(jobs) > 0 {
						cfg.EnabledJobs = jobs
					}
					return cfg
				}),
				fx.Populate(&sched, &log),
			)
			if err := app.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(ctx, startStopTimeout)
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancelStop := context.WithTimeout(context.Background(), startStopTimeout)
				defer cancelStop()
				_ = app.Stop(stopCtx)
			}()

			if err := sched.RunOnce(ctx); err != nil {
				return err
			}
			log.Info("reconciliation pass finished")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&jobs, "job", nil, "restrict the pass to these jobs")

	return cmd
}
