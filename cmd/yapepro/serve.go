package main

import (
	"github.com/smallbiznis/yapepro/internal/backlogmetrics"
	"github.com/smallbiznis/yapepro/internal/migration"
	"github.com/smallbiznis/yapepro/internal/scheduler"
	"github.com/smallbiznis/yapepro/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, operator API and reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			options := []fx.Option{infrastructure()}
			if !skipMigrations {
				options = append(options, migration.Module)
			}
			options = append(options,
				domainModules(),
				server.Module,
				scheduler.Module,
				backlogmetrics.Module,
			)

			app := fx.New(options...)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply schema migrations on start")

	return cmd
}
