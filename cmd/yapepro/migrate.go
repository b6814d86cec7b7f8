package main

import (
	"errors"

	"github.com/smallbiznis/yapepro/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	var rollbackSteps int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations, or roll back the latest ones",
		Long: `Apply schema migrations and exit.

Postgres runs the embedded SQL migrations. SQLite and MySQL are migrated
from the gorm models and do not support --rollback.

Examples:
  yapepro migrate
  yapepro migrate --rollback 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rollbackSteps < 0 {
				return errors.New("--rollback must be positive")
			}

			app := fx.New(
				infrastructure(),
				fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
					if rollbackSteps == 0 {
						if err := migration.Apply(conn); err != nil {
							return err
						}
						log.Info("schema migrated", zap.String("dialect", conn.Dialector.Name()))
						return nil
					}
					if conn.Dialector.Name() != "postgres" {
						return errors.New("rollback is only supported on postgres")
					}
					sqlDB, err := conn.DB()
					if err != nil {
						return err
					}
					if err := migration.Rollback(sqlDB, rollbackSteps); err != nil {
						return err
					}
					log.Info("schema rolled back", zap.Int("steps", rollbackSteps))
					return nil
				}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			return runOnce(app)
		},
	}

	cmd.Flags().IntVar(&rollbackSteps, "rollback", 0, "number of migration steps to roll back")

	return cmd
}
