package cmd

import (
	"github.com/spf13/cobra"

	"bookingflow/backend/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := initDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := repository.NewPostgresStore(pool).Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Schema applied", "database", cfg.DB.Name)
		return nil
	},
}
