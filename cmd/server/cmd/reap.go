package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"bookingflow/backend/internal/repository"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Clear expired PIN reset tokens",
	Long:  `Clears PIN reset tokens past their expiry. The server runs the same job on workflow.reaper_spec; this command is for one-off runs.`,
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

		n, err := repository.NewPostgresStore(pool).PurgeExpiredResetTokens(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		logger.Info("Expired reset tokens purged", "count", n)
		return nil
	},
}
