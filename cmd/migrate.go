package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/holmes89/harbor-seal/lib/config"
	"github.com/holmes89/harbor-seal/lib/repo"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(*cobra.Command, []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := repo.NewDatabase(cfg.DatabaseURL, logger, false)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
