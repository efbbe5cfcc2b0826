package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ledger-voting/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the identities table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if !cfg.UsesDatabase() {
			return errors.New("DATABASE_URL is required for migrate")
		}
		db, err := storage.Open(cfg)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		if err := storage.AutoMigrate(db); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		log.Info("database migrated")
		return nil
	},
}
