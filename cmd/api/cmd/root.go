// Package cmd holds the command line of the voting API.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ledger-voting/config"
	"ledger-voting/logger"
	"ledger-voting/storage"
)

var (
	// cfgFile is an optional config file read on top of the environment.
	cfgFile string

	// envFile is loaded into the environment before the config is read.
	envFile string
)

// rootCmd serves the API when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:          "voting-api",
	Short:        "Ledger-backed voting API",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd)
}

func loadConfig() (config.Config, *zap.Logger, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	cfg, err := config.Load(viper.New(), cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(cfg.Debug, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	log.Debug("configuration loaded", zap.String("config", cfg.DebugString()))
	return cfg, log, nil
}

// openStore picks postgres when DATABASE_URL is set and the JSON file store
// otherwise.
func openStore(cfg config.Config, log *zap.Logger) (storage.IdentityStore, error) {
	if !cfg.UsesDatabase() {
		log.Info("DATABASE_URL not set, using JSON identity store", zap.String("dir", cfg.StorageDir))
		return storage.NewJSONStore(cfg.StorageDir)
	}

	db, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := storage.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("using postgres identity store")
	return storage.NewGormStore(db), nil
}
