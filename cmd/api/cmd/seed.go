package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ledger-voting/registry"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Import registered identities from a seed file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		records, err := registry.LoadSeed(seedFile)
		if err != nil {
			return err
		}

		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := registry.Import(cmd.Context(), store, records)
		if err != nil {
			return err
		}
		log.Info("identities imported",
			zap.String("file", seedFile),
			zap.Int("created", result.Created),
			zap.Int("skipped", result.Skipped),
		)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "identities.seed.json", "seed file to import")
}
