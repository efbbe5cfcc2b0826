package cmd

import (
	"context"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ledger-voting/api"
	"ledger-voting/config"
	"ledger-voting/ledger"
	"ledger-voting/service"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the voting API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := ethclient.DialContext(ctx, cfg.LedgerEndpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to ledger %s: %w", cfg.LedgerEndpoint, err)
	}
	defer client.Close()

	gateway, err := newGateway(ctx, cfg, client, log)
	if err != nil {
		return err
	}

	voting := service.NewVotingService(gateway, store, service.Options{
		LedgerTimeout:  cfg.LedgerTimeout,
		StartTolerance: cfg.StartTolerance,
		ReadRetries:    cfg.ReadRetries,
		ConfirmTimeout: cfg.ConfirmTimeout,
		ConfirmWorkers: cfg.ConfirmWorkers,
	}, log)
	voting.Start()
	defer voting.Stop()

	server := api.NewServer(voting, api.Options{
		ListenAddr:    cfg.ListenAddr,
		VoteRateLimit: cfg.VoteRateLimit,
		VoteRateBurst: cfg.VoteRateBurst,
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return <-errCh
}

func newGateway(ctx context.Context, cfg config.Config, client *ethclient.Client, log *zap.Logger) (*ledger.Gateway, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid CONTRACT_ADDRESS %q", cfg.ContractAddress)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query chain id: %w", err)
		}
		chainID = id
	}

	contractABI, err := ledger.LoadABI(cfg.ContractABIPath)
	if err != nil {
		return nil, err
	}
	operatorKey, err := ledger.ParsePrivateKey(cfg.AdminKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_KEY: %w", err)
	}
	voterKey, err := ledger.ParsePrivateKey(cfg.UserKey)
	if err != nil {
		return nil, fmt.Errorf("invalid USER_KEY: %w", err)
	}

	return ledger.NewGateway(client, ledger.Config{
		Contract:      common.HexToAddress(cfg.ContractAddress),
		ChainID:       chainID,
		OperatorKey:   operatorKey,
		VoterKey:      voterKey,
		AdminGasLimit: cfg.AdminGasLimit,
		VoteGasLimit:  cfg.VoteGasLimit,
		GasPriceGwei:  cfg.GasPriceGwei,
		ABI:           &contractABI,
	}, log.Named("ledger"))
}
