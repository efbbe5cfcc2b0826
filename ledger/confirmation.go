package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"ledger-voting/apperror"
	"ledger-voting/models"
)

// WaitMinedWithTimeout waits for tx to be mined within a given period of time.
func (g *Gateway) WaitMinedWithTimeout(txID string, duration time.Duration) (models.TxConfirmation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	return g.WaitMined(ctx, txID)
}

// WaitMined polls for the receipt of txID until it exists or ctx ends.
// Transport failures while polling are retried; a node that refuses the
// query ends the wait.
func (g *Gateway) WaitMined(ctx context.Context, txID string) (models.TxConfirmation, error) {
	hash := common.HexToHash(txID)
	queryTicker := time.NewTicker(g.pollInterval)
	defer queryTicker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			confirmation := models.TxConfirmation{
				TxID:      txID,
				Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
			}
			if receipt.BlockNumber != nil {
				confirmation.Block = receipt.BlockNumber.Uint64()
			}
			return confirmation, nil
		}
		switch {
		case err == nil || errors.Is(err, ethereum.NotFound):
			g.log.Debug("transaction not yet mined", zap.String("tx", txID))
		default:
			classified := classify("receipt", err)
			if !errors.Is(classified, apperror.ErrLedgerUnavailable) {
				return models.TxConfirmation{}, classified
			}
			// Transient: keep polling until ctx ends.
			g.log.Warn("receipt poll failed", zap.String("tx", txID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return models.TxConfirmation{}, apperror.Wrap(apperror.KindLedgerUnavailable, ctx.Err(),
				"transaction %s not mined in time", txID)
		case <-queryTicker.C:
		}
	}
}
