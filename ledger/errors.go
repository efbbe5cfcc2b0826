package ledger

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"ledger-voting/apperror"
)

const revertMarker = "execution reverted"

// classify maps a backend error to the service taxonomy: explicit
// rejections become ContractRevert, transport problems LedgerUnavailable.
func classify(method string, err error) *apperror.Error {
	if appErr, ok := apperror.As(err); ok {
		return appErr
	}
	if reason, ok := revertReason(err); ok {
		return apperror.Revert(reason, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.Wrap(apperror.KindLedgerUnavailable, err, "ledger did not answer %s in time", method)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperror.Wrap(apperror.KindLedgerUnavailable, err, "ledger unreachable during %s", method)
	}
	// A JSON-RPC error object means the node answered and refused.
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return apperror.Revert(rpcErr.Error(), err)
	}
	return apperror.Wrap(apperror.KindLedgerUnavailable, err, "ledger call %s failed", method)
}

// revertReason extracts the Error(string) payload of a revert. The second
// result reports whether err is a revert at all.
func revertReason(err error) (string, bool) {
	msg := err.Error()
	isRevert := strings.Contains(msg, revertMarker)

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
				isRevert = true
			}
		}
	}
	if !isRevert {
		return "", false
	}

	i := strings.Index(msg, revertMarker)
	if i < 0 {
		return "", true
	}
	reason := strings.TrimSpace(msg[i+len(revertMarker):])
	reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
	return reason, true
}
