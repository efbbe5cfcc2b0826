// Package ledger is the narrow client for the voting contract. It builds,
// signs and submits transactions and decodes call results into fixed Go
// types.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"ledger-voting/apperror"
	"ledger-voting/models"
)

// Backend is the subset of the JSON-RPC client the gateway needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	Contract      common.Address
	ChainID       *big.Int
	OperatorKey   *ecdsa.PrivateKey
	VoterKey      *ecdsa.PrivateKey
	AdminGasLimit uint64
	VoteGasLimit  uint64
	GasPriceGwei  int64
	// ABI defaults to VotingABI when empty.
	ABI          *abi.ABI
	PollInterval time.Duration
}

type Gateway struct {
	backend      Backend
	abi          abi.ABI
	contract     common.Address
	chainID      *big.Int
	gasPrice     *big.Int
	signers      map[Account]*signer
	pollInterval time.Duration
	log          *zap.Logger
}

func NewGateway(backend Backend, cfg Config, log *zap.Logger) (*Gateway, error) {
	if cfg.OperatorKey == nil || cfg.VoterKey == nil {
		return nil, errors.New("both operator and voter keys are required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}

	contractABI := cfg.ABI
	if contractABI == nil {
		parsed, err := ParseABI(VotingABI)
		if err != nil {
			return nil, err
		}
		contractABI = &parsed
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	g := &Gateway{
		backend:  backend,
		abi:      *contractABI,
		contract: cfg.Contract,
		chainID:  new(big.Int).Set(cfg.ChainID),
		gasPrice: new(big.Int).Mul(big.NewInt(cfg.GasPriceGwei), big.NewInt(params.GWei)),
		signers: map[Account]*signer{
			OperatorAccount: newSigner(cfg.OperatorKey, cfg.AdminGasLimit),
			VoterAccount:    newSigner(cfg.VoterKey, cfg.VoteGasLimit),
		},
		pollInterval: pollInterval,
		log:          log,
	}

	g.log.Info("ledger gateway ready",
		zap.String("contract", g.contract.Hex()),
		zap.String("chain_id", g.chainID.String()),
		zap.String("operator", g.Address(OperatorAccount).Hex()),
		zap.String("voter", g.Address(VoterAccount).Hex()),
	)
	return g, nil
}

// Address returns the public address of the selected signing account.
func (g *Gateway) Address(account Account) common.Address {
	return g.signers[account].address
}

// TotalVotesFor returns the tally of a candidate.
func (g *Gateway) TotalVotesFor(ctx context.Context, candidate string) (uint64, error) {
	values, err := g.call(ctx, MethodTotalVotesFor, candidate)
	if err != nil {
		return 0, err
	}
	if err := expectOutputs(MethodTotalVotesFor, values, 1); err != nil {
		return 0, err
	}
	return toUint64(MethodTotalVotesFor, values[0])
}

// CandidateExists reads the contract's candidates mapping.
func (g *Gateway) CandidateExists(ctx context.Context, candidate string) (bool, error) {
	values, err := g.call(ctx, MethodCandidates, candidate)
	if err != nil {
		return false, err
	}
	if err := expectOutputs(MethodCandidates, values, 1); err != nil {
		return false, err
	}
	exists, ok := values[0].(bool)
	if !ok {
		return false, decodeError(MethodCandidates, "bool", values[0])
	}
	return exists, nil
}

// VotingStatus returns the raw period tuple. Zero timestamps map to the
// zero time.
func (g *Gateway) VotingStatus(ctx context.Context) (models.PeriodStatus, error) {
	values, err := g.call(ctx, MethodVotingStatus)
	if err != nil {
		return models.PeriodStatus{}, err
	}
	if err := expectOutputs(MethodVotingStatus, values, 3); err != nil {
		return models.PeriodStatus{}, err
	}
	label, ok := values[0].(string)
	if !ok {
		return models.PeriodStatus{}, decodeError(MethodVotingStatus, "string", values[0])
	}
	start, err := toUnixSeconds(MethodVotingStatus, values[1])
	if err != nil {
		return models.PeriodStatus{}, err
	}
	end, err := toUnixSeconds(MethodVotingStatus, values[2])
	if err != nil {
		return models.PeriodStatus{}, err
	}
	return models.PeriodStatus{
		Label:     label,
		StartTime: unixTime(start),
		EndTime:   unixTime(end),
	}, nil
}

// AllCandidates returns every candidate with its tally, in ledger order.
func (g *Gateway) AllCandidates(ctx context.Context) ([]models.Candidate, error) {
	values, err := g.call(ctx, MethodGetAllCandidates)
	if err != nil {
		return nil, err
	}
	if err := expectOutputs(MethodGetAllCandidates, values, 2); err != nil {
		return nil, err
	}
	names, ok := values[0].([]string)
	if !ok {
		return nil, decodeError(MethodGetAllCandidates, "[]string", values[0])
	}
	votes, ok := values[1].([]*big.Int)
	if !ok {
		return nil, decodeError(MethodGetAllCandidates, "[]*big.Int", values[1])
	}
	if len(names) != len(votes) {
		return nil, apperror.New(apperror.KindEncoding,
			"%s returned %d names and %d tallies", MethodGetAllCandidates, len(names), len(votes))
	}

	candidates := make([]models.Candidate, 0, len(names))
	for i, name := range names {
		count, err := toUint64(MethodGetAllCandidates, votes[i])
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, models.Candidate{Name: name, Votes: count})
	}
	return candidates, nil
}

// SubmitVote records a vote for identity, signed by the voter account.
func (g *Gateway) SubmitVote(ctx context.Context, identity, candidate string) (string, error) {
	return g.transact(ctx, VoterAccount, MethodVoteForCandidate, identity, candidate)
}

func (g *Gateway) AddCandidate(ctx context.Context, name string) (string, error) {
	return g.transact(ctx, OperatorAccount, MethodAddCandidate, name)
}

func (g *Gateway) StartVoting(ctx context.Context, start, end time.Time) (string, error) {
	if start.Unix() < 0 || end.Unix() < 0 {
		return "", apperror.New(apperror.KindEncoding, "period timestamps must not be negative")
	}
	return g.transact(ctx, OperatorAccount, MethodStartVoting,
		new(big.Int).SetInt64(start.Unix()), new(big.Int).SetInt64(end.Unix()))
}

func (g *Gateway) ResetVoting(ctx context.Context) (string, error) {
	return g.transact(ctx, OperatorAccount, MethodResetVoting)
}

func (g *Gateway) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindEncoding, err, "failed to encode %s arguments", method)
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(method, err)
	}

	output, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: input}, nil)
	if err != nil {
		return nil, classify(method, err)
	}

	values, err := g.abi.Unpack(method, output)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindEncoding, err, "failed to decode %s result", method)
	}
	return values, nil
}

// transact submits a state-mutating call and returns the transaction hash
// once the node accepted it. It does not wait for it to be mined.
func (g *Gateway) transact(ctx context.Context, account Account, method string, args ...interface{}) (string, error) {
	s, ok := g.signers[account]
	if !ok {
		return "", apperror.New(apperror.KindEncoding, "unknown signing account %s", account)
	}

	input, err := g.abi.Pack(method, args...)
	if err != nil {
		return "", apperror.Wrap(apperror.KindEncoding, err, "failed to encode %s arguments", method)
	}
	if err := ctx.Err(); err != nil {
		return "", classify(method, err)
	}

	// Dry run from the signing account so reverts surface with their reason
	// before anything is signed.
	dryRun := ethereum.CallMsg{From: s.address, To: &g.contract, Data: input}
	if _, err := g.backend.CallContract(ctx, dryRun, nil); err != nil {
		return "", classify(method, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.nonce(ctx, g.backend)
	if err != nil {
		return "", classify(method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &g.contract,
		Gas:      s.gasLimit,
		GasPrice: g.gasPrice,
		Data:     input,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), s.key)
	if err != nil {
		return "", apperror.Wrap(apperror.KindEncoding, err, "failed to sign %s transaction", method)
	}
	txID := signed.Hash().Hex()

	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		s.forget()
		appErr := classify(method, err)
		if appErr.Kind == apperror.KindLedgerUnavailable {
			// The node may still have received it.
			appErr.TxID = txID
		}
		g.log.Warn("transaction not accepted",
			zap.String("method", method),
			zap.String("account", account.String()),
			zap.String("tx", txID),
			zap.String("kind", string(appErr.Kind)),
			zap.Error(err),
		)
		return "", appErr
	}
	s.commit(nonce)

	g.log.Info("transaction submitted",
		zap.String("method", method),
		zap.String("account", account.String()),
		zap.Uint64("nonce", nonce),
		zap.String("tx", txID),
	)
	return txID, nil
}

func expectOutputs(method string, values []interface{}, n int) error {
	if len(values) != n {
		return apperror.New(apperror.KindEncoding, "%s returned %d values, want %d", method, len(values), n)
	}
	return nil
}

func toUint64(method string, v interface{}) (uint64, error) {
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return 0, decodeError(method, "*big.Int", v)
	}
	if !n.IsUint64() {
		return 0, apperror.New(apperror.KindEncoding, "%s returned out-of-range integer %s", method, n.String())
	}
	return n.Uint64(), nil
}

// toUnixSeconds is toUint64 bounded to what time.Unix accepts.
func toUnixSeconds(method string, v interface{}) (uint64, error) {
	sec, err := toUint64(method, v)
	if err != nil {
		return 0, err
	}
	if sec > math.MaxInt64 {
		return 0, apperror.New(apperror.KindEncoding, "%s returned out-of-range timestamp %d", method, sec)
	}
	return sec, nil
}

func decodeError(method, want string, got interface{}) *apperror.Error {
	return apperror.New(apperror.KindEncoding, "%s returned %T, want %s", method, got, want)
}

func unixTime(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}
