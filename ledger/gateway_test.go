package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger-voting/apperror"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// fakeBackend answers contract calls by decoding the ABI input and packing
// canned outputs.
type fakeBackend struct {
	mu  sync.Mutex
	abi abi.ABI

	label      string
	start, end int64
	names      []string
	votes      []*big.Int
	rawOutput  map[string][]byte

	pendingNonce uint64
	callErr      error
	dryRunErr    error
	sendErr      error
	receiptErr   error
	// receiptErrs are returned once each, in order, before receiptErr.
	receiptErrs []error

	calls    int
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.callErr != nil {
		return nil, f.callErr
	}
	if call.From != (common.Address{}) && f.dryRunErr != nil {
		return nil, f.dryRunErr
	}

	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	if raw, ok := f.rawOutput[method.Name]; ok {
		return raw, nil
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case MethodTotalVotesFor:
		name := args[0].(string)
		for i, n := range f.names {
			if n == name {
				return method.Outputs.Pack(f.votes[i])
			}
		}
		return method.Outputs.Pack(big.NewInt(0))
	case MethodCandidates:
		name := args[0].(string)
		for _, n := range f.names {
			if n == name {
				return method.Outputs.Pack(true)
			}
		}
		return method.Outputs.Pack(false)
	case MethodVotingStatus:
		return method.Outputs.Pack(f.label, big.NewInt(f.start), big.NewInt(f.end))
	case MethodGetAllCandidates:
		return method.Outputs.Pack(f.names, f.votes)
	default:
		return nil, nil
	}
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return f.sendErr
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.receiptErrs) > 0 {
		err := f.receiptErrs[0]
		f.receiptErrs = f.receiptErrs[1:]
		return nil, err
	}
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

type nodeError struct{ msg string }

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return -32000 }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	typ, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: typ}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

type testKeys struct {
	operator *ecdsa.PrivateKey
	voter    *ecdsa.PrivateKey
}

func newTestGateway(t *testing.T) (*Gateway, *fakeBackend, testKeys) {
	t.Helper()
	operator, err := crypto.GenerateKey()
	require.NoError(t, err)
	voter, err := crypto.GenerateKey()
	require.NoError(t, err)

	parsed, err := ParseABI(VotingABI)
	require.NoError(t, err)

	backend := &fakeBackend{
		abi:      parsed,
		label:    "Active",
		start:    2000,
		end:      3000,
		names:    []string{"Alice", "Bob"},
		votes:    []*big.Int{big.NewInt(10), big.NewInt(7)},
		receipts: make(map[common.Hash]*types.Receipt),
	}

	g, err := NewGateway(backend, Config{
		Contract:      testContract,
		ChainID:       big.NewInt(1337),
		OperatorKey:   operator,
		VoterKey:      voter,
		AdminGasLimit: 100000,
		VoteGasLimit:  300000,
		GasPriceGwei:  20,
		PollInterval:  5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	return g, backend, testKeys{operator: operator, voter: voter}
}

func sender(t *testing.T, tx *types.Transaction) common.Address {
	t.Helper()
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	return from
}

func TestReadCalls(t *testing.T) {
	g, _, _ := newTestGateway(t)
	ctx := context.Background()

	tally, err := g.TotalVotesFor(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tally)

	exists, err := g.CandidateExists(ctx, "Bob")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = g.CandidateExists(ctx, "Carol")
	require.NoError(t, err)
	assert.False(t, exists)

	status, err := g.VotingStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Active", status.Label)
	assert.Equal(t, int64(2000), status.StartTime.Unix())
	assert.Equal(t, int64(3000), status.EndTime.Unix())

	candidates, err := g.AllCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "Alice", candidates[0].Name)
	assert.Equal(t, uint64(10), candidates[0].Votes)
	assert.Equal(t, "Bob", candidates[1].Name)
	assert.Equal(t, uint64(7), candidates[1].Votes)
}

func TestVotingStatusZeroTimes(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	backend.label, backend.start, backend.end = "", 0, 0

	status, err := g.VotingStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.StartTime.IsZero())
	assert.True(t, status.EndTime.IsZero())
}

func TestVotingStatusRejectsTimestampBeyondInt64(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	huge := new(big.Int).Lsh(big.NewInt(1), 63)
	packed, err := backend.abi.Methods[MethodVotingStatus].Outputs.Pack("Active", big.NewInt(2000), huge)
	require.NoError(t, err)
	backend.rawOutput = map[string][]byte{MethodVotingStatus: packed}

	_, err = g.VotingStatus(context.Background())
	assert.True(t, errors.Is(err, apperror.ErrEncoding))
}

func TestSubmitVoteUsesVoterAccount(t *testing.T) {
	g, backend, keys := newTestGateway(t)

	txID, err := g.SubmitVote(context.Background(), "alice", "Bob")
	require.NoError(t, err)

	sent := backend.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, tx.Hash().Hex(), txID)
	assert.Equal(t, crypto.PubkeyToAddress(keys.voter.PublicKey), sender(t, tx))
	assert.Equal(t, uint64(300000), tx.Gas())
	assert.Equal(t, int64(20_000_000_000), tx.GasPrice().Int64())
	assert.Equal(t, testContract, *tx.To())

	method, err := backend.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, MethodVoteForCandidate, method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"alice", "Bob"}, args)
}

func TestAdministrativeCallsUseOperatorAccount(t *testing.T) {
	g, backend, keys := newTestGateway(t)
	ctx := context.Background()

	_, err := g.AddCandidate(ctx, "Carol")
	require.NoError(t, err)
	_, err = g.StartVoting(ctx, time.Unix(5000, 0), time.Unix(6000, 0))
	require.NoError(t, err)
	_, err = g.ResetVoting(ctx)
	require.NoError(t, err)

	sent := backend.sentTxs()
	require.Len(t, sent, 3)
	operator := crypto.PubkeyToAddress(keys.operator.PublicKey)
	for i, tx := range sent {
		assert.Equal(t, operator, sender(t, tx))
		assert.Equal(t, uint64(100000), tx.Gas())
		assert.Equal(t, uint64(i), tx.Nonce())
	}

	method, err := backend.abi.MethodById(sent[1].Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, MethodStartVoting, method.Name)
	args, err := method.Inputs.Unpack(sent[1].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(5000), args[0].(*big.Int).Int64())
	assert.Equal(t, int64(6000), args[1].(*big.Int).Int64())
}

func TestConcurrentSubmissionsGetDistinctNonces(t *testing.T) {
	g, backend, _ := newTestGateway(t)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.SubmitVote(context.Background(), "voter", "Alice")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range backend.sentTxs() {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, n)
}

func TestRevertReasonFromErrorData(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	backend.dryRunErr = revertError{data: revertData(t, "Voter has already voted")}

	_, err := g.SubmitVote(context.Background(), "alice", "Bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrContractRevert))

	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, "Voter has already voted", appErr.Reason)
	assert.Empty(t, backend.sentTxs())
}

func TestRevertReasonFromMessage(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	backend.dryRunErr = errors.New("execution reverted: Voting period has ended")

	_, err := g.AddCandidate(context.Background(), "Carol")
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindContractRevert, appErr.Kind)
	assert.Equal(t, "Voting period has ended", appErr.Reason)
}

func TestNodeRejectionIsContractRevert(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	backend.sendErr = nodeError{msg: "nonce too low"}

	_, err := g.ResetVoting(context.Background())
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindContractRevert, appErr.Kind)
	assert.Equal(t, "nonce too low", appErr.Reason)
	assert.Empty(t, appErr.TxID)
}

func TestConnectionRefusedIsUnavailable(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	backend.callErr = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	_, err := g.TotalVotesFor(context.Background(), "Alice")
	assert.True(t, errors.Is(err, apperror.ErrLedgerUnavailable))
}

func TestSendTimeoutCarriesTxIDAndResetsNonce(t *testing.T) {
	g, backend, _ := newTestGateway(t)

	_, err := g.SubmitVote(context.Background(), "a", "Alice")
	require.NoError(t, err)

	backend.sendErr = context.DeadlineExceeded
	_, err = g.SubmitVote(context.Background(), "b", "Alice")
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.KindLedgerUnavailable, appErr.Kind)

	sent := backend.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[1].Hash().Hex(), appErr.TxID)
	assert.Equal(t, uint64(1), sent[1].Nonce())

	// After a failed send the node's pending nonce is authoritative again.
	backend.sendErr = nil
	_, err = g.SubmitVote(context.Background(), "c", "Alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), backend.sentTxs()[2].Nonce())
}

func TestCancelledContextNeverReachesBackend(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.SubmitVote(ctx, "alice", "Bob")
	assert.True(t, errors.Is(err, apperror.ErrLedgerUnavailable))
	assert.Equal(t, 0, backend.calls)
}

func TestMalformedOutputIsEncodingError(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	backend.rawOutput = map[string][]byte{MethodVotingStatus: {1, 2, 3}}

	_, err := g.VotingStatus(context.Background())
	assert.True(t, errors.Is(err, apperror.ErrEncoding))
}

func TestMismatchedCandidateArraysAreRejected(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	method := backend.abi.Methods[MethodGetAllCandidates]
	raw, err := method.Outputs.Pack([]string{"Alice", "Bob"}, []*big.Int{big.NewInt(1)})
	require.NoError(t, err)
	backend.rawOutput = map[string][]byte{MethodGetAllCandidates: raw}

	_, err = g.AllCandidates(context.Background())
	assert.True(t, errors.Is(err, apperror.ErrEncoding))
}

func TestOversizedTallyIsRejected(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	backend.votes = []*big.Int{huge, big.NewInt(7)}

	_, err := g.TotalVotesFor(context.Background(), "Alice")
	assert.True(t, errors.Is(err, apperror.ErrEncoding))
}

func TestWaitMined(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	txID, err := g.SubmitVote(context.Background(), "alice", "Bob")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		backend.mu.Lock()
		backend.receipts[common.HexToHash(txID)] = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(42),
		}
		backend.mu.Unlock()
	}()

	confirmation, err := g.WaitMinedWithTimeout(txID, time.Second)
	require.NoError(t, err)
	assert.True(t, confirmation.Succeeded)
	assert.Equal(t, uint64(42), confirmation.Block)
}

func TestWaitMinedSurvivesTransientPollFailure(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	hash := common.Hash{3}
	backend.receiptErrs = []error{syscall.ECONNREFUSED}

	go func() {
		time.Sleep(15 * time.Millisecond)
		backend.mu.Lock()
		backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}
		backend.mu.Unlock()
	}()

	confirmation, err := g.WaitMinedWithTimeout(hash.Hex(), time.Second)
	require.NoError(t, err)
	assert.True(t, confirmation.Succeeded)
	assert.Equal(t, uint64(9), confirmation.Block)
}

func TestWaitMinedStopsOnNodeRejection(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	backend.receiptErr = nodeError{msg: "invalid transaction hash"}

	_, err := g.WaitMinedWithTimeout(common.Hash{4}.Hex(), time.Second)
	assert.True(t, errors.Is(err, apperror.ErrContractRevert))
}

func TestWaitMinedTimesOut(t *testing.T) {
	g, _, _ := newTestGateway(t)

	_, err := g.WaitMinedWithTimeout(common.Hash{1}.Hex(), 30*time.Millisecond)
	assert.True(t, errors.Is(err, apperror.ErrLedgerUnavailable))
}

func TestWaitMinedReportsFailedReceipt(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	hash := common.Hash{2}
	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(7)}

	confirmation, err := g.WaitMinedWithTimeout(hash.Hex(), time.Second)
	require.NoError(t, err)
	assert.False(t, confirmation.Succeeded)
}

func TestParseABIRejectsMissingMethod(t *testing.T) {
	_, err := ParseABI(`[{"type":"function","name":"totalVotesFor","inputs":[{"name":"c","type":"string"}],"outputs":[{"name":"","type":"uint256"}]}]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), MethodCandidates)
}

func TestLoadABIDefault(t *testing.T) {
	parsed, err := LoadABI("")
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, MethodResetVoting)
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encoded := hexutil.Encode(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParsePrivateKey("not-hex")
	assert.Error(t, err)
}
