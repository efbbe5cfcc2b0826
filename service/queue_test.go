package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger-voting/apperror"
	"ledger-voting/models"
)

type fakeWaiter struct {
	results map[string]models.TxConfirmation
}

func (f *fakeWaiter) WaitMined(ctx context.Context, txID string) (models.TxConfirmation, error) {
	if c, ok := f.results[txID]; ok {
		return c, nil
	}
	<-ctx.Done()
	return models.TxConfirmation{}, apperror.Wrap(apperror.KindLedgerUnavailable, ctx.Err(), "transaction %s not mined in time", txID)
}

type reconcileRecorder struct {
	mu   sync.Mutex
	jobs []ConfirmationJob
}

func (r *reconcileRecorder) reconcile(_ context.Context, job ConfirmationJob) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return true, nil
}

func (r *reconcileRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func newTestQueue(results map[string]models.TxConfirmation) (*ConfirmationQueue, *reconcileRecorder) {
	recorder := &reconcileRecorder{}
	q := NewConfirmationQueue(&fakeWaiter{results: results}, recorder.reconcile, 2, 8, 30*time.Millisecond, zap.NewNop())
	return q, recorder
}

func waitForItems(t *testing.T, q *ConfirmationQueue, n int) []ReconciliationItem {
	t.Helper()
	require.Eventually(t, func() bool { return len(q.Items()) >= n }, time.Second, 5*time.Millisecond)
	return q.Items()
}

func TestQueueReconcilesConfirmedPendingVote(t *testing.T) {
	q, recorder := newTestQueue(map[string]models.TxConfirmation{
		"0x01": {TxID: "0x01", Block: 9, Succeeded: true},
	})
	q.Start()
	defer q.Stop()

	require.True(t, q.Enqueue(ConfirmationJob{TxID: "0x01", Operation: OpCastVote, Identity: "alice", PendingCommit: true}))

	items := waitForItems(t, q, 1)
	assert.Equal(t, OutcomeReconciled, items[0].Outcome)
	assert.Equal(t, "alice", items[0].Identity)
	assert.Equal(t, uint64(9), items[0].Block)
	assert.NotEmpty(t, items[0].ID)
	assert.Equal(t, 1, recorder.calls())
}

func TestQueueFlagsResetMinedAfterFailure(t *testing.T) {
	q, recorder := newTestQueue(map[string]models.TxConfirmation{
		"0x05": {TxID: "0x05", Block: 11, Succeeded: true},
	})
	q.Start()
	defer q.Stop()

	require.True(t, q.Enqueue(ConfirmationJob{TxID: "0x05", Operation: OpResetAll, Identity: "root", PendingCommit: true}))

	items := waitForItems(t, q, 1)
	assert.Equal(t, OutcomeInconsistentReset, items[0].Outcome)
	assert.Equal(t, OpResetAll, items[0].Operation)
	assert.Equal(t, uint64(11), items[0].Block)
	assert.Zero(t, recorder.calls())
}

func TestQueueRecordsRevertAfterAcceptance(t *testing.T) {
	q, recorder := newTestQueue(map[string]models.TxConfirmation{
		"0x02": {TxID: "0x02", Block: 3, Succeeded: false},
	})
	q.Start()
	defer q.Stop()

	q.Enqueue(ConfirmationJob{TxID: "0x02", Operation: OpCastVote, Identity: "alice", PendingCommit: true})

	items := waitForItems(t, q, 1)
	assert.Equal(t, OutcomeReverted, items[0].Outcome)
	assert.Zero(t, recorder.calls())
}

func TestQueueRecordsUnconfirmed(t *testing.T) {
	q, _ := newTestQueue(nil)
	q.Start()
	defer q.Stop()

	q.Enqueue(ConfirmationJob{TxID: "0x03", Operation: OpAddCandidate, Candidate: "Carol"})

	items := waitForItems(t, q, 1)
	assert.Equal(t, OutcomeUnconfirmed, items[0].Outcome)
	assert.Equal(t, "Carol", items[0].Candidate)
}

func TestQueueIgnoresConfirmedCommittedTransactions(t *testing.T) {
	q, recorder := newTestQueue(map[string]models.TxConfirmation{
		"0x04": {TxID: "0x04", Succeeded: true},
		"0x05": {TxID: "0x05", Succeeded: false},
	})
	q.Start()
	defer q.Stop()

	q.Enqueue(ConfirmationJob{TxID: "0x04", Operation: OpCastVote, Identity: "alice"})
	q.Enqueue(ConfirmationJob{TxID: "0x05", Operation: OpResetAll})

	items := waitForItems(t, q, 1)
	require.Len(t, items, 1)
	assert.Equal(t, "0x05", items[0].TxID)
	assert.Zero(t, recorder.calls())
}

func TestQueueEnqueueNeverBlocks(t *testing.T) {
	q := NewConfirmationQueue(&fakeWaiter{}, nil, 1, 1, time.Second, zap.NewNop())

	assert.False(t, q.Enqueue(ConfirmationJob{}))
	assert.True(t, q.Enqueue(ConfirmationJob{TxID: "0x01"}))
	assert.False(t, q.Enqueue(ConfirmationJob{TxID: "0x02"}))
}

func TestQueueStopIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(nil)
	q.Start()
	q.Enqueue(ConfirmationJob{TxID: "0x06"})
	q.Stop()
	q.Stop()
}
