package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"ledger-voting/models"
)

const (
	OutcomeReconciled  = "reconciled"
	OutcomeReverted    = "reverted"
	OutcomeUnconfirmed = "unconfirmed"
	OutcomeFailed      = "failed"
	// OutcomeInconsistentReset marks a reset that was mined after its
	// request failed, leaving local vote flags set.
	OutcomeInconsistentReset = "inconsistent_reset"

	reconciliationTTL = 24 * time.Hour
)

// TxWaiter blocks until a transaction is mined or ctx ends.
type TxWaiter interface {
	WaitMined(ctx context.Context, txID string) (models.TxConfirmation, error)
}

// ConfirmationJob is one accepted transaction to follow up on.
type ConfirmationJob struct {
	TxID      string
	Operation string
	Identity  string
	Candidate string
	// PendingCommit marks a transaction whose local effect was not applied
	// when the request finished: a vote flag not set, or flags not cleared
	// after a reset.
	PendingCommit bool
	// Generation is the reset generation the job was created in.
	Generation uint64
	EnqueuedAt time.Time
}

// ReconciliationItem records a transaction whose mined outcome needed
// attention or changed local state.
type ReconciliationItem struct {
	ID         string    `json:"id"`
	TxID       string    `json:"tx_id"`
	Operation  string    `json:"operation"`
	Identity   string    `json:"identity,omitempty"`
	Candidate  string    `json:"candidate,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Block      uint64    `json:"block,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ReconcileFunc applies a confirmed pending vote to local state and
// reports whether anything changed.
type ReconcileFunc func(ctx context.Context, job ConfirmationJob) (bool, error)

// ConfirmationQueue follows submitted transactions until they are mined.
// Enqueue never blocks a request: when the queue is full the job is
// dropped with a warning.
type ConfirmationQueue struct {
	waiter    TxWaiter
	reconcile ReconcileFunc
	timeout   time.Duration
	workers   int

	jobs  chan ConfirmationJob
	items *cache.Cache

	ctx          context.Context
	cancel       context.CancelFunc
	processingWg sync.WaitGroup
	startOnce    sync.Once
	stopOnce     sync.Once

	log *zap.Logger
}

func NewConfirmationQueue(waiter TxWaiter, reconcile ReconcileFunc, workers, queueSize int, timeout time.Duration, log *zap.Logger) *ConfirmationQueue {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConfirmationQueue{
		waiter:    waiter,
		reconcile: reconcile,
		timeout:   timeout,
		workers:   workers,
		jobs:      make(chan ConfirmationJob, queueSize),
		items:     cache.New(reconciliationTTL, time.Hour),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
}

// Start launches the workers.
func (q *ConfirmationQueue) Start() {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.processingWg.Add(1)
			go q.worker()
		}
	})
}

// Stop cancels in-flight waits and waits for the workers to exit.
func (q *ConfirmationQueue) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.processingWg.Wait()
	})
}

// Enqueue reports whether the job was queued.
func (q *ConfirmationQueue) Enqueue(job ConfirmationJob) bool {
	if job.TxID == "" {
		return false
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	select {
	case q.jobs <- job:
		return true
	default:
		// Queue is full, log but don't block
		q.log.Warn("confirmation queue is full, job dropped",
			zap.String("tx", job.TxID),
			zap.String("operation", job.Operation),
			zap.Bool("pending_commit", job.PendingCommit),
		)
		return false
	}
}

// Items returns the recorded reconciliation items, oldest first.
func (q *ConfirmationQueue) Items() []ReconciliationItem {
	cached := q.items.Items()
	items := make([]ReconciliationItem, 0, len(cached))
	for _, entry := range cached {
		if item, ok := entry.Object.(ReconciliationItem); ok {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RecordedAt.Before(items[j].RecordedAt) })
	return items
}

func (q *ConfirmationQueue) worker() {
	defer q.processingWg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.process(job)
		}
	}
}

func (q *ConfirmationQueue) process(job ConfirmationJob) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	log := q.log.With(zap.String("tx", job.TxID), zap.String("operation", job.Operation))

	confirmation, err := q.waiter.WaitMined(ctx, job.TxID)
	if err != nil {
		log.Warn("transaction not confirmed", zap.Error(err))
		q.record(job, OutcomeUnconfirmed, err.Error(), 0)
		return
	}
	if !confirmation.Succeeded {
		log.Warn("transaction reverted after acceptance", zap.Uint64("block", confirmation.Block))
		q.record(job, OutcomeReverted, "transaction reverted after it was accepted", confirmation.Block)
		return
	}
	if !job.PendingCommit {
		log.Debug("transaction confirmed", zap.Uint64("block", confirmation.Block))
		return
	}

	if job.Operation == OpResetAll {
		log.Error("reset mined after its request failed, local vote flags not cleared",
			zap.Uint64("block", confirmation.Block))
		q.record(job, OutcomeInconsistentReset,
			"ledger was reset but local vote flags were not cleared", confirmation.Block)
		return
	}

	changed, err := q.reconcile(context.WithoutCancel(ctx), job)
	switch {
	case err != nil:
		log.Error("failed to reconcile confirmed vote", zap.String("identity", job.Identity), zap.Error(err))
		q.record(job, OutcomeFailed, err.Error(), confirmation.Block)
	case changed:
		q.record(job, OutcomeReconciled, "vote confirmed on ledger, local flag set", confirmation.Block)
	default:
		log.Debug("confirmed vote needed no local change", zap.String("identity", job.Identity))
	}
}

func (q *ConfirmationQueue) record(job ConfirmationJob, outcome, detail string, block uint64) {
	item := ReconciliationItem{
		ID:         uuid.NewString(),
		TxID:       job.TxID,
		Operation:  job.Operation,
		Identity:   job.Identity,
		Candidate:  job.Candidate,
		Outcome:    outcome,
		Detail:     detail,
		Block:      block,
		RecordedAt: time.Now(),
	}
	q.items.Set(item.ID, item, cache.DefaultExpiration)
}
