// Package service orchestrates voting on top of the ledger gateway and the
// local identity store.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ledger-voting/apperror"
	"ledger-voting/models"
	"ledger-voting/period"
	"ledger-voting/storage"
)

const maxCandidateNameLength = 64

// Ledger is the part of the ledger gateway the service depends on.
type Ledger interface {
	TotalVotesFor(ctx context.Context, candidate string) (uint64, error)
	CandidateExists(ctx context.Context, candidate string) (bool, error)
	VotingStatus(ctx context.Context) (models.PeriodStatus, error)
	AllCandidates(ctx context.Context) ([]models.Candidate, error)

	SubmitVote(ctx context.Context, identity, candidate string) (string, error)
	AddCandidate(ctx context.Context, name string) (string, error)
	StartVoting(ctx context.Context, start, end time.Time) (string, error)
	ResetVoting(ctx context.Context) (string, error)

	TxWaiter
}

type Options struct {
	LedgerTimeout  time.Duration
	StartTolerance time.Duration
	// ReadRetries bounds the retries of read-only ledger calls that failed
	// with LedgerUnavailable.
	ReadRetries   int
	RetryInterval time.Duration

	ConfirmTimeout time.Duration
	ConfirmWorkers int
	QueueSize      int

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = 30 * time.Second
	}
	if o.StartTolerance < 0 {
		o.StartTolerance = 0
	}
	if o.ReadRetries < 0 {
		o.ReadRetries = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 2 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ResetResult is returned by a successful ResetAll.
type ResetResult struct {
	TxID    string `json:"tx_id"`
	Cleared int64  `json:"cleared"`
}

// VotingService is the single entry point for voting operations.
type VotingService struct {
	ledger           Ledger
	store            storage.IdentityStore
	guard            *VoteGuard
	queue            *ConfirmationQueue
	metricsCollector *MetricsCollector
	opts             Options

	// adminMu serializes administrative operations.
	adminMu sync.Mutex
	// resetMu is held for reading by CastVote and for writing by ResetAll.
	resetMu  sync.RWMutex
	resetGen atomic.Uint64

	log *zap.Logger
}

func NewVotingService(ledger Ledger, store storage.IdentityStore, opts Options, log *zap.Logger) *VotingService {
	opts = opts.withDefaults()
	s := &VotingService{
		ledger:           ledger,
		store:            store,
		guard:            NewVoteGuard(store, log.Named("guard")),
		metricsCollector: NewMetricsCollector(),
		opts:             opts,
		log:              log,
	}
	s.queue = NewConfirmationQueue(ledger, s.reconcile, opts.ConfirmWorkers, opts.QueueSize,
		opts.ConfirmTimeout, log.Named("confirmations"))
	return s
}

// Start launches the confirmation workers.
func (s *VotingService) Start() {
	s.queue.Start()
}

func (s *VotingService) Stop() {
	s.queue.Stop()
}

func (s *VotingService) Metrics() MetricsResponse {
	return s.metricsCollector.GetMetrics()
}

// ResetMetrics starts a new metrics window. Reconciliation items are kept.
func (s *VotingService) ResetMetrics() {
	s.metricsCollector.Reset()
	s.log.Info("metrics reset")
}

func (s *VotingService) Reconciliations() []ReconciliationItem {
	return s.queue.Items()
}

// CastVote submits caller's vote for candidate. The identity stays locked
// from the has-voted check until the flag is committed, so concurrent
// requests for one identity reach the ledger at most once.
func (s *VotingService) CastVote(ctx context.Context, caller models.Caller, candidate string) (receipt *models.VoteReceipt, err error) {
	defer s.observe(OpCastVote, time.Now(), &err)

	candidate = strings.TrimSpace(candidate)
	if caller.ID == "" {
		return nil, apperror.New(apperror.KindUnauthorized, "caller identity is required")
	}
	if err := validateCandidateName(candidate); err != nil {
		return nil, err
	}

	s.resetMu.RLock()
	defer s.resetMu.RUnlock()

	snapshot, err := s.periodSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !period.CanVote(snapshot.State) {
		return nil, apperror.New(apperror.KindVotingNotActive, "voting is not active (state %s)", snapshot.State)
	}
	if err := s.requireCandidate(ctx, candidate); err != nil {
		return nil, err
	}

	reservation, err := s.guard.TryReserveVote(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("identity", caller.ID), zap.String("candidate", candidate))

	ledgerCtx, cancel := s.ledgerContext(ctx)
	defer cancel()
	txID, err := s.ledger.SubmitVote(ledgerCtx, caller.ID, candidate)
	if err != nil {
		s.guard.ReleaseVote(reservation)
		if appErr, ok := apperror.As(err); ok && appErr.TxID != "" {
			// Signed and possibly received; follow it up.
			s.enqueue(OpCastVote, appErr.TxID, caller.ID, candidate, true)
		}
		log.Warn("vote not accepted by ledger", zap.String("kind", string(apperror.KindOf(err))), zap.Error(err))
		return nil, err
	}

	// The ledger accepted the vote: commit even if the caller went away.
	if err := s.guard.ConfirmVote(context.WithoutCancel(ctx), reservation); err != nil {
		s.enqueue(OpCastVote, txID, caller.ID, candidate, true)
		log.Error("vote accepted by ledger but not recorded locally", zap.String("tx", txID), zap.Error(err))
		return nil, &apperror.Error{
			Kind:   apperror.KindInternal,
			Detail: "vote accepted by ledger but not recorded locally",
			TxID:   txID,
			Err:    err,
		}
	}
	s.enqueue(OpCastVote, txID, caller.ID, candidate, false)

	log.Info("vote cast", zap.String("tx", txID))
	return &models.VoteReceipt{Identity: caller.ID, Candidate: candidate, TxID: txID}, nil
}

// AddCandidate registers a candidate while no period has started.
func (s *VotingService) AddCandidate(ctx context.Context, caller models.Caller, name string) (txID string, err error) {
	defer s.observe(OpAddCandidate, time.Now(), &err)

	if err := checkCallerRole(caller); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if err := validateCandidateName(name); err != nil {
		return "", err
	}

	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	if err := s.requireAdmin(ctx, caller); err != nil {
		return "", err
	}

	snapshot, err := s.periodSnapshot(ctx)
	if err != nil {
		return "", err
	}
	if !period.CanRegisterCandidates(snapshot.State) {
		return "", apperror.New(apperror.KindVotingNotInSetupPhase,
			"candidates can only be added before voting starts (state %s)", snapshot.State)
	}

	var exists bool
	err = s.read(ctx, func(ctx context.Context) error {
		var err error
		exists, err = s.ledger.CandidateExists(ctx, name)
		return err
	})
	if err != nil {
		return "", err
	}
	if exists {
		return "", apperror.New(apperror.KindCandidateAlreadyExists, "candidate %q already exists", name)
	}

	ledgerCtx, cancel := s.ledgerContext(ctx)
	defer cancel()
	txID, err = s.ledger.AddCandidate(ledgerCtx, name)
	if err != nil {
		s.log.Warn("candidate not accepted by ledger", zap.String("candidate", name), zap.Error(err))
		return "", err
	}
	s.enqueue(OpAddCandidate, txID, caller.ID, name, false)

	s.log.Info("candidate added", zap.String("candidate", name), zap.String("tx", txID))
	return txID, nil
}

// StartPeriod opens the voting window [start, end).
func (s *VotingService) StartPeriod(ctx context.Context, caller models.Caller, start, end time.Time) (txID string, err error) {
	defer s.observe(OpStartPeriod, time.Now(), &err)

	if err := checkCallerRole(caller); err != nil {
		return "", err
	}
	now := s.opts.Now()
	switch {
	case start.IsZero() || end.IsZero():
		return "", apperror.New(apperror.KindValidation, "start and end time are required")
	case !end.After(start):
		return "", apperror.New(apperror.KindValidation, "end time must be after start time")
	case start.Before(now.Add(-s.opts.StartTolerance)):
		return "", apperror.New(apperror.KindValidation, "start time is in the past")
	case !end.After(now):
		return "", apperror.New(apperror.KindValidation, "end time is in the past")
	}

	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	if err := s.requireAdmin(ctx, caller); err != nil {
		return "", err
	}

	snapshot, err := s.periodSnapshot(ctx)
	if err != nil {
		return "", err
	}
	if !period.CanStart(snapshot.State) {
		return "", apperror.New(apperror.KindVotingNotInSetupPhase, "a voting period is already active")
	}

	ledgerCtx, cancel := s.ledgerContext(ctx)
	defer cancel()
	txID, err = s.ledger.StartVoting(ledgerCtx, start, end)
	if err != nil {
		s.log.Warn("voting period not accepted by ledger", zap.Error(err))
		return "", err
	}
	s.enqueue(OpStartPeriod, txID, caller.ID, "", false)

	s.log.Info("voting period started",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.String("tx", txID),
	)
	return txID, nil
}

// ResetAll resets the ledger and, only once the ledger accepted it, clears
// every local has-voted flag.
func (s *VotingService) ResetAll(ctx context.Context, caller models.Caller) (result *ResetResult, err error) {
	defer s.observe(OpResetAll, time.Now(), &err)

	if err := checkCallerRole(caller); err != nil {
		return nil, err
	}

	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	if err := s.requireAdmin(ctx, caller); err != nil {
		return nil, err
	}

	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	ledgerCtx, cancel := s.ledgerContext(ctx)
	defer cancel()
	txID, err := s.ledger.ResetVoting(ledgerCtx)
	if err != nil {
		if appErr, ok := apperror.As(err); ok && appErr.TxID != "" {
			// The reset may still be mined; surface it if it is.
			s.enqueue(OpResetAll, appErr.TxID, caller.ID, "", true)
		}
		s.log.Warn("reset not accepted by ledger, local flags untouched", zap.Error(err))
		return nil, err
	}
	s.resetGen.Add(1)

	cleared, err := s.store.ClearVotes(context.WithoutCancel(ctx))
	if err != nil {
		s.log.Error("ledger reset accepted but local flags not cleared",
			zap.String("tx", txID),
			zap.Error(err),
		)
		return nil, &apperror.Error{
			Kind:   apperror.KindInconsistentReset,
			Detail: "ledger was reset but local vote flags were not cleared",
			TxID:   txID,
			Err:    err,
		}
	}
	s.enqueue(OpResetAll, txID, caller.ID, "", false)

	s.log.Info("voting reset", zap.String("tx", txID), zap.Int64("cleared", cleared))
	return &ResetResult{TxID: txID, Cleared: cleared}, nil
}

// GetTally returns the current tally of one candidate.
func (s *VotingService) GetTally(ctx context.Context, name string) (candidate models.Candidate, err error) {
	defer s.observe(OpGetTally, time.Now(), &err)

	name = strings.TrimSpace(name)
	if err := validateCandidateName(name); err != nil {
		return models.Candidate{}, err
	}
	if err := s.requireCandidate(ctx, name); err != nil {
		return models.Candidate{}, err
	}

	var votes uint64
	err = s.read(ctx, func(ctx context.Context) error {
		var err error
		votes, err = s.ledger.TotalVotesFor(ctx, name)
		return err
	})
	if err != nil {
		return models.Candidate{}, err
	}
	return models.Candidate{Name: name, Votes: votes}, nil
}

// GetAllCandidatesWithTallies returns the candidates in ledger order.
func (s *VotingService) GetAllCandidatesWithTallies(ctx context.Context) (candidates []models.Candidate, err error) {
	defer s.observe(OpGetCandidates, time.Now(), &err)

	err = s.read(ctx, func(ctx context.Context) error {
		var err error
		candidates, err = s.ledger.AllCandidates(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

func (s *VotingService) GetPeriodStatus(ctx context.Context) (snapshot period.Snapshot, err error) {
	defer s.observe(OpGetPeriod, time.Now(), &err)
	return s.periodSnapshot(ctx)
}

func (s *VotingService) periodSnapshot(ctx context.Context) (period.Snapshot, error) {
	var status models.PeriodStatus
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		status, err = s.ledger.VotingStatus(ctx)
		return err
	})
	if err != nil {
		return period.Snapshot{}, err
	}
	return period.NewSnapshot(status, s.opts.Now()), nil
}

func (s *VotingService) requireCandidate(ctx context.Context, name string) error {
	var exists bool
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		exists, err = s.ledger.CandidateExists(ctx, name)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		return apperror.New(apperror.KindCandidateNotFound, "candidate %q does not exist", name)
	}
	return nil
}

// read runs a read-only ledger call, retrying while the ledger is
// unavailable. Other failures are returned at once.
func (s *VotingService) read(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.ReadRetries)), ctx)

	err := backoff.Retry(func() error {
		ledgerCtx, cancel := s.ledgerContext(ctx)
		defer cancel()
		err := fn(ledgerCtx)
		if err != nil && !errors.Is(err, apperror.ErrLedgerUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err == nil {
		return nil
	}
	if _, ok := apperror.As(err); !ok {
		return apperror.Wrap(apperror.KindLedgerUnavailable, err, "ledger read abandoned")
	}
	return err
}

func (s *VotingService) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.LedgerTimeout)
}

// requireAdmin re-checks the caller's role against the local record.
func (s *VotingService) requireAdmin(ctx context.Context, caller models.Caller) error {
	identity, err := s.store.GetIdentity(ctx, caller.ID)
	if errors.Is(err, storage.ErrIdentityNotFound) {
		return apperror.New(apperror.KindUnauthorized, "identity %s is not registered", caller.ID)
	}
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "failed to load identity %s", caller.ID)
	}
	if !identity.IsAdmin() {
		s.log.Warn("administrative call rejected by local role", zap.String("identity", caller.ID))
		return apperror.New(apperror.KindUnauthorized, "identity %s is not an administrator", caller.ID)
	}
	return nil
}

// reconcile is the confirmation queue's callback for confirmed votes that
// were not committed locally.
func (s *VotingService) reconcile(ctx context.Context, job ConfirmationJob) (bool, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()

	if job.Generation != s.resetGen.Load() {
		s.log.Info("skipping reconciliation of vote from before a reset",
			zap.String("identity", job.Identity), zap.String("tx", job.TxID))
		return false, nil
	}

	start := time.Now()
	changed, err := s.guard.Reconcile(ctx, job.Identity)
	s.metricsCollector.RecordOperation(OpReconciliation, time.Since(start), err)
	return changed, err
}

func (s *VotingService) enqueue(op, txID, identity, candidate string, pendingCommit bool) {
	s.queue.Enqueue(ConfirmationJob{
		TxID:          txID,
		Operation:     op,
		Identity:      identity,
		Candidate:     candidate,
		PendingCommit: pendingCommit,
		Generation:    s.resetGen.Load(),
	})
}

func (s *VotingService) observe(op string, start time.Time, err *error) {
	s.metricsCollector.RecordOperation(op, time.Since(start), *err)
}

func checkCallerRole(caller models.Caller) error {
	if caller.ID == "" {
		return apperror.New(apperror.KindUnauthorized, "caller identity is required")
	}
	if !caller.IsAdmin() {
		return apperror.New(apperror.KindUnauthorized, "administrative privilege required")
	}
	return nil
}

func validateCandidateName(name string) error {
	if name == "" {
		return apperror.New(apperror.KindValidation, "candidate name is required")
	}
	if len(name) > maxCandidateNameLength {
		return apperror.New(apperror.KindValidation, "candidate name exceeds %d bytes", maxCandidateNameLength)
	}
	return nil
}
