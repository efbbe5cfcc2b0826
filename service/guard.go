package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"ledger-voting/apperror"
	"ledger-voting/models"
	"ledger-voting/storage"
)

// VoteGuard makes sure an identity's vote reaches the ledger at most once.
// A Reservation holds the identity's store lock from the flag check until
// the flag is committed or the reservation is released.
type VoteGuard struct {
	store storage.IdentityStore
	log   *zap.Logger
}

type Reservation struct {
	lock storage.IdentityLock
}

func (r *Reservation) Identity() models.Identity {
	return r.lock.Identity()
}

func NewVoteGuard(store storage.IdentityStore, log *zap.Logger) *VoteGuard {
	return &VoteGuard{store: store, log: log}
}

// TryReserveVote locks the identity and fails with AlreadyVoted when its
// flag is already set.
func (g *VoteGuard) TryReserveVote(ctx context.Context, identifier string) (*Reservation, error) {
	lock, err := g.lock(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if lock.Identity().HasVoted {
		lock.Release()
		return nil, apperror.New(apperror.KindAlreadyVoted, "identity %s has already voted", identifier)
	}
	return &Reservation{lock: lock}, nil
}

// ConfirmVote sets the flag after the ledger accepted the vote. The
// reservation is released either way.
func (g *VoteGuard) ConfirmVote(ctx context.Context, r *Reservation) error {
	identifier := r.Identity().Identifier
	if err := r.lock.MarkVoted(ctx); err != nil {
		if errors.Is(err, storage.ErrAlreadyVoted) {
			return apperror.New(apperror.KindAlreadyVoted, "identity %s has already voted", identifier)
		}
		return apperror.Wrap(apperror.KindInternal, err, "failed to record vote for %s", identifier)
	}
	g.log.Debug("vote flag committed", zap.String("identity", identifier))
	return nil
}

// ReleaseVote drops the reservation and leaves the flag unchanged.
func (g *VoteGuard) ReleaseVote(r *Reservation) {
	r.lock.Release()
}

// Reconcile sets the flag for a vote whose ledger outcome was unknown when
// the request finished and has since been confirmed. It reports whether
// the flag changed.
func (g *VoteGuard) Reconcile(ctx context.Context, identifier string) (bool, error) {
	lock, err := g.lock(ctx, identifier)
	if err != nil {
		return false, err
	}
	if lock.Identity().HasVoted {
		lock.Release()
		return false, nil
	}
	if err := lock.MarkVoted(ctx); err != nil {
		if errors.Is(err, storage.ErrAlreadyVoted) {
			return false, nil
		}
		return false, apperror.Wrap(apperror.KindInternal, err, "failed to reconcile vote for %s", identifier)
	}
	g.log.Info("vote flag reconciled", zap.String("identity", identifier))
	return true, nil
}

func (g *VoteGuard) lock(ctx context.Context, identifier string) (storage.IdentityLock, error) {
	lock, err := g.store.LockIdentity(ctx, identifier)
	switch {
	case err == nil:
		return lock, nil
	case errors.Is(err, storage.ErrIdentityNotFound):
		return nil, apperror.New(apperror.KindUnauthorized, "identity %s is not registered", identifier)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, apperror.Wrap(apperror.KindInternal, err, "gave up waiting for identity %s", identifier)
	default:
		return nil, apperror.Wrap(apperror.KindInternal, err, "failed to lock identity %s", identifier)
	}
}
