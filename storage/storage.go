// Package storage keeps the local identity records. GormStore backs them
// with postgres, JSONStore with a single file for development setups.
package storage

import (
	"context"
	"errors"

	"ledger-voting/models"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityExists   = errors.New("identity already exists")
	// ErrAlreadyVoted is returned by MarkVoted when the flag was already set.
	ErrAlreadyVoted = errors.New("identity has already voted")
	ErrLockReleased = errors.New("identity lock already released")
)

type IdentityStore interface {
	GetIdentity(ctx context.Context, identifier string) (*models.Identity, error)
	CreateIdentity(ctx context.Context, identity *models.Identity) error
	ListIdentities(ctx context.Context) ([]models.Identity, error)

	// LockIdentity blocks until the caller holds identifier exclusively or
	// ctx ends. The returned lock must be released.
	LockIdentity(ctx context.Context, identifier string) (IdentityLock, error)

	// ClearVotes resets HasVoted on every identity and returns how many
	// records changed.
	ClearVotes(ctx context.Context) (int64, error)

	Close() error
}

// IdentityLock is an exclusive hold on one identity record.
type IdentityLock interface {
	// Identity is the record as read when the lock was taken.
	Identity() models.Identity

	// MarkVoted sets HasVoted only if it is still false, then releases the
	// lock whatever the outcome.
	MarkVoted(ctx context.Context) error

	// Release drops the lock without changes. It is a no-op after
	// MarkVoted or a previous Release.
	Release()
}
