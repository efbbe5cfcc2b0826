package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledger-voting/models"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetIdentity(ctx context.Context, identifier string) (*models.Identity, error) {
	var identity models.Identity
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity %s: %w", identifier, err)
	}
	return &identity, nil
}

func (s *GormStore) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	err := s.db.WithContext(ctx).Create(identity).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrIdentityExists
	}
	if err != nil {
		return fmt.Errorf("failed to create identity %s: %w", identity.Identifier, err)
	}
	return nil
}

func (s *GormStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	var identities []models.Identity
	if err := s.db.WithContext(ctx).Order("id").Find(&identities).Error; err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	return identities, nil
}

// LockIdentity opens a transaction and takes a row lock with
// SELECT ... FOR UPDATE. The transaction itself is detached from ctx so a
// cancelled request cannot roll back a commit already under way; only the
// wait for the row lock honours ctx.
func (s *GormStore) LockIdentity(ctx context.Context, identifier string) (IdentityLock, error) {
	tx := s.db.WithContext(context.WithoutCancel(ctx)).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	var identity models.Identity
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("identifier = ?", identifier).
		First(&identity).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to lock identity %s: %w", identifier, err)
	}

	return &gormLock{tx: tx, identity: identity}, nil
}

func (s *GormStore) ClearVotes(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Identity{}).
		Where("has_voted = ?", true).
		Update("has_voted", false)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear vote flags: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormLock struct {
	mu       sync.Mutex
	tx       *gorm.DB
	identity models.Identity
	done     bool
}

func (l *gormLock) Identity() models.Identity {
	return l.identity
}

func (l *gormLock) MarkVoted(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return ErrLockReleased
	}
	l.done = true

	res := l.tx.WithContext(ctx).
		Model(&models.Identity{}).
		Where("id = ? AND has_voted = ?", l.identity.ID, false).
		Update("has_voted", true)
	if res.Error != nil {
		l.tx.Rollback()
		return fmt.Errorf("failed to mark identity %s as voted: %w", l.identity.Identifier, res.Error)
	}
	if res.RowsAffected == 0 {
		l.tx.Rollback()
		return ErrAlreadyVoted
	}
	if err := l.tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit vote flag for %s: %w", l.identity.Identifier, err)
	}
	return nil
}

func (l *gormLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	l.tx.Rollback()
}
