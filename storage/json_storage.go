package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ledger-voting/models"
)

const identitiesFile = "identities.json"

type identityFile struct {
	Identities []models.Identity `json:"identities"`
}

// JSONStore keeps identities in memory and rewrites identities.json on
// every change. Per-identity locks are one-slot semaphores so waiting can
// be abandoned when the context ends.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
	records  map[string]*models.Identity
	nextID   uint

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	// Create storage directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	store := &JSONStore{
		basePath: basePath,
		records:  make(map[string]*models.Identity),
		nextID:   1,
		locks:    make(map[string]chan struct{}),
	}
	if err := store.loadFromFile(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONStore) GetIdentity(ctx context.Context, identifier string) (*models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[identifier]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	// Return a copy to prevent modification of internal state
	identity := *record
	return &identity, nil
}

func (s *JSONStore) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[identity.Identifier]; exists {
		return ErrIdentityExists
	}

	now := time.Now().UTC()
	identity.ID = s.nextID
	identity.CreatedAt = now
	identity.UpdatedAt = now
	record := *identity
	s.records[identity.Identifier] = &record
	s.nextID++

	if err := s.saveToFile(); err != nil {
		delete(s.records, identity.Identifier)
		s.nextID--
		return err
	}
	return nil
}

func (s *JSONStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(), nil
}

func (s *JSONStore) LockIdentity(ctx context.Context, identifier string) (IdentityLock, error) {
	if _, err := s.GetIdentity(ctx, identifier); err != nil {
		return nil, err
	}

	sem := s.semaphore(identifier)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Re-read under the lock; the flag may have changed while waiting.
	identity, err := s.GetIdentity(context.WithoutCancel(ctx), identifier)
	if err != nil {
		<-sem
		return nil, err
	}
	return &jsonLock{store: s, sem: sem, identity: *identity}, nil
}

func (s *JSONStore) ClearVotes(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared []*models.Identity
	now := time.Now().UTC()
	for _, record := range s.records {
		if record.HasVoted {
			record.HasVoted = false
			record.UpdatedAt = now
			cleared = append(cleared, record)
		}
	}
	if len(cleared) == 0 {
		return 0, nil
	}

	if err := s.saveToFile(); err != nil {
		for _, record := range cleared {
			record.HasVoted = true
		}
		return 0, err
	}
	return int64(len(cleared)), nil
}

func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) semaphore(identifier string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	sem, ok := s.locks[identifier]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[identifier] = sem
	}
	return sem
}

// markVoted must be called while holding the identity's semaphore.
func (s *JSONStore) markVoted(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[identifier]
	if !ok {
		return ErrIdentityNotFound
	}
	if record.HasVoted {
		return ErrAlreadyVoted
	}

	previous := record.UpdatedAt
	record.HasVoted = true
	record.UpdatedAt = time.Now().UTC()
	if err := s.saveToFile(); err != nil {
		record.HasVoted = false
		record.UpdatedAt = previous
		return err
	}
	return nil
}

// snapshot must be called with s.mu held.
func (s *JSONStore) snapshot() []models.Identity {
	identities := make([]models.Identity, 0, len(s.records))
	for _, record := range s.records {
		identities = append(identities, *record)
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i].ID < identities[j].ID })
	return identities
}

func (s *JSONStore) loadFromFile() error {
	path := filepath.Join(s.basePath, identitiesFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read identities file: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal identities: %w", err)
	}

	for i := range file.Identities {
		identity := file.Identities[i]
		if identity.ID == 0 {
			identity.ID = s.nextID
		}
		if identity.ID >= s.nextID {
			s.nextID = identity.ID + 1
		}
		s.records[identity.Identifier] = &identity
	}
	return nil
}

// saveToFile must be called with s.mu held for writing.
func (s *JSONStore) saveToFile() error {
	path := filepath.Join(s.basePath, identitiesFile)

	data, err := json.MarshalIndent(identityFile{Identities: s.snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identities: %w", err)
	}

	// Write to temporary file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write identities file: %w", err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath) // Clean up temp file if rename fails
		return fmt.Errorf("failed to save identities file: %w", err)
	}

	return nil
}

type jsonLock struct {
	store    *JSONStore
	sem      chan struct{}
	identity models.Identity

	mu       sync.Mutex
	released bool
}

func (l *jsonLock) Identity() models.Identity {
	return l.identity
}

func (l *jsonLock) MarkVoted(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrLockReleased
	}
	defer l.unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return l.store.markVoted(l.identity.Identifier)
}

func (l *jsonLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlock()
}

// unlock must be called with l.mu held.
func (l *jsonLock) unlock() {
	if l.released {
		return
	}
	l.released = true
	<-l.sem
}
