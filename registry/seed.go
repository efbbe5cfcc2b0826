// Package registry imports registered identities into the local store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"ledger-voting/models"
	"ledger-voting/storage"
)

// SeedRecord is one identity as listed in a seed file.
type SeedRecord struct {
	Identifier    string `json:"identifier"`
	Role          string `json:"role"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

type seedFile struct {
	Identities []SeedRecord `json:"identities"`
}

type ImportResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) ([]SeedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var file seedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seed data: %w", err)
	}

	seen := make(map[string]bool, len(file.Identities))
	for i := range file.Identities {
		record := &file.Identities[i]
		record.Identifier = strings.TrimSpace(record.Identifier)
		record.Role = strings.ToLower(strings.TrimSpace(record.Role))
		if record.Role == "" {
			record.Role = models.RoleVoter
		}

		if err := validateRecord(record); err != nil {
			return nil, fmt.Errorf("invalid seed record %d: %w", i, err)
		}
		if seen[record.Identifier] {
			return nil, fmt.Errorf("identifier %s is listed more than once", record.Identifier)
		}
		seen[record.Identifier] = true
	}
	return file.Identities, nil
}

func validateRecord(record *SeedRecord) error {
	if record.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if !models.ValidRole(record.Role) {
		return fmt.Errorf("unknown role %q", record.Role)
	}
	return nil
}

// Import creates the identities that do not exist yet. Existing records
// are left untouched, so importing the same file twice is harmless.
func Import(ctx context.Context, store storage.IdentityStore, records []SeedRecord) (ImportResult, error) {
	var result ImportResult
	for _, record := range records {
		if err := validateRecord(&record); err != nil {
			return result, fmt.Errorf("invalid seed record %s: %w", record.Identifier, err)
		}

		err := store.CreateIdentity(ctx, &models.Identity{
			Identifier:    record.Identifier,
			Role:          record.Role,
			WalletAddress: record.WalletAddress,
		})
		switch {
		case err == nil:
			result.Created++
		case errors.Is(err, storage.ErrIdentityExists):
			result.Skipped++
		default:
			return result, fmt.Errorf("failed to import %s: %w", record.Identifier, err)
		}
	}
	return result, nil
}
