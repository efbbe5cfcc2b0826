package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account selects which configured key signs a transaction.
type Account int

const (
	// OperatorAccount signs administrative transactions.
	OperatorAccount Account = iota
	// VoterAccount signs vote transactions on behalf of end users.
	VoterAccount
)

func (a Account) String() string {
	switch a {
	case OperatorAccount:
		return "operator"
	case VoterAccount:
		return "voter"
	default:
		return fmt.Sprintf("account(%d)", int(a))
	}
}

// signer owns one key. mu is held from nonce lookup until the transaction
// has been handed to the node, so overlapping submissions from the same
// account never reuse a nonce.
type signer struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	address  common.Address
	gasLimit uint64

	nextNonce  uint64
	nonceKnown bool
}

func newSigner(key *ecdsa.PrivateKey, gasLimit uint64) *signer {
	return &signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: gasLimit,
	}
}

// nonce must be called with s.mu held.
func (s *signer) nonce(ctx context.Context, backend Backend) (uint64, error) {
	pending, err := backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return 0, err
	}
	if s.nonceKnown && s.nextNonce > pending {
		return s.nextNonce, nil
	}
	return pending, nil
}

// commit must be called with s.mu held after a successful send.
func (s *signer) commit(used uint64) {
	s.nextNonce = used + 1
	s.nonceKnown = true
}

// forget must be called with s.mu held after a failed send.
func (s *signer) forget() {
	s.nonceKnown = false
}

// ParsePrivateKey parses a hex encoded secp256k1 key, with or without 0x.
func ParsePrivateKey(keyStr string) (*ecdsa.PrivateKey, error) {
	keyStr = strings.TrimPrefix(strings.TrimSpace(keyStr), "0x")

	keyBytes, err := hex.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex string: %w", err)
	}

	privateKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}
