// Package nonce implements commit/reveal nonces and the single-use commitment
// table shared by the signed-update and direct-reveal paths.
package nonce

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

// ErrAlreadyConsumed is the replay guard: the digest (or domain/nonce pair) was used before.
var ErrAlreadyConsumed = errors.New("already consumed")

// Nonce is a 256-bit big-endian secret.
type Nonce [32]byte

// Parse decodes up to 32 bytes of hex, left-padding shorter input, so "0x01"
// is the value one.
func Parse(s string) (Nonce, error) {
	var n Nonce
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return n, fmt.Errorf("empty nonce")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(b) > len(n) {
		return n, fmt.Errorf("nonce exceeds 256 bits")
	}
	copy(n[len(n)-len(b):], b)
	return n, nil
}

func (n Nonce) Hex() string {
	return "0x" + hex.EncodeToString(n[:])
}

func (n Nonce) String() string {
	return n.Hex()
}

func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.Hex()), nil
}

func (n *Nonce) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Digest binds a nonce to the committing identity: H(nonce ‖ agent).
func Digest(n Nonce, agent crypto.Address) crypto.Hash {
	return crypto.Keccak256(n[:], agent[:])
}

// Via records which entry point consumed a commitment.
type Via string

const (
	ViaSignedUpdate Via = "signed_update"
	ViaReveal       Via = "reveal"
)

// Status is the observable state of one commitment.
type Status struct {
	Digest   crypto.Hash `json:"digest"`
	Consumed bool        `json:"consumed"`
	Revealed bool        `json:"revealed"`
}

// Store is the one commitment table both entry points write to.
//
// Consume is a single atomic check-and-set: it either flips consumed (and,
// for ViaReveal, revealed) or returns ErrAlreadyConsumed without any change.
type Store interface {
	Status(ctx context.Context, digest crypto.Hash) (Status, error)
	Consume(ctx context.Context, digest crypto.Hash, via Via) error
}

// MemoryStore keeps the table in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	consumed map[crypto.Hash]Via
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{consumed: make(map[crypto.Hash]Via)}
}

func (s *MemoryStore) Status(_ context.Context, digest crypto.Hash) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	via, ok := s.consumed[digest]
	return Status{Digest: digest, Consumed: ok, Revealed: ok && via == ViaReveal}, nil
}

func (s *MemoryStore) Consume(_ context.Context, digest crypto.Hash, via Via) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consumed[digest]; ok {
		return fmt.Errorf("%w: commitment %s", ErrAlreadyConsumed, digest)
	}
	s.consumed[digest] = via
	return nil
}
