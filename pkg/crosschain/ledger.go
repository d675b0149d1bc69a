// Package crosschain admits nonces issued on other chains or domains when the
// caller proves their inclusion under the currently trusted Merkle root.
package crosschain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/merkle"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
)

var (
	ErrInvalidProof    = errors.New("invalid inclusion proof")
	ErrAlreadyConsumed = nonce.ErrAlreadyConsumed
)

// Store persists consumed[(domainID, nonce)]. Consume is a single atomic
// check-and-set returning ErrAlreadyConsumed on a second call.
type Store interface {
	Consumed(ctx context.Context, domainID uint64, n nonce.Nonce) (bool, error)
	Consume(ctx context.Context, domainID uint64, n nonce.Nonce) error
}

type key struct {
	domain uint64
	nonce  nonce.Nonce
}

// MemoryStore keeps consumed pairs in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	consumed map[key]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{consumed: make(map[key]struct{})}
}

func (s *MemoryStore) Consumed(_ context.Context, domainID uint64, n nonce.Nonce) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.consumed[key{domainID, n}]
	return ok, nil
}

func (s *MemoryStore) Consume(_ context.Context, domainID uint64, n nonce.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{domainID, n}
	if _, ok := s.consumed[k]; ok {
		return fmt.Errorf("%w: domain %d nonce %s", ErrAlreadyConsumed, domainID, n)
	}
	s.consumed[k] = struct{}{}
	return nil
}

// Receipt describes an admitted cross-chain nonce.
type Receipt struct {
	DomainID    uint64      `json:"domain_id"`
	Nonce       nonce.Nonce `json:"nonce"`
	Leaf        crypto.Hash `json:"leaf"`
	Root        crypto.Hash `json:"root"`
	RootVersion uint64      `json:"root_version"`
	EventID     string      `json:"event_id"`
	ConsumedAt  time.Time   `json:"consumed_at"`
}

// Ledger consumes cross-chain nonces against the trusted root.
type Ledger struct {
	store    Store
	roots    RootReader
	log      events.Log
	settings settings
	logger   *slog.Logger
}

func NewLedger(store Store, roots RootReader, log events.Log, opts ...Option) *Ledger {
	return &Ledger{
		store:    store,
		roots:    roots,
		log:      log,
		settings: newSettings(opts),
		logger:   slog.Default().With("component", "crosschain.ledger"),
	}
}

// Consumed is a pure lookup.
func (l *Ledger) Consumed(ctx context.Context, domainID uint64, n nonce.Nonce) (bool, error) {
	return l.store.Consumed(ctx, domainID, n)
}

// ConsumeWithProof marks (domainID, n) consumed if its leaf is included under
// the current trusted root. The leaf is always recomputed; a proof carrying a
// different leaf is rejected.
func (l *Ledger) ConsumeWithProof(ctx context.Context, domainID uint64, n nonce.Nonce, proof merkle.Proof) (receipt *Receipt, err error) {
	ctx, finish := l.settings.tracker.TrackOperation(ctx, "commitgate.crosschain.consume",
		attribute.String("commitgate.domain_id", strconv.FormatUint(domainID, 10)),
	)
	defer func() { finish(err) }()

	consumed, err := l.store.Consumed(ctx, domainID, n)
	if err != nil {
		return nil, fmt.Errorf("load cross-chain nonce: %w", err)
	}
	if consumed {
		return nil, fmt.Errorf("%w: domain %d nonce %s", ErrAlreadyConsumed, domainID, n)
	}

	leaf := Leaf(domainID, n)
	if !proof.Leaf.IsZero() && proof.Leaf != leaf {
		return nil, fmt.Errorf("%w: proof leaf %s does not match %s", ErrInvalidProof, proof.Leaf, leaf)
	}
	proof.Leaf = leaf

	trusted, err := l.roots.CurrentRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trusted root: %w", err)
	}
	if !trusted.Published() {
		return nil, fmt.Errorf("%w: no trusted root published", ErrInvalidProof)
	}
	if !merkle.Verify(proof, trusted.Root) {
		if proof.RootVersion != 0 && proof.RootVersion != trusted.Version {
			return nil, fmt.Errorf("%w: proof built for root version %d, current is %d", ErrInvalidProof, proof.RootVersion, trusted.Version)
		}
		return nil, fmt.Errorf("%w: leaf %s not under root %s", ErrInvalidProof, leaf, trusted.Root)
	}
	if proof.RootVersion != 0 && proof.RootVersion != trusted.Version {
		l.logger.WarnContext(ctx, "proof root version differs from current root",
			"proof_version", proof.RootVersion, "current_version", trusted.Version)
	}

	if err := l.store.Consume(ctx, domainID, n); err != nil {
		return nil, err
	}

	ev, err := l.log.Append(ctx, events.KindCrossChainConsumed, map[string]string{
		"domain_id":    strconv.FormatUint(domainID, 10),
		"nonce":        n.Hex(),
		"root":         trusted.Root.Hex(),
		"root_version": strconv.FormatUint(trusted.Version, 10),
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "cross-chain nonce consumed but event not recorded",
			"domain_id", domainID, "nonce", n.Hex(), "error", err)
		return nil, fmt.Errorf("record cross-chain event: %w", err)
	}

	l.logger.InfoContext(ctx, "cross-chain nonce consumed", "domain_id", domainID, "nonce", n.Hex(), "root_version", trusted.Version)

	return &Receipt{
		DomainID:    domainID,
		Nonce:       n,
		Leaf:        leaf,
		Root:        trusted.Root,
		RootVersion: trusted.Version,
		EventID:     ev.ID,
		ConsumedAt:  l.settings.clock().UTC(),
	}, nil
}
