package crosschain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
)

// ErrVersionConflict is returned by a RootStore when another writer published first.
var ErrVersionConflict = errors.New("trusted root version conflict")

// TrustedRoot is the published Merkle root of consumable cross-chain leaves.
// Version 0 means nothing has been published and admits no proof.
type TrustedRoot struct {
	Root      crypto.Hash `json:"root"`
	Version   uint64      `json:"version"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Published reports whether a root has ever been set.
func (r TrustedRoot) Published() bool {
	return r.Version > 0
}

// RootReader exposes the current trusted root.
type RootReader interface {
	CurrentRoot(ctx context.Context) (TrustedRoot, error)
}

// RootStore persists the trusted root history. Publish must fail with
// ErrVersionConflict unless next.Version is exactly one above the stored version.
type RootStore interface {
	RootReader
	Publish(ctx context.Context, next TrustedRoot) error
	// History lists published roots, newest first, at most limit entries.
	History(ctx context.Context, limit int) ([]TrustedRoot, error)
}

// MemoryRootStore keeps the current root in process memory.
type MemoryRootStore struct {
	mu      sync.RWMutex
	current TrustedRoot
	history []TrustedRoot
}

func NewMemoryRootStore() *MemoryRootStore {
	return &MemoryRootStore{}
}

func (s *MemoryRootStore) CurrentRoot(_ context.Context) (TrustedRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *MemoryRootStore) Publish(_ context.Context, next TrustedRoot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.Version != s.current.Version+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrVersionConflict, s.current.Version, next.Version)
	}
	s.current = next
	s.history = append(s.history, next)
	return nil
}

func (s *MemoryRootStore) History(_ context.Context, limit int) ([]TrustedRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrustedRoot, 0, min(limit, len(s.history)))
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

// Publisher is the controller-only writer of the trusted root.
type Publisher struct {
	mu         sync.Mutex
	store      RootStore
	controller *authz.Controller
	log        events.Log
	settings   settings
	logger     *slog.Logger
}

func NewPublisher(store RootStore, controller *authz.Controller, log events.Log, opts ...Option) *Publisher {
	return &Publisher{
		store:      store,
		controller: controller,
		log:        log,
		settings:   newSettings(opts),
		logger:     slog.Default().With("component", "crosschain.root"),
	}
}

// UpdateRoot replaces the trusted root and bumps its version.
func (p *Publisher) UpdateRoot(ctx context.Context, caller crypto.Address, root crypto.Hash) (published TrustedRoot, err error) {
	ctx, finish := p.settings.tracker.TrackOperation(ctx, "commitgate.root.update")
	defer func() { finish(err) }()

	if err := p.controller.Require(caller); err != nil {
		return TrustedRoot{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.store.CurrentRoot(ctx)
	if err != nil {
		return TrustedRoot{}, fmt.Errorf("load trusted root: %w", err)
	}
	next := TrustedRoot{
		Root:      root,
		Version:   current.Version + 1,
		UpdatedAt: p.settings.clock().UTC(),
	}
	// The event is recorded first so a failed append never activates the root.
	if _, err := p.log.Append(ctx, events.KindRootUpdated, map[string]string{
		"root":      next.Root.Hex(),
		"version":   strconv.FormatUint(next.Version, 10),
		"timestamp": next.UpdatedAt.Format(time.RFC3339),
	}); err != nil {
		return TrustedRoot{}, fmt.Errorf("record root event: %w", err)
	}
	if err := p.store.Publish(ctx, next); err != nil {
		p.logger.ErrorContext(ctx, "root event recorded but root not published", "version", next.Version, "error", err)
		return TrustedRoot{}, fmt.Errorf("publish trusted root: %w", err)
	}

	p.logger.InfoContext(ctx, "trusted root updated", "root", next.Root.Hex(), "version", next.Version)
	return next, nil
}

// CurrentRoot returns the zero TrustedRoot until the first publish.
func (p *Publisher) CurrentRoot(ctx context.Context) (TrustedRoot, error) {
	return p.store.CurrentRoot(ctx)
}

// History lists published roots, newest first.
func (p *Publisher) History(ctx context.Context, limit int) ([]TrustedRoot, error) {
	return p.store.History(ctx, limit)
}
