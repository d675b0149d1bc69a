// Package authz holds the controller capability and the agent authorization ledger.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
)

var (
	// ErrUnauthorized is returned when the caller lacks the role the operation requires.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotAuthorized is returned when the identity that signed a request is not an authorized agent.
	ErrNotAuthorized = errors.New("agent not authorized")
)

// Controller is the single privileged identity allowed to manage authorization,
// the trusted root and the locator policy. It is passed explicitly to every
// component that exposes a controller-only mutation.
type Controller struct {
	address crypto.Address
}

// NewController binds the capability to addr. The zero address is refused so
// that an unset configuration can never match an unauthenticated caller.
func NewController(addr crypto.Address) (*Controller, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("controller address must not be zero")
	}
	return &Controller{address: addr}, nil
}

// Address returns the controller identity.
func (c *Controller) Address() crypto.Address {
	return c.address
}

// Require fails with ErrUnauthorized unless caller is the controller.
func (c *Controller) Require(caller crypto.Address) error {
	if c == nil || caller.IsZero() || caller != c.address {
		return fmt.Errorf("%w: %s is not the controller", ErrUnauthorized, caller)
	}
	return nil
}

// Checker is the read-only view the protocol core depends on.
type Checker interface {
	IsAuthorized(ctx context.Context, identity crypto.Address) (bool, error)
}

// Store persists authorized[identity].
type Store interface {
	Authorized(ctx context.Context, identity crypto.Address) (bool, error)
	SetAuthorized(ctx context.Context, identity crypto.Address, authorized bool) error
	ListAuthorized(ctx context.Context) ([]crypto.Address, error)
}

// Ledger maps agent identities to their authorization flag.
type Ledger struct {
	mu         sync.Mutex
	store      Store
	controller *Controller
	log        events.Log
	logger     *slog.Logger
}

func NewLedger(store Store, controller *Controller, log events.Log) *Ledger {
	return &Ledger{
		store:      store,
		controller: controller,
		log:        log,
		logger:     slog.Default().With("component", "authz"),
	}
}

// Authorize marks identity as an authorized agent. Controller only.
func (l *Ledger) Authorize(ctx context.Context, caller, identity crypto.Address) error {
	return l.set(ctx, caller, identity, true)
}

// Revoke clears the flag. Commitments the agent already consumed stay consumed.
func (l *Ledger) Revoke(ctx context.Context, caller, identity crypto.Address) error {
	return l.set(ctx, caller, identity, false)
}

// IsAuthorized is a pure lookup.
func (l *Ledger) IsAuthorized(ctx context.Context, identity crypto.Address) (bool, error) {
	if identity.IsZero() {
		return false, nil
	}
	return l.store.Authorized(ctx, identity)
}

// List returns every authorized identity in address order.
func (l *Ledger) List(ctx context.Context) ([]crypto.Address, error) {
	return l.store.ListAuthorized(ctx)
}

func (l *Ledger) set(ctx context.Context, caller, identity crypto.Address, authorized bool) error {
	if err := l.controller.Require(caller); err != nil {
		return err
	}
	if identity.IsZero() {
		return fmt.Errorf("identity must not be the zero address")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// The event is recorded first so a failed append leaves the ledger untouched.
	if _, err := l.log.Append(ctx, events.KindAuthorizationChanged, map[string]string{
		"identity":   identity.Hex(),
		"authorized": strconv.FormatBool(authorized),
	}); err != nil {
		return fmt.Errorf("record authorization event: %w", err)
	}
	if err := l.store.SetAuthorized(ctx, identity, authorized); err != nil {
		l.logger.ErrorContext(ctx, "authorization event recorded but not persisted", "identity", identity.Hex(), "error", err)
		return fmt.Errorf("persist authorization: %w", err)
	}

	l.logger.InfoContext(ctx, "authorization changed", "identity", identity.Hex(), "authorized", authorized)
	return nil
}

// MemoryStore keeps authorizations in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	authorized map[crypto.Address]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{authorized: make(map[crypto.Address]bool)}
}

func (s *MemoryStore) Authorized(_ context.Context, identity crypto.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized[identity], nil
}

func (s *MemoryStore) SetAuthorized(_ context.Context, identity crypto.Address, authorized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if authorized {
		s.authorized[identity] = true
	} else {
		delete(s.authorized, identity)
	}
	return nil
}

func (s *MemoryStore) ListAuthorized(_ context.Context) ([]crypto.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crypto.Address, 0, len(s.authorized))
	for a := range s.authorized {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}
