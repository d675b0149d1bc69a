// Package service assembles a commitgate node from configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/commitgate/pkg/auth"
	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/config"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/gate"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/observability"
	"github.com/Mindburn-Labs/commitgate/pkg/store"
	"github.com/Mindburn-Labs/commitgate/pkg/uri"
)

// Services is the wired protocol. Every field is safe for concurrent use.
type Services struct {
	Config      *config.Config
	Controller  *authz.Controller
	Agents      *authz.Ledger
	Commitments nonce.Store
	Locators    *uri.Validator
	Updates     *gate.Authenticator
	Reveals     *gate.RevealGate
	CrossChain  *crosschain.Ledger
	Roots       *crosschain.Publisher
	Events      events.Log
	Tokens      *auth.Validator
	Telemetry   *observability.Provider

	closers []func(context.Context) error
}

type options struct {
	clock       func() time.Time
	eventWriter io.Writer
}

// Option customizes New.
type Option func(*options)

// WithClock fixes the time source for expiry checks and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithEventWriter mirrors every appended event to w as a JSON line.
func WithEventWriter(w io.Writer) Option {
	return func(o *options) { o.eventWriter = w }
}

// New builds every component described by cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := slog.Default().With("component", "service")
	s := &Services{Config: cfg}

	controller, err := authz.NewController(cfg.Controller)
	if err != nil {
		return nil, err
	}
	s.Controller = controller

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "commitgate",
		ServiceVersion: Version,
		Environment:    "production",
		OTLPEndpoint:   cfg.Observability.Endpoint,
		SampleRate:     cfg.Observability.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	telemetry.SetErrorClassifier(ErrorCode)
	s.Telemetry = telemetry
	s.closers = append(s.closers, telemetry.Shutdown)

	var (
		agentStore authz.Store
		crossStore crosschain.Store
		rootStore  crosschain.RootStore
		uriOpts    []uri.Option
	)
	switch cfg.Storage.Driver {
	case "memory":
		s.Events = events.NewMemoryLog().WithClock(o.clock)
		agentStore = authz.NewMemoryStore()
		s.Commitments = nonce.NewMemoryStore()
		crossStore = crosschain.NewMemoryStore()
		rootStore = crosschain.NewMemoryRootStore()
	default:
		db, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })
		s.Events = store.NewSQLEventLog(db)
		agentStore = store.NewSQLAuthorizationStore(db)
		s.Commitments = store.NewSQLCommitmentStore(db)
		crossStore = store.NewSQLCrossChainStore(db)
		rootStore = store.NewSQLRootStore(db)
		uriOpts = append(uriOpts, uri.WithStore(store.NewSQLPolicyStore(db)))
		logger.InfoContext(ctx, "sql storage ready", "driver", cfg.Storage.Driver)
	}

	if cfg.Redis.Addr != "" {
		client := store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.Close(ctx)
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		s.closers = append(s.closers, closeRedis(client))
		s.Commitments = store.NewRedisCommitmentStore(client, cfg.Redis.Prefix)
		crossStore = store.NewRedisCrossChainStore(client, cfg.Redis.Prefix)
		logger.InfoContext(ctx, "redis consume stores ready", "addr", cfg.Redis.Addr)
	}

	if o.eventWriter != nil {
		s.Events = events.NewWriterLog(s.Events, o.eventWriter)
	}

	s.Agents = authz.NewLedger(agentStore, s.Controller, s.Events)
	s.Locators, err = uri.NewValidator(cfg.URIPolicy, s.Controller, s.Events, uriOpts...)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("uri policy: %w", err)
	}
	if err := s.Locators.Restore(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}

	gateOpts := []gate.Option{gate.WithClock(o.clock), gate.WithTracker(telemetry)}
	s.Updates = gate.NewAuthenticator(cfg.Domain, s.Commitments, s.Agents, s.Locators, s.Events, gateOpts...)
	s.Reveals = gate.NewRevealGate(s.Commitments, s.Agents, s.Events, gateOpts...)

	crossOpts := []crosschain.Option{crosschain.WithClock(o.clock), crosschain.WithTracker(telemetry)}
	s.Roots = crosschain.NewPublisher(rootStore, s.Controller, s.Events, crossOpts...)
	s.CrossChain = crosschain.NewLedger(crossStore, rootStore, s.Events, crossOpts...)

	s.Tokens = auth.NewValidator(auth.Audience(cfg.Domain), cfg.Auth.MaxTokenTTL).WithClock(o.clock)

	if err := s.bootstrapAgents(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}

	logger.InfoContext(ctx, "commitgate services ready",
		"controller", cfg.Controller.Hex(),
		"chain_id", cfg.Domain.ChainID,
		"verifying_contract", cfg.Domain.VerifyingContract.Hex(),
		"storage", cfg.Storage.Driver,
	)
	return s, nil
}

// bootstrapAgents authorizes configured agents that are not yet authorized.
func (s *Services) bootstrapAgents(ctx context.Context) error {
	for _, agent := range s.Config.Agents {
		ok, err := s.Agents.IsAuthorized(ctx, agent)
		if err != nil {
			return fmt.Errorf("bootstrap agent %s: %w", agent, err)
		}
		if ok {
			continue
		}
		if err := s.Agents.Authorize(ctx, s.Controller.Address(), agent); err != nil {
			return fmt.Errorf("bootstrap agent %s: %w", agent, err)
		}
	}
	return nil
}

// Close releases storage connections and flushes telemetry, newest first.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Ping checks the storage backends.
func (s *Services) Ping(ctx context.Context) error {
	_, err := s.Commitments.Status(ctx, crypto.Hash{})
	return err
}

func closeRedis(c *redis.Client) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
