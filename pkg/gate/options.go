package gate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Tracker wraps an operation in a span and RED metrics.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

type noopTracker struct{}

func (noopTracker) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

type settings struct {
	clock   func() time.Time
	tracker Tracker
}

// Option configures an Authenticator or RevealGate.
type Option func(*settings)

// WithClock overrides the time source used for expiry checks and receipts.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// WithTracker installs an observability tracker.
func WithTracker(t Tracker) Option {
	return func(s *settings) {
		if t != nil {
			s.tracker = t
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{clock: time.Now, tracker: noopTracker{}}
	for _, o := range opts {
		o(&s)
	}
	return s
}
