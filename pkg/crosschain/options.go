package crosschain

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

// Option configures a Ledger or Publisher.
type Option func(*settings)

func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

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
