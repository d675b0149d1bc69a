package events

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps the chain in process memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	clock  func() time.Time
}

// NewMemoryLog creates an empty log stamped by the wall clock.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{clock: time.Now}
}

// WithClock overrides the timestamp source.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func (l *MemoryLog) Append(_ context.Context, kind Kind, fields map[string]string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev *Event
	if n := len(l.events); n > 0 {
		prev = &l.events[n-1]
	}
	e, err := Seal(prev, kind, fields, l.clock())
	if err != nil {
		return Event{}, err
	}
	l.events = append(l.events, e)
	return e, nil
}

func (l *MemoryLog) List(_ context.Context, filter Filter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range l.events {
		if !filter.match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
