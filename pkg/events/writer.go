package events

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// WriterLog mirrors every appended event as a JSON line to w, after the inner
// log has accepted it. Listing is served by the inner log.
type WriterLog struct {
	inner  Log
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterLog wraps inner. A nil writer means os.Stdout.
func NewWriterLog(inner Log, w io.Writer) *WriterLog {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLog{inner: inner, writer: w}
}

func (l *WriterLog) Append(ctx context.Context, kind Kind, fields map[string]string) (Event, error) {
	e, err := l.inner.Append(ctx, kind, fields)
	if err != nil {
		return Event{}, err
	}

	b, err := json.Marshal(e)
	if err != nil {
		return e, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(b, '\n'))
	return e, err
}

func (l *WriterLog) List(ctx context.Context, filter Filter) ([]Event, error) {
	return l.inner.List(ctx, filter)
}
