package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
)

// SQLEventLog implements events.Log. Appends are serialized in process and
// guarded by the seq primary key across processes.
type SQLEventLog struct {
	mu    sync.Mutex
	db    *sql.DB
	clock func() time.Time
}

func NewSQLEventLog(db *sql.DB) *SQLEventLog {
	return &SQLEventLog{db: db, clock: time.Now}
}

const eventColumns = `seq, id, kind, ts, fields, prev_hash, hash`

func (l *SQLEventLog) Append(ctx context.Context, kind events.Kind, fields map[string]string) (events.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return events.Event{}, fmt.Errorf("begin event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev *events.Event
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY seq DESC LIMIT 1`)
	last, err := scanEvent(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return events.Event{}, fmt.Errorf("load last event: %w", err)
	default:
		prev = &last
	}

	e, err := events.Seal(prev, kind, fields, l.clock())
	if err != nil {
		return events.Event{}, err
	}
	raw, err := json.Marshal(e.Fields)
	if err != nil {
		return events.Event{}, fmt.Errorf("encode event fields: %w", err)
	}

	query := `
		INSERT INTO events (seq, id, kind, ts, fields, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, query,
		int64(e.Seq), e.ID, string(e.Kind), formatTime(e.Timestamp), string(raw), e.PrevHash.Hex(), e.Hash.Hex(),
	); err != nil {
		return events.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return events.Event{}, fmt.Errorf("commit event: %w", err)
	}
	return e, nil
}

func (l *SQLEventLog) List(ctx context.Context, filter events.Filter) ([]events.Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.AfterSeq > 0 {
		args = append(args, int64(filter.AfterSeq))
		where = append(where, fmt.Sprintf("seq > $%d", len(args)))
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]events.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (events.Event, error) {
	var (
		seq                                int64
		id, kind, ts, fields, prev, digest string
	)
	if err := row.Scan(&seq, &id, &kind, &ts, &fields, &prev, &digest); err != nil {
		return events.Event{}, err
	}
	e := events.Event{ID: id, Seq: uint64(seq), Kind: events.Kind(kind)}
	var err error
	if e.Timestamp, err = parseTime(ts); err != nil {
		return events.Event{}, fmt.Errorf("event %d timestamp: %w", seq, err)
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return events.Event{}, fmt.Errorf("event %d fields: %w", seq, err)
	}
	if e.PrevHash, err = crypto.ParseHash(prev); err != nil {
		return events.Event{}, fmt.Errorf("event %d prev hash: %w", seq, err)
	}
	if e.Hash, err = crypto.ParseHash(digest); err != nil {
		return events.Event{}, fmt.Errorf("event %d hash: %w", seq, err)
	}
	return e, nil
}
