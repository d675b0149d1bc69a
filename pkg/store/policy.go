package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/uri"
)

// SQLPolicyStore implements uri.Store as a single-row table.
type SQLPolicyStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLPolicyStore(db *sql.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db, clock: time.Now}
}

func (s *SQLPolicyStore) LoadPolicy(ctx context.Context) (uri.Policy, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT policy FROM uri_policy WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uri.Policy{}, false, nil
	}
	if err != nil {
		return uri.Policy{}, false, fmt.Errorf("query policy: %w", err)
	}
	var p uri.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return uri.Policy{}, false, fmt.Errorf("decode policy: %w", err)
	}
	return p, true, nil
}

func (s *SQLPolicyStore) SavePolicy(ctx context.Context, p uri.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	query := `
		INSERT INTO uri_policy (id, policy, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET policy = excluded.policy, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, string(raw), formatTime(s.clock())); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}
