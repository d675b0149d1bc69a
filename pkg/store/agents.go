package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

// SQLAuthorizationStore implements authz.Store.
type SQLAuthorizationStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLAuthorizationStore(db *sql.DB) *SQLAuthorizationStore {
	return &SQLAuthorizationStore{db: db, clock: time.Now}
}

func (s *SQLAuthorizationStore) Authorized(ctx context.Context, identity crypto.Address) (bool, error) {
	query := `SELECT authorized FROM agents WHERE identity = $1`
	var ok bool
	err := s.db.QueryRowContext(ctx, query, identity.Hex()).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query agent: %w", err)
	}
	return ok, nil
}

func (s *SQLAuthorizationStore) SetAuthorized(ctx context.Context, identity crypto.Address, authorized bool) error {
	query := `
		INSERT INTO agents (identity, authorized, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE SET authorized = excluded.authorized, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, identity.Hex(), authorized, formatTime(s.clock())); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// ListAuthorized returns every currently authorized identity.
func (s *SQLAuthorizationStore) ListAuthorized(ctx context.Context) ([]crypto.Address, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM agents WHERE authorized = $1 ORDER BY identity`, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]crypto.Address, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("stored identity %q: %w", raw, err)
		}
		result = append(result, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
