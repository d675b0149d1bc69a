package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
)

// SQLCrossChainStore implements crosschain.Store.
type SQLCrossChainStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLCrossChainStore(db *sql.DB) *SQLCrossChainStore {
	return &SQLCrossChainStore{db: db, clock: time.Now}
}

func (s *SQLCrossChainStore) Consumed(ctx context.Context, domainID uint64, n nonce.Nonce) (bool, error) {
	query := `SELECT 1 FROM crosschain_nonces WHERE domain_id = $1 AND nonce = $2`
	var one int
	err := s.db.QueryRowContext(ctx, query, strconv.FormatUint(domainID, 10), n.Hex()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query cross-chain nonce: %w", err)
	}
	return true, nil
}

func (s *SQLCrossChainStore) Consume(ctx context.Context, domainID uint64, n nonce.Nonce) error {
	query := `
		INSERT INTO crosschain_nonces (domain_id, nonce, consumed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (domain_id, nonce) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, strconv.FormatUint(domainID, 10), n.Hex(), formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("consume cross-chain nonce: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: domain %d nonce %s", crosschain.ErrAlreadyConsumed, domainID, n)
	}
	return nil
}

// SQLRootStore implements crosschain.RootStore and keeps every published version.
type SQLRootStore struct {
	db *sql.DB
}

func NewSQLRootStore(db *sql.DB) *SQLRootStore {
	return &SQLRootStore{db: db}
}

func (s *SQLRootStore) CurrentRoot(ctx context.Context) (crosschain.TrustedRoot, error) {
	query := `SELECT version, root, updated_at FROM trusted_roots ORDER BY version DESC LIMIT 1`
	var (
		version  int64
		root, ts string
	)
	err := s.db.QueryRowContext(ctx, query).Scan(&version, &root, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return crosschain.TrustedRoot{}, nil
	}
	if err != nil {
		return crosschain.TrustedRoot{}, fmt.Errorf("query trusted root: %w", err)
	}
	return decodeRoot(version, root, ts)
}

// History lists published roots, newest first.
func (s *SQLRootStore) History(ctx context.Context, limit int) ([]crosschain.TrustedRoot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, root, updated_at FROM trusted_roots ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]crosschain.TrustedRoot, 0)
	for rows.Next() {
		var (
			version  int64
			root, ts string
		)
		if err := rows.Scan(&version, &root, &ts); err != nil {
			return nil, err
		}
		r, err := decodeRoot(version, root, ts)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Publish inserts next only when it directly follows the stored maximum version.
func (s *SQLRootStore) Publish(ctx context.Context, next crosschain.TrustedRoot) error {
	query := `
		INSERT INTO trusted_roots (version, root, updated_at)
		SELECT CAST($1 AS BIGINT), $2, $3
		WHERE (SELECT COALESCE(MAX(version), 0) FROM trusted_roots) = CAST($4 AS BIGINT)
		ON CONFLICT (version) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		int64(next.Version), next.Root.Hex(), formatTime(next.UpdatedAt), int64(next.Version)-1,
	)
	if err != nil {
		return fmt.Errorf("insert trusted root: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: version %d", crosschain.ErrVersionConflict, next.Version)
	}
	return nil
}

func decodeRoot(version int64, root, ts string) (crosschain.TrustedRoot, error) {
	h, err := crypto.ParseHash(root)
	if err != nil {
		return crosschain.TrustedRoot{}, fmt.Errorf("stored root %q: %w", root, err)
	}
	updated, err := parseTime(ts)
	if err != nil {
		return crosschain.TrustedRoot{}, fmt.Errorf("stored root timestamp %q: %w", ts, err)
	}
	return crosschain.TrustedRoot{Root: h, Version: uint64(version), UpdatedAt: updated}, nil
}
