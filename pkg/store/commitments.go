package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
)

// SQLCommitmentStore implements nonce.Store. A row exists iff the digest is consumed.
type SQLCommitmentStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLCommitmentStore(db *sql.DB) *SQLCommitmentStore {
	return &SQLCommitmentStore{db: db, clock: time.Now}
}

func (s *SQLCommitmentStore) Status(ctx context.Context, digest crypto.Hash) (nonce.Status, error) {
	query := `SELECT via FROM commitments WHERE digest = $1`
	var via string
	err := s.db.QueryRowContext(ctx, query, digest.Hex()).Scan(&via)
	if errors.Is(err, sql.ErrNoRows) {
		return nonce.Status{Digest: digest}, nil
	}
	if err != nil {
		return nonce.Status{}, fmt.Errorf("query commitment: %w", err)
	}
	return nonce.Status{
		Digest:   digest,
		Consumed: true,
		Revealed: nonce.Via(via) == nonce.ViaReveal,
	}, nil
}

func (s *SQLCommitmentStore) Consume(ctx context.Context, digest crypto.Hash, via nonce.Via) error {
	query := `
		INSERT INTO commitments (digest, via, consumed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (digest) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, digest.Hex(), string(via), formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("consume commitment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: commitment %s", nonce.ErrAlreadyConsumed, digest)
	}
	return nil
}
