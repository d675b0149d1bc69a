package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/uri"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	require.Error(t, err)
}

func TestSQLCommitmentStore_ConsumeMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLCommitmentStore(db)
	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	d := crypto.Keccak256([]byte("c"))

	mock.ExpectExec("INSERT INTO commitments").
		WithArgs(d.Hex(), "signed_update", "2026-01-01T00:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO commitments").
		WithArgs(d.Hex(), "reveal", "2026-01-01T00:00:00Z").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Consume(context.Background(), d, nonce.ViaSignedUpdate))
	err = s.Consume(context.Background(), d, nonce.ViaReveal)
	require.ErrorIs(t, err, nonce.ErrAlreadyConsumed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCommitmentStore_StatusMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLCommitmentStore(db)
	d := crypto.Keccak256([]byte("s"))
	query := regexp.QuoteMeta(`SELECT via FROM commitments WHERE digest = $1`)

	mock.ExpectQuery(query).WithArgs(d.Hex()).WillReturnRows(sqlmock.NewRows([]string{"via"}))
	mock.ExpectQuery(query).WithArgs(d.Hex()).WillReturnRows(sqlmock.NewRows([]string{"via"}).AddRow("reveal"))
	mock.ExpectQuery(query).WithArgs(d.Hex()).WillReturnError(errors.New("connection reset"))

	st, err := s.Status(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, st.Consumed)

	st, err = s.Status(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, st.Consumed)
	assert.True(t, st.Revealed)

	_, err = s.Status(context.Background(), d)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCommitmentStore_SQLite(t *testing.T) {
	ctx := context.Background()
	s := NewSQLCommitmentStore(openSQLite(t))
	a := crypto.Keccak256([]byte("a"))
	b := crypto.Keccak256([]byte("b"))

	require.NoError(t, s.Consume(ctx, a, nonce.ViaSignedUpdate))
	require.NoError(t, s.Consume(ctx, b, nonce.ViaReveal))
	require.ErrorIs(t, s.Consume(ctx, a, nonce.ViaReveal), nonce.ErrAlreadyConsumed)

	st, err := s.Status(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, nonce.Status{Digest: a, Consumed: true}, st)

	st, err = s.Status(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, nonce.Status{Digest: b, Consumed: true, Revealed: true}, st)
}

func TestSQLCommitmentStore_ConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	s := NewSQLCommitmentStore(openSQLite(t))
	d := crypto.Keccak256([]byte("race"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Consume(ctx, d, nonce.ViaSignedUpdate); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSQLAuthorizationStore_SQLite(t *testing.T) {
	ctx := context.Background()
	s := NewSQLAuthorizationStore(openSQLite(t))
	agent := crypto.Address{0x0a}

	ok, err := s.Authorized(ctx, agent)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetAuthorized(ctx, agent, true))
	require.NoError(t, s.SetAuthorized(ctx, crypto.Address{0x0b}, true))
	ok, err = s.Authorized(ctx, agent)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.SetAuthorized(ctx, agent, false))
	ok, err = s.Authorized(ctx, agent)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListAuthorized(ctx)
	require.NoError(t, err)
	assert.Equal(t, []crypto.Address{{0x0b}}, list)
}

func TestSQLAuthorizationStore_BacksLedger(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	ctrl, err := authz.NewController(crypto.Address{0xc0})
	require.NoError(t, err)
	ledger := authz.NewLedger(NewSQLAuthorizationStore(db), ctrl, NewSQLEventLog(db))

	require.NoError(t, ledger.Authorize(ctx, crypto.Address{0xc0}, crypto.Address{0x01}))
	require.ErrorIs(t, ledger.Authorize(ctx, crypto.Address{0x02}, crypto.Address{0x03}), authz.ErrUnauthorized)

	ok, err := ledger.IsAuthorized(ctx, crypto.Address{0x01})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLCrossChainStore_SQLite(t *testing.T) {
	ctx := context.Background()
	s := NewSQLCrossChainStore(openSQLite(t))
	n, err := nonce.Parse("0x05")
	require.NoError(t, err)

	require.NoError(t, s.Consume(ctx, 1, n))
	require.ErrorIs(t, s.Consume(ctx, 1, n), crosschain.ErrAlreadyConsumed)

	ok, err := s.Consumed(ctx, 1, n)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Consumed(ctx, 2, n)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Consume(ctx, ^uint64(0), n))
}

func TestSQLRootStore_SQLite(t *testing.T) {
	ctx := context.Background()
	s := NewSQLRootStore(openSQLite(t))
	at := time.Date(2026, 10, 19, 8, 30, 0, 123, time.UTC)

	current, err := s.CurrentRoot(ctx)
	require.NoError(t, err)
	assert.False(t, current.Published())

	require.NoError(t, s.Publish(ctx, crosschain.TrustedRoot{Root: crypto.Hash{1}, Version: 1, UpdatedAt: at}))
	require.ErrorIs(t, s.Publish(ctx, crosschain.TrustedRoot{Root: crypto.Hash{9}, Version: 1, UpdatedAt: at}), crosschain.ErrVersionConflict)
	require.ErrorIs(t, s.Publish(ctx, crosschain.TrustedRoot{Root: crypto.Hash{9}, Version: 3, UpdatedAt: at}), crosschain.ErrVersionConflict)
	require.NoError(t, s.Publish(ctx, crosschain.TrustedRoot{Root: crypto.Hash{2}, Version: 2, UpdatedAt: at}))

	current, err = s.CurrentRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, crosschain.TrustedRoot{Root: crypto.Hash{2}, Version: 2, UpdatedAt: at}, current)

	history, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[1].Version)
}

func TestSQLEventLog_SQLite(t *testing.T) {
	ctx := context.Background()
	log := NewSQLEventLog(openSQLite(t))
	log.clock = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 500, time.UTC) }

	_, err := log.Append(ctx, events.KindRootUpdated, map[string]string{"version": "1"})
	require.NoError(t, err)
	_, err = log.Append(ctx, events.KindCommitmentRevealed, map[string]string{"digest": "0x01"})
	require.NoError(t, err)
	last, err := log.Append(ctx, events.KindRootUpdated, map[string]string{"version": "2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last.Seq)

	all, err := log.List(ctx, events.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NoError(t, events.VerifyChain(all))
	assert.Equal(t, last, all[2])

	roots, err := log.List(ctx, events.Filter{Kind: events.KindRootUpdated, AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "2", roots[0].Fields["version"])

	limited, err := log.List(ctx, events.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLRootStore_BacksPublisher(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	ctrl, err := authz.NewController(crypto.Address{0xc0})
	require.NoError(t, err)
	pub := crosschain.NewPublisher(NewSQLRootStore(db), ctrl, NewSQLEventLog(db))

	r, err := pub.UpdateRoot(ctx, crypto.Address{0xc0}, crypto.Hash{0xab})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Version)
	r, err = pub.UpdateRoot(ctx, crypto.Address{0xc0}, crypto.Hash{0xcd})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Version)
}

func TestSQLPolicyStore_SQLite(t *testing.T) {
	ctx := context.Background()
	s := NewSQLPolicyStore(openSQLite(t))

	_, ok, err := s.LoadPolicy(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first := uri.Policy{MaxLength: 256, AllowedDomains: []string{"example.com"}, AllowedSchemes: []string{"https"}}
	require.NoError(t, s.SavePolicy(ctx, first))
	second := uri.Policy{MaxLength: 512, AllowedDomains: []string{"*.cdn.example.org"}, AllowedSchemes: []string{"https", "ipfs"}}
	require.NoError(t, s.SavePolicy(ctx, second))

	got, ok, err := s.LoadPolicy(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestSQLPolicyStore_BacksValidator(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	ctrl, err := authz.NewController(crypto.Address{0xc0})
	require.NoError(t, err)
	initial := uri.Policy{AllowedDomains: []string{"example.com"}}

	v, err := uri.NewValidator(initial, ctrl, NewSQLEventLog(db), uri.WithStore(NewSQLPolicyStore(db)))
	require.NoError(t, err)
	require.NoError(t, v.SetPolicy(ctx, crypto.Address{0xc0}, uri.Policy{AllowedDomains: []string{"evil.com"}}))

	reloaded, err := uri.NewValidator(initial, ctrl, NewSQLEventLog(db), uri.WithStore(NewSQLPolicyStore(db)))
	require.NoError(t, err)
	require.NoError(t, reloaded.Restore(ctx))
	assert.Equal(t, []string{"evil.com"}, reloaded.Policy().AllowedDomains)
}
