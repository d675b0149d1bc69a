package crosschain_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/merkle"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
)

type pair struct {
	domain uint64
	nonce  nonce.Nonce
}

type fixture struct {
	ctx        context.Context
	controller crypto.Address
	log        *events.MemoryLog
	publisher  *crosschain.Publisher
	ledger     *crosschain.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), controller: crypto.Address{0xc0}}
	ctrl, err := authz.NewController(f.controller)
	require.NoError(t, err)
	f.log = events.NewMemoryLog()
	roots := crosschain.NewMemoryRootStore()
	clock := crosschain.WithClock(func() time.Time { return time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC) })
	f.publisher = crosschain.NewPublisher(roots, ctrl, f.log, clock)
	f.ledger = crosschain.NewLedger(crosschain.NewMemoryStore(), roots, f.log, clock)
	return f
}

func mustNonce(t *testing.T, s string) nonce.Nonce {
	t.Helper()
	n, err := nonce.Parse(s)
	require.NoError(t, err)
	return n
}

func buildTree(t *testing.T, pairs ...pair) *merkle.Tree {
	t.Helper()
	leaves := make([]crypto.Hash, len(pairs))
	for i, p := range pairs {
		leaves[i] = crosschain.Leaf(p.domain, p.nonce)
	}
	tree, err := merkle.Build(leaves)
	require.NoError(t, err)
	return tree
}

func proofFor(t *testing.T, tree *merkle.Tree, p pair) merkle.Proof {
	t.Helper()
	idx := tree.IndexOf(crosschain.Leaf(p.domain, p.nonce))
	require.GreaterOrEqual(t, idx, 0)
	proof, err := tree.Proof(idx)
	require.NoError(t, err)
	return proof
}

func TestLeaf_EncodesDomainAsUint256(t *testing.T) {
	n := mustNonce(t, "0x01")
	var buf [64]byte
	buf[31] = 5
	buf[63] = 1
	assert.Equal(t, crypto.Keccak256(buf[:]), crosschain.Leaf(5, n))
	assert.NotEqual(t, crosschain.Leaf(5, n), crosschain.Leaf(6, n))
}

func TestParseDomainID(t *testing.T) {
	v, err := crosschain.ParseDomainID("0x10")
	require.NoError(t, err)
	assert.Equal(t, uint64(16), v)
	v, err = crosschain.ParseDomainID("137")
	require.NoError(t, err)
	assert.Equal(t, uint64(137), v)
	_, err = crosschain.ParseDomainID("polygon")
	require.Error(t, err)
}

func TestUpdateRoot_ControllerOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.publisher.UpdateRoot(f.ctx, crypto.Address{0x01}, crypto.Hash{0xaa})
	require.ErrorIs(t, err, authz.ErrUnauthorized)

	current, err := f.publisher.CurrentRoot(f.ctx)
	require.NoError(t, err)
	assert.False(t, current.Published())
	assert.Equal(t, uint64(0), current.Version)
}

func TestUpdateRoot_VersionIsMonotonic(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 3; i++ {
		r, err := f.publisher.UpdateRoot(f.ctx, f.controller, crypto.Hash{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), r.Version)
		assert.False(t, r.UpdatedAt.IsZero())
	}
	evs, err := f.log.List(f.ctx, events.Filter{Kind: events.KindRootUpdated})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "3", evs[2].Fields["version"])
	assert.Equal(t, crypto.Hash{3}.Hex(), evs[2].Fields["root"])

	history, err := f.publisher.History(f.ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(3), history[0].Version)
	assert.Equal(t, crypto.Hash{2}, history[1].Root)
}

type brokenLog struct{ events.Log }

func (brokenLog) Append(context.Context, events.Kind, map[string]string) (events.Event, error) {
	return events.Event{}, errors.New("disk full")
}

func TestUpdateRoot_FailedEventLeavesRootUnchanged(t *testing.T) {
	ctx := context.Background()
	ctrl, err := authz.NewController(crypto.Address{0xc0})
	require.NoError(t, err)
	roots := crosschain.NewMemoryRootStore()
	publisher := crosschain.NewPublisher(roots, ctrl, brokenLog{events.NewMemoryLog()})

	_, err = publisher.UpdateRoot(ctx, crypto.Address{0xc0}, crypto.Hash{0xaa})
	require.Error(t, err)

	current, err := roots.CurrentRoot(ctx)
	require.NoError(t, err)
	assert.False(t, current.Published())
}

func TestMemoryRootStore_RejectsSkippedVersion(t *testing.T) {
	s := crosschain.NewMemoryRootStore()
	err := s.Publish(context.Background(), crosschain.TrustedRoot{Root: crypto.Hash{1}, Version: 2})
	require.ErrorIs(t, err, crosschain.ErrVersionConflict)
}

func TestConsumeWithProof_NoRootPublished(t *testing.T) {
	f := newFixture(t)
	a := pair{1, mustNonce(t, "0x01")}
	tree := buildTree(t, a)

	_, err := f.ledger.ConsumeWithProof(f.ctx, a.domain, a.nonce, proofFor(t, tree, a))
	require.ErrorIs(t, err, crosschain.ErrInvalidProof)
}

func TestConsumeWithProof_CrossChainIndependence(t *testing.T) {
	f := newFixture(t)
	n := mustNonce(t, "0x2a")
	a := pair{1, n}
	b := pair{137, n}
	tree := buildTree(t, a, b, pair{10, mustNonce(t, "0x07")})
	_, err := f.publisher.UpdateRoot(f.ctx, f.controller, tree.Root())
	require.NoError(t, err)

	_, err = f.ledger.ConsumeWithProof(f.ctx, a.domain, a.nonce, proofFor(t, tree, a))
	require.NoError(t, err)

	consumed, err := f.ledger.Consumed(f.ctx, b.domain, b.nonce)
	require.NoError(t, err)
	assert.False(t, consumed)

	receipt, err := f.ledger.ConsumeWithProof(f.ctx, b.domain, b.nonce, proofFor(t, tree, b))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.RootVersion)

	_, err = f.ledger.ConsumeWithProof(f.ctx, a.domain, a.nonce, proofFor(t, tree, a))
	require.ErrorIs(t, err, crosschain.ErrAlreadyConsumed)

	evs, _ := f.log.List(f.ctx, events.Filter{Kind: events.KindCrossChainConsumed})
	require.Len(t, evs, 2)
	assert.Equal(t, "1", evs[0].Fields["domain_id"])
	assert.Equal(t, n.Hex(), evs[0].Fields["nonce"])
}

func TestConsumeWithProof_RejectsWrongPair(t *testing.T) {
	f := newFixture(t)
	a := pair{1, mustNonce(t, "0x01")}
	b := pair{2, mustNonce(t, "0x02")}
	tree := buildTree(t, a, b)
	_, err := f.publisher.UpdateRoot(f.ctx, f.controller, tree.Root())
	require.NoError(t, err)

	// Proof for a presented as if it were for (1, 0x02).
	_, err = f.ledger.ConsumeWithProof(f.ctx, 1, b.nonce, proofFor(t, tree, a))
	require.ErrorIs(t, err, crosschain.ErrInvalidProof)

	// Same siblings without the leaf field still fail for a pair outside the tree.
	p := proofFor(t, tree, a)
	p.Leaf = crypto.Hash{}
	_, err = f.ledger.ConsumeWithProof(f.ctx, 3, a.nonce, p)
	require.ErrorIs(t, err, crosschain.ErrInvalidProof)

	consumed, _ := f.ledger.Consumed(f.ctx, 1, b.nonce)
	assert.False(t, consumed)
}

func TestConsumeWithProof_RootRotation(t *testing.T) {
	f := newFixture(t)
	a := pair{1, mustNonce(t, "0x01")}
	b := pair{1, mustNonce(t, "0x02")}
	c := pair{1, mustNonce(t, "0x03")}

	first := buildTree(t, a, b)
	_, err := f.publisher.UpdateRoot(f.ctx, f.controller, first.Root())
	require.NoError(t, err)
	staleProof := proofFor(t, first, b)
	staleProof.RootVersion = 1

	second := buildTree(t, a, c)
	_, err = f.publisher.UpdateRoot(f.ctx, f.controller, second.Root())
	require.NoError(t, err)

	// b was only under the rotated-out root.
	_, err = f.ledger.ConsumeWithProof(f.ctx, b.domain, b.nonce, staleProof)
	require.ErrorIs(t, err, crosschain.ErrInvalidProof)
	assert.Contains(t, err.Error(), "version 1")

	// a is under both; a proof labelled with the old version still verifies.
	p := proofFor(t, second, a)
	p.RootVersion = 1
	receipt, err := f.ledger.ConsumeWithProof(f.ctx, a.domain, a.nonce, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), receipt.RootVersion)
	assert.Equal(t, second.Root(), receipt.Root)
}

func TestConsumeWithProof_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	a := pair{9, mustNonce(t, "0x99")}
	tree := buildTree(t, a, pair{9, mustNonce(t, "0x98")})
	_, err := f.publisher.UpdateRoot(f.ctx, f.controller, tree.Root())
	require.NoError(t, err)
	proof := proofFor(t, tree, a)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.ConsumeWithProof(f.ctx, a.domain, a.nonce, proof); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

type recordingTracker struct {
	mu    sync.Mutex
	attrs []attribute.KeyValue
}

func (r *recordingTracker) TrackOperation(ctx context.Context, _ string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	r.mu.Lock()
	r.attrs = append(r.attrs, attrs...)
	r.mu.Unlock()
	return ctx, func(error) {}
}

func TestConsumeWithProof_TracksFullDomainID(t *testing.T) {
	rec := &recordingTracker{}
	ledger := crosschain.NewLedger(crosschain.NewMemoryStore(), crosschain.NewMemoryRootStore(), events.NewMemoryLog(),
		crosschain.WithTracker(rec))

	_, err := ledger.ConsumeWithProof(context.Background(), math.MaxUint64, nonce.Nonce{31: 1}, merkle.Proof{})
	require.ErrorIs(t, err, crosschain.ErrInvalidProof)

	require.Len(t, rec.attrs, 1)
	assert.Equal(t, "commitgate.domain_id", string(rec.attrs[0].Key))
	assert.Equal(t, "18446744073709551615", rec.attrs[0].Value.AsString())
}
