package authz_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
)

var (
	controllerAddr = crypto.Address{0xc0}
	agentA         = crypto.Address{0xaa}
	stranger       = crypto.Address{0x55}
)

func newLedger(t *testing.T) (*authz.Ledger, *events.MemoryLog) {
	t.Helper()
	ctrl, err := authz.NewController(controllerAddr)
	require.NoError(t, err)
	log := events.NewMemoryLog()
	return authz.NewLedger(authz.NewMemoryStore(), ctrl, log), log
}

func TestNewController_RejectsZero(t *testing.T) {
	_, err := authz.NewController(crypto.Address{})
	assert.Error(t, err)
}

func TestLedger_AuthorizeRevoke(t *testing.T) {
	ctx := context.Background()
	ledger, log := newLedger(t)

	ok, err := ledger.IsAuthorized(ctx, agentA)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.Authorize(ctx, controllerAddr, agentA))
	ok, _ = ledger.IsAuthorized(ctx, agentA)
	assert.True(t, ok)

	require.NoError(t, ledger.Revoke(ctx, controllerAddr, agentA))
	ok, _ = ledger.IsAuthorized(ctx, agentA)
	assert.False(t, ok)

	evs, err := log.List(ctx, events.Filter{Kind: events.KindAuthorizationChanged})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, agentA.Hex(), evs[0].Fields["identity"])
	assert.Equal(t, "true", evs[0].Fields["authorized"])
	assert.Equal(t, "false", evs[1].Fields["authorized"])
}

func TestLedger_NonControllerRejected(t *testing.T) {
	ctx := context.Background()
	ledger, log := newLedger(t)

	err := ledger.Authorize(ctx, stranger, agentA)
	require.ErrorIs(t, err, authz.ErrUnauthorized)
	err = ledger.Revoke(ctx, agentA, agentA)
	require.ErrorIs(t, err, authz.ErrUnauthorized)
	err = ledger.Authorize(ctx, crypto.Address{}, agentA)
	require.ErrorIs(t, err, authz.ErrUnauthorized)

	ok, _ := ledger.IsAuthorized(ctx, agentA)
	assert.False(t, ok, "no mutation on rejected call")

	evs, _ := log.List(ctx, events.Filter{})
	assert.Empty(t, evs)
}

func TestLedger_ZeroIdentityNeverAuthorized(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newLedger(t)
	assert.Error(t, ledger.Authorize(ctx, controllerAddr, crypto.Address{}))
	ok, err := ledger.IsAuthorized(ctx, crypto.Address{})
	require.NoError(t, err)
	assert.False(t, ok)
}

type brokenLog struct{ events.Log }

func (brokenLog) Append(context.Context, events.Kind, map[string]string) (events.Event, error) {
	return events.Event{}, errors.New("disk full")
}

func TestLedger_FailedEventLeavesNoChange(t *testing.T) {
	ctx := context.Background()
	ctrl, err := authz.NewController(controllerAddr)
	require.NoError(t, err)
	store := authz.NewMemoryStore()
	ledger := authz.NewLedger(store, ctrl, brokenLog{events.NewMemoryLog()})

	require.Error(t, ledger.Authorize(ctx, controllerAddr, agentA))
	ok, err := ledger.IsAuthorized(ctx, agentA)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetAuthorized(ctx, agentA, true))
	require.Error(t, ledger.Revoke(ctx, controllerAddr, agentA))
	ok, _ = ledger.IsAuthorized(ctx, agentA)
	assert.True(t, ok, "revoke without an event must not take effect")
}
