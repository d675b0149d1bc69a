package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/config"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/gate"
	"github.com/Mindburn-Labs/commitgate/pkg/merkle"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/service"
	"github.com/Mindburn-Labs/commitgate/pkg/uri"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T, agent crypto.Address) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Controller = crypto.Address{0xc0}
	cfg.Domain.VerifyingContract = crypto.Address{0xde}
	cfg.URIPolicy.AllowedDomains = []string{"example.com"}
	cfg.Agents = []crypto.Address{agent}
	return cfg
}

func exercise(t *testing.T, svc *service.Services, agent *crypto.Secp256k1Signer) {
	t.Helper()
	ctx := context.Background()

	n, err := nonce.Parse("0x01")
	require.NoError(t, err)
	req := gate.UpdateRequest{
		Agent:      agent.Address(),
		TargetID:   big.NewInt(1),
		PayloadURI: "https://example.com/a.json",
		Digest:     nonce.Digest(n, agent.Address()),
		Expiry:     uint64(now.Add(time.Hour).Unix()),
	}
	sig, err := gate.SignUpdate(agent, svc.Config.Domain, req)
	require.NoError(t, err)
	_, err = svc.Updates.SubmitUpdate(ctx, req, sig)
	require.NoError(t, err)

	_, err = svc.Reveals.Reveal(ctx, agent.Address(), n)
	require.ErrorIs(t, err, nonce.ErrAlreadyConsumed)

	leaf := crosschain.Leaf(5, n)
	tree, err := merkle.Build([]crypto.Hash{leaf, crypto.Keccak256([]byte("x"))})
	require.NoError(t, err)
	_, err = svc.Roots.UpdateRoot(ctx, svc.Controller.Address(), tree.Root())
	require.NoError(t, err)
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	_, err = svc.CrossChain.ConsumeWithProof(ctx, 5, n, proof)
	require.NoError(t, err)

	evs, err := svc.Events.List(ctx, events.Filter{})
	require.NoError(t, err)
	require.NoError(t, events.VerifyChain(evs))
	require.NoError(t, svc.Ping(ctx))
}

func TestNew_Memory(t *testing.T) {
	agent, err := crypto.NewSecp256k1Signer()
	require.NoError(t, err)
	var out bytes.Buffer

	svc, err := service.New(context.Background(), testConfig(t, agent.Address()),
		service.WithClock(func() time.Time { return now }),
		service.WithEventWriter(&out),
	)
	require.NoError(t, err)
	defer func() { _ = svc.Close(context.Background()) }()

	ok, err := svc.Agents.IsAuthorized(context.Background(), agent.Address())
	require.NoError(t, err)
	assert.True(t, ok, "configured agents are bootstrapped")

	exercise(t, svc, agent)
	assert.Contains(t, out.String(), string(events.KindUpdateApplied))
}

func TestNew_SQLiteSurvivesRestart(t *testing.T) {
	agent, err := crypto.NewSecp256k1Signer()
	require.NoError(t, err)
	cfg := testConfig(t, agent.Address())
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "file:" + filepath.Join(t.TempDir(), "commitgate.db")
	clock := service.WithClock(func() time.Time { return now })

	svc, err := service.New(context.Background(), cfg, clock)
	require.NoError(t, err)
	exercise(t, svc, agent)
	require.NoError(t, svc.Locators.SetPolicy(context.Background(), svc.Controller.Address(), uri.Policy{
		AllowedDomains: []string{"cdn.example.org"},
		AllowedSchemes: []string{"https", "ipfs"},
	}))
	require.NoError(t, svc.Close(context.Background()))

	reopened, err := service.New(context.Background(), cfg, clock)
	require.NoError(t, err)
	defer func() { _ = reopened.Close(context.Background()) }()

	n, _ := nonce.Parse("0x01")
	st, err := reopened.Commitments.Status(context.Background(), nonce.Digest(n, agent.Address()))
	require.NoError(t, err)
	assert.True(t, st.Consumed)

	root, err := reopened.Roots.CurrentRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), root.Version)

	authorized, err := reopened.Events.List(context.Background(), events.Filter{Kind: events.KindAuthorizationChanged})
	require.NoError(t, err)
	assert.Len(t, authorized, 1, "bootstrap does not re-authorize")

	policy := reopened.Locators.Policy()
	assert.Equal(t, []string{"cdn.example.org"}, policy.AllowedDomains, "saved policy wins over config")
	assert.Equal(t, []string{"https", "ipfs"}, policy.AllowedSchemes)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	_, err := service.New(context.Background(), cfg)
	require.ErrorContains(t, err, "controller")

	cfg.Controller = crypto.Address{1}
	cfg.Storage.Driver = "sqlite"
	_, err = service.New(context.Background(), cfg)
	require.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("wrap: %w", authz.ErrUnauthorized): service.CodeUnauthorized,
		authz.ErrNotAuthorized:                        service.CodeNotAuthorized,
		gate.ErrExpired:                               service.CodeExpired,
		fmt.Errorf("x: %w", nonce.ErrAlreadyConsumed): service.CodeAlreadyConsumed,
		crypto.ErrInvalidSignature:                    service.CodeInvalidSignature,
		gate.ErrSignerMismatch:                        service.CodeSignerMismatch,
		crosschain.ErrInvalidProof:                    service.CodeInvalidProof,
		uri.ErrDomainNotAllowed:                       service.CodeDomainNotAllowed,
		uri.ErrTooLong:                                service.CodeTooLong,
		errors.New("disk on fire"):                    service.CodeInternal,
	}
	for err, code := range cases {
		assert.Equal(t, code, service.ErrorCode(err), err.Error())
		if code != service.CodeInternal {
			assert.ErrorIs(t, err, service.ErrorForCode(code))
		}
	}
	assert.Nil(t, service.ErrorForCode("nope"))
}
