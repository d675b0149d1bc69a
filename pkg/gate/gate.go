// Package gate authenticates agent updates and direct nonce reveals.
//
// Both entry points consume commitments from the same nonce.Store, so a
// digest used by one path can never be used again by either.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/typeddata"
)

var (
	ErrExpired          = errors.New("request expired")
	ErrSignerMismatch   = errors.New("signer does not match agent")
	ErrMalformedRequest = errors.New("malformed update request")

	// Re-exported so callers of this package can match every failure kind.
	ErrInvalidSignature = crypto.ErrInvalidSignature
	ErrAlreadyConsumed  = nonce.ErrAlreadyConsumed
	ErrNotAuthorized    = authz.ErrNotAuthorized
	ErrUnauthorized     = authz.ErrUnauthorized
)

// LocatorValidator canonicalizes payload locators or rejects them.
type LocatorValidator interface {
	Canonicalize(raw string) (string, error)
}

// UpdateReceipt describes an applied update.
type UpdateReceipt struct {
	Agent         crypto.Address `json:"agent"`
	TargetID      string         `json:"target_id"`
	PayloadURI    string         `json:"payload_uri"`
	Digest        crypto.Hash    `json:"digest"`
	SigningDigest crypto.Hash    `json:"signing_digest"`
	EventID       string         `json:"event_id"`
	AppliedAt     time.Time      `json:"applied_at"`
}

// Authenticator verifies signed update requests and consumes their commitment.
type Authenticator struct {
	domain      typeddata.Domain
	separator   crypto.Hash
	commitments nonce.Store
	agents      authz.Checker
	locators    LocatorValidator
	log         events.Log
	settings    settings
	logger      *slog.Logger
}

func NewAuthenticator(domain typeddata.Domain, commitments nonce.Store, agents authz.Checker, locators LocatorValidator, log events.Log, opts ...Option) *Authenticator {
	return &Authenticator{
		domain:      domain,
		separator:   domain.Separator(),
		commitments: commitments,
		agents:      agents,
		locators:    locators,
		log:         log,
		settings:    newSettings(opts),
		logger:      slog.Default().With("component", "gate.update"),
	}
}

// Domain returns the signing domain this instance is bound to.
func (a *Authenticator) Domain() typeddata.Domain {
	return a.domain
}

// SubmitUpdate applies req if sig is a valid signature by an authorized agent
// over req, req has not expired and req.Digest has never been consumed.
// Any failure leaves every ledger untouched.
func (a *Authenticator) SubmitUpdate(ctx context.Context, req UpdateRequest, sig []byte) (receipt *UpdateReceipt, err error) {
	ctx, finish := a.settings.tracker.TrackOperation(ctx, "commitgate.update.submit",
		attribute.String("commitgate.digest", req.Digest.Hex()),
	)
	defer func() { finish(err) }()

	now := a.settings.clock()
	if uint64(now.Unix()) > req.Expiry {
		return nil, fmt.Errorf("%w: expiry %d, now %d", ErrExpired, req.Expiry, now.Unix())
	}
	if req.TargetID != nil && (req.TargetID.Sign() < 0 || req.TargetID.BitLen() > 256) {
		return nil, fmt.Errorf("%w: target id out of uint256 range", ErrMalformedRequest)
	}

	status, err := a.commitments.Status(ctx, req.Digest)
	if err != nil {
		return nil, fmt.Errorf("load commitment: %w", err)
	}
	if status.Consumed {
		return nil, fmt.Errorf("%w: commitment %s", ErrAlreadyConsumed, req.Digest)
	}

	ok, err := a.agents.IsAuthorized(ctx, req.Agent)
	if err != nil {
		return nil, fmt.Errorf("load authorization: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, req.Agent)
	}

	payloadURI, err := a.locators.Canonicalize(req.PayloadURI)
	if err != nil {
		return nil, err
	}

	signingDigest := typeddata.Digest(a.separator, req.StructHash())
	signer, err := crypto.Recover(signingDigest, sig)
	if err != nil {
		return nil, err
	}
	if signer != req.Agent {
		return nil, fmt.Errorf("%w: recovered %s, claimed %s", ErrSignerMismatch, signer, req.Agent)
	}

	if err := a.commitments.Consume(ctx, req.Digest, nonce.ViaSignedUpdate); err != nil {
		return nil, err
	}

	if _, err := a.log.Append(ctx, events.KindCommitmentConsumed, map[string]string{
		"digest": req.Digest.Hex(),
		"agent":  req.Agent.Hex(),
		"via":    string(nonce.ViaSignedUpdate),
	}); err != nil {
		return nil, a.eventFailure(ctx, req.Digest, err)
	}
	ev, err := a.log.Append(ctx, events.KindUpdateApplied, map[string]string{
		"target_id":   targetString(req.TargetID),
		"payload_uri": payloadURI,
		"agent":       req.Agent.Hex(),
		"digest":      req.Digest.Hex(),
		"expiry":      strconv.FormatUint(req.Expiry, 10),
	})
	if err != nil {
		return nil, a.eventFailure(ctx, req.Digest, err)
	}

	a.logger.InfoContext(ctx, "update applied",
		"agent", req.Agent.Hex(),
		"target_id", targetString(req.TargetID),
		"digest", req.Digest.Hex(),
	)

	return &UpdateReceipt{
		Agent:         req.Agent,
		TargetID:      targetString(req.TargetID),
		PayloadURI:    payloadURI,
		Digest:        req.Digest,
		SigningDigest: signingDigest,
		EventID:       ev.ID,
		AppliedAt:     now.UTC(),
	}, nil
}

// The commitment stays consumed: a missing audit record must never reopen a replay window.
func (a *Authenticator) eventFailure(ctx context.Context, digest crypto.Hash, err error) error {
	a.logger.ErrorContext(ctx, "commitment consumed but event not recorded", "digest", digest.Hex(), "error", err)
	return fmt.Errorf("record update event: %w", err)
}

// RevealReceipt describes a direct reveal.
type RevealReceipt struct {
	Caller     crypto.Address `json:"caller"`
	Nonce      nonce.Nonce    `json:"nonce"`
	Digest     crypto.Hash    `json:"digest"`
	EventID    string         `json:"event_id"`
	RevealedAt time.Time      `json:"revealed_at"`
}

// RevealGate lets an authorized agent burn its own commitment by disclosing
// the nonce. The caller identity, established by the transport, is the only
// authentication factor.
type RevealGate struct {
	commitments nonce.Store
	agents      authz.Checker
	log         events.Log
	settings    settings
	logger      *slog.Logger
}

func NewRevealGate(commitments nonce.Store, agents authz.Checker, log events.Log, opts ...Option) *RevealGate {
	return &RevealGate{
		commitments: commitments,
		agents:      agents,
		log:         log,
		settings:    newSettings(opts),
		logger:      slog.Default().With("component", "gate.reveal"),
	}
}

// Reveal consumes H(n ‖ caller) and marks it revealed.
func (g *RevealGate) Reveal(ctx context.Context, caller crypto.Address, n nonce.Nonce) (receipt *RevealReceipt, err error) {
	digest := nonce.Digest(n, caller)
	ctx, finish := g.settings.tracker.TrackOperation(ctx, "commitgate.nonce.reveal",
		attribute.String("commitgate.digest", digest.Hex()),
	)
	defer func() { finish(err) }()

	ok, err := g.agents.IsAuthorized(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("load authorization: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an authorized agent", ErrUnauthorized, caller)
	}

	if err := g.commitments.Consume(ctx, digest, nonce.ViaReveal); err != nil {
		return nil, err
	}

	if _, err := g.log.Append(ctx, events.KindCommitmentConsumed, map[string]string{
		"digest": digest.Hex(),
		"agent":  caller.Hex(),
		"via":    string(nonce.ViaReveal),
	}); err != nil {
		return nil, g.eventFailure(ctx, digest, err)
	}
	ev, err := g.log.Append(ctx, events.KindCommitmentRevealed, map[string]string{
		"digest": digest.Hex(),
		"caller": caller.Hex(),
		"nonce":  n.Hex(),
	})
	if err != nil {
		return nil, g.eventFailure(ctx, digest, err)
	}

	g.logger.InfoContext(ctx, "commitment revealed", "caller", caller.Hex(), "digest", digest.Hex())

	return &RevealReceipt{
		Caller:     caller,
		Nonce:      n,
		Digest:     digest,
		EventID:    ev.ID,
		RevealedAt: g.settings.clock().UTC(),
	}, nil
}

func (g *RevealGate) eventFailure(ctx context.Context, digest crypto.Hash, err error) error {
	g.logger.ErrorContext(ctx, "commitment consumed but event not recorded", "digest", digest.Hex(), "error", err)
	return fmt.Errorf("record reveal event: %w", err)
}

// Status reports consumed/revealed for a digest.
func (g *RevealGate) Status(ctx context.Context, digest crypto.Hash) (nonce.Status, error) {
	return g.commitments.Status(ctx, digest)
}
