package api

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/gate"
	"github.com/Mindburn-Labs/commitgate/pkg/merkle"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/typeddata"
)

// UpdateBody is the wire form of a signed update. TargetID is a decimal or
// 0x-hex string so values above 2^53 survive JSON clients.
type UpdateBody struct {
	Agent      crypto.Address `json:"agent"`
	TargetID   string         `json:"target_id"`
	PayloadURI string         `json:"payload_uri"`
	Digest     crypto.Hash    `json:"digest"`
	Expiry     uint64         `json:"expiry"`
	Signature  string         `json:"signature"`
}

// NewUpdateBody encodes req and its signature.
func NewUpdateBody(req gate.UpdateRequest, sig []byte) UpdateBody {
	target := "0"
	if req.TargetID != nil {
		target = req.TargetID.String()
	}
	return UpdateBody{
		Agent:      req.Agent,
		TargetID:   target,
		PayloadURI: req.PayloadURI,
		Digest:     req.Digest,
		Expiry:     req.Expiry,
		Signature:  "0x" + hex.EncodeToString(sig),
	}
}

// Decode returns the request and raw signature.
func (b UpdateBody) Decode() (gate.UpdateRequest, []byte, error) {
	target, ok := new(big.Int).SetString(b.TargetID, 0)
	if !ok {
		return gate.UpdateRequest{}, nil, fmt.Errorf("invalid target_id %q", b.TargetID)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(b.Signature, "0x"), "0X"))
	if err != nil {
		return gate.UpdateRequest{}, nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return gate.UpdateRequest{
		Agent:      b.Agent,
		TargetID:   target,
		PayloadURI: b.PayloadURI,
		Digest:     b.Digest,
		Expiry:     b.Expiry,
	}, sig, nil
}

type RevealBody struct {
	Nonce nonce.Nonce `json:"nonce"`
}

type CrossChainBody struct {
	DomainID uint64       `json:"domain_id"`
	Nonce    nonce.Nonce  `json:"nonce"`
	Proof    merkle.Proof `json:"proof"`
}

type CrossChainStatus struct {
	DomainID uint64      `json:"domain_id"`
	Nonce    nonce.Nonce `json:"nonce"`
	Consumed bool        `json:"consumed"`
}

type AgentStatus struct {
	Identity   crypto.Address `json:"identity"`
	Authorized bool           `json:"authorized"`
}

type AgentList struct {
	Agents []crypto.Address `json:"agents"`
}

type RootHistory struct {
	Roots []crosschain.TrustedRoot `json:"roots"`
}

// ChainStatus reports a full re-walk of the event log.
type ChainStatus struct {
	Verified bool        `json:"verified"`
	Events   int         `json:"events"`
	Head     crypto.Hash `json:"head"`
	Detail   string      `json:"detail,omitempty"`
}

type RootBody struct {
	Root crypto.Hash `json:"root"`
}

// DomainInfo tells clients what to sign.
type DomainInfo struct {
	Domain     typeddata.Domain `json:"domain"`
	Separator  crypto.Hash      `json:"separator"`
	UpdateType string           `json:"update_type"`
	Audience   string           `json:"audience"`
	Controller crypto.Address   `json:"controller"`
}

type EventsResponse struct {
	Events []events.Event `json:"events"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
