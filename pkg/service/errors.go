package service

import (
	"errors"

	"github.com/Mindburn-Labs/commitgate/pkg/auth"
	"github.com/Mindburn-Labs/commitgate/pkg/authz"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/gate"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/uri"
)

// Version is reported by /health and the CLI.
const Version = "0.1.0"

// Machine-readable error codes shared by the API, the client and metrics.
const (
	CodeUnauthorized     = "unauthorized"
	CodeNotAuthorized    = "not_authorized"
	CodeExpired          = "expired"
	CodeAlreadyConsumed  = "already_consumed"
	CodeInvalidSignature = "invalid_signature"
	CodeSignerMismatch   = "signer_mismatch"
	CodeInvalidProof     = "invalid_proof"
	CodeDomainNotAllowed = "domain_not_allowed"
	CodeTooLong          = "too_long"
	CodeMalformed        = "malformed"
	CodeVersionConflict  = "version_conflict"
	CodeInvalidToken     = "invalid_token"
	CodeInternal         = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{authz.ErrUnauthorized, CodeUnauthorized},
	{authz.ErrNotAuthorized, CodeNotAuthorized},
	{gate.ErrExpired, CodeExpired},
	{nonce.ErrAlreadyConsumed, CodeAlreadyConsumed},
	{crypto.ErrInvalidSignature, CodeInvalidSignature},
	{gate.ErrSignerMismatch, CodeSignerMismatch},
	{crosschain.ErrInvalidProof, CodeInvalidProof},
	{uri.ErrDomainNotAllowed, CodeDomainNotAllowed},
	{uri.ErrTooLong, CodeTooLong},
	{uri.ErrMalformed, CodeMalformed},
	{gate.ErrMalformedRequest, CodeMalformed},
	{crosschain.ErrVersionConflict, CodeVersionConflict},
	{auth.ErrInvalidToken, CodeInvalidToken},
}

// ErrorCode names the protocol failure kind of err, or CodeInternal.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorForCode is the inverse of ErrorCode; nil for unknown codes.
func ErrorForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
