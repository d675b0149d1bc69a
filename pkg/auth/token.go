// Package auth establishes caller identity at the HTTP boundary.
//
// Callers present a bearer JWT signed with their own secp256k1 key
// (alg ES256K-R). The token subject must be the signer's address, so no
// server-held secret can mint a token for an agent.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/typeddata"
)

var ErrInvalidToken = errors.New("invalid caller token")

// DefaultMaxTTL bounds the lifetime of a caller token.
const DefaultMaxTTL = 15 * time.Minute

// Claims are the JWT claims of a caller token.
type Claims struct {
	jwt.RegisteredClaims
}

// Audience binds tokens to one signing domain.
func Audience(d typeddata.Domain) string {
	return fmt.Sprintf("commitgate:%d:%s", d.ChainID, d.VerifyingContract.Hex())
}

// IssueToken builds and signs a caller token for s.
func IssueToken(s crypto.Signer, audience string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		ttl = DefaultMaxTTL
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.Address().Hex(),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(SigningMethodES256KR, claims).SignedString(s)
}

// Validator verifies caller tokens.
type Validator struct {
	audience string
	maxTTL   time.Duration
	leeway   time.Duration
	clock    func() time.Time
}

func NewValidator(audience string, maxTTL time.Duration) *Validator {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	return &Validator{
		audience: audience,
		maxTTL:   maxTTL,
		leeway:   30 * time.Second,
		clock:    time.Now,
	}
}

// WithClock overrides the validation time source.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate returns the caller address the token proves.
func (v *Validator) Validate(tokenStr string) (crypto.Address, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{SigningMethodES256KR.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.clock),
	)
	token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return crypto.Address{}, ErrInvalidToken
	}
	if claims.IssuedAt == nil {
		return crypto.Address{}, fmt.Errorf("%w: iat is required", ErrInvalidToken)
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxTTL {
		return crypto.Address{}, fmt.Errorf("%w: lifetime exceeds %s", ErrInvalidToken, v.maxTTL)
	}
	return crypto.ParseAddress(claims.Subject)
}

func keyFunc(token *jwt.Token) (interface{}, error) {
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	addr, err := crypto.ParseAddress(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if addr.IsZero() {
		return nil, errors.New("subject must not be the zero address")
	}
	return addr, nil
}
