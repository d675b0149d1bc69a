package auth

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

type callerKey struct{}

// WithCaller attaches the authenticated caller to the context.
func WithCaller(ctx context.Context, caller crypto.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// GetCaller retrieves the authenticated caller.
func GetCaller(ctx context.Context) (crypto.Address, error) {
	c, ok := ctx.Value(callerKey{}).(crypto.Address)
	if !ok {
		return crypto.Address{}, errors.New("no caller in context")
	}
	return c, nil
}
