// Package auth resolves opaque client tokens to user ids. Policy about what
// a user may do lives elsewhere.
package auth

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("agora/auth")

// Resolver maps a token to a user id. Failures are errs.Unauthenticated.
type Resolver interface {
	ResolveUser(ctx context.Context, token string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, token string) (string, error)

func (f ResolverFunc) ResolveUser(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}
