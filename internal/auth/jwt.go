package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/petervdpas/agora/internal/errs"
)

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// JWT resolves signed tokens. The user id is the subject claim, falling back
// to preferred_username.
type JWT struct {
	keyfunc jwt.Keyfunc
	opts    []jwt.ParserOption
	jwks    *keyfunc.JWKS
}

func parserOptions(issuer, audience string, methods ...string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return opts
}

// NewHMAC validates HS256 tokens signed with secret.
func NewHMAC(secret, issuer, audience string) *JWT {
	key := []byte(secret)
	return &JWT{
		keyfunc: func(*jwt.Token) (any, error) { return key, nil },
		opts:    parserOptions(issuer, audience, "HS256", "HS384", "HS512"),
	}
}

// NewJWKS validates RS/ES tokens against keys published at url. Keys are
// refreshed in the background until Close.
func NewJWKS(ctx context.Context, url, issuer, audience string) (*JWT, error) {
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Errorf("jwks refresh: %v", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	log.Infof("jwks loaded from %s", url)
	return &JWT{
		keyfunc: jwks.Keyfunc,
		opts:    parserOptions(issuer, audience, "RS256", "RS384", "RS512", "ES256", "ES384", "PS256"),
		jwks:    jwks,
	}, nil
}

func (j *JWT) ResolveUser(_ context.Context, token string) (string, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, j.keyfunc, j.opts...)
	if err != nil {
		return "", errs.Unauthenticated("invalid token: %v", err)
	}
	if !parsed.Valid {
		return "", errs.Unauthenticated("invalid token")
	}
	user := claims.Subject
	if user == "" {
		user = claims.PreferredUsername
	}
	if user == "" {
		return "", errs.Unauthenticated("token has no subject")
	}
	return user, nil
}

// Close stops background key refresh.
func (j *JWT) Close() {
	if j.jwks != nil {
		j.jwks.EndBackground()
	}
}
