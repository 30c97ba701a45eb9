package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/agora/internal/auth"
	"github.com/petervdpas/agora/internal/config"
	"github.com/petervdpas/agora/internal/util"
)

// newResolver builds the token resolver selected by auth.mode. The returned
// func releases background resources.
func newResolver(ctx context.Context, cfg config.Auth, dir string) (auth.Resolver, func(), error) {
	switch cfg.Mode {
	case config.AuthModeJWT:
		if cfg.JWKSURL != "" {
			j, err := auth.NewJWKS(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
			if err != nil {
				return nil, nil, err
			}
			return j, j.Close, nil
		}
		log.Infof("auth: HMAC JWT (issuer=%q audience=%q)", cfg.Issuer, cfg.Audience)
		return auth.NewHMAC(cfg.JWTSecret, cfg.Issuer, cfg.Audience), func() {}, nil
	case config.AuthModeTokens:
		tf, err := auth.OpenTokenFile(util.ResolvePath(dir, cfg.TokensFile))
		if err != nil {
			return nil, nil, err
		}
		return tf, func() { _ = tf.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
}
