package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/petervdpas/agora/internal/errs"
)

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestHMACResolver(t *testing.T) {
	r := NewHMAC("s3cret", "forum", "")
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	t.Run("subject", func(t *testing.T) {
		tok := sign(t, "s3cret", jwt.MapClaims{"sub": "alice", "iss": "forum", "exp": exp})
		user, err := r.ResolveUser(ctx, tok)
		if err != nil || user != "alice" {
			t.Fatalf("got %q, %v", user, err)
		}
	})

	t.Run("preferred username", func(t *testing.T) {
		tok := sign(t, "s3cret", jwt.MapClaims{"preferred_username": "bob", "iss": "forum", "exp": exp})
		user, err := r.ResolveUser(ctx, tok)
		if err != nil || user != "bob" {
			t.Fatalf("got %q, %v", user, err)
		}
	})

	bad := map[string]string{
		"wrong key":    sign(t, "other", jwt.MapClaims{"sub": "alice", "iss": "forum", "exp": exp}),
		"wrong issuer": sign(t, "s3cret", jwt.MapClaims{"sub": "alice", "iss": "evil", "exp": exp}),
		"expired":      sign(t, "s3cret", jwt.MapClaims{"sub": "alice", "iss": "forum", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no expiry":    sign(t, "s3cret", jwt.MapClaims{"sub": "alice", "iss": "forum"}),
		"no subject":   sign(t, "s3cret", jwt.MapClaims{"iss": "forum", "exp": exp}),
		"garbage":      "not.a.jwt",
	}
	for name, tok := range bad {
		t.Run(name, func(t *testing.T) {
			if _, err := r.ResolveUser(ctx, tok); !errors.Is(err, errs.ErrUnauthenticated) {
				t.Fatalf("expected unauthenticated, got %v", err)
			}
		})
	}
}

func TestTokenFileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	if err := os.WriteFile(path, []byte(`{"t1":"alice"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	tf, err := OpenTokenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tf.Close()

	ctx := context.Background()
	if user, err := tf.ResolveUser(ctx, "t1"); err != nil || user != "alice" {
		t.Fatalf("got %q, %v", user, err)
	}
	if _, err := tf.ResolveUser(ctx, "t2"); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"t1":"alice","t2":"bob"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if user, err := tf.ResolveUser(ctx, "t2"); err == nil && user == "bob" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("tokens file was not reloaded")
}

func TestTokenFileCreatesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "tokens.json")
	tf, err := OpenTokenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tf.Close()
	if tf.Len() != 0 {
		t.Fatalf("expected empty token set, got %d", tf.Len())
	}
}

func TestHookVerifier(t *testing.T) {
	hash, err := HashSecret("hook-secret")
	if err != nil {
		t.Fatal(err)
	}
	v := NewHookVerifier(hash)
	if !v.Verify("hook-secret") {
		t.Fatal("expected secret to verify")
	}
	if !v.Verify("hook-secret") {
		t.Fatal("expected cached secret to verify")
	}
	if v.Verify("nope") || v.Verify("") {
		t.Fatal("wrong secret accepted")
	}

	var none *HookVerifier
	if none.Verify("hook-secret") {
		t.Fatal("nil verifier accepted a secret")
	}
}
