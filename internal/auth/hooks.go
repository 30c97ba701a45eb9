package auth

import (
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret returns the bcrypt hash stored in hooks.secret_hash.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HookVerifier checks the shared secret presented by server-side publishers.
// The last verified secret is remembered so bcrypt runs once per rotation.
type HookVerifier struct {
	hash []byte

	mu   sync.Mutex
	last []byte
}

func NewHookVerifier(hash string) *HookVerifier {
	if hash == "" {
		return nil
	}
	return &HookVerifier{hash: []byte(hash)}
}

// Verify reports whether secret matches. A nil verifier rejects everything.
func (v *HookVerifier) Verify(secret string) bool {
	if v == nil || secret == "" {
		return false
	}
	s := []byte(secret)

	v.mu.Lock()
	last := v.last
	v.mu.Unlock()
	if last != nil && subtle.ConstantTimeCompare(last, s) == 1 {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, s) != nil {
		return false
	}
	v.mu.Lock()
	v.last = s
	v.mu.Unlock()
	return true
}
