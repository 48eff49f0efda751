// Package auth verifies the operator password sent with control requests.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"
)

// Verifier decides whether a supplied password is acceptable.
type Verifier interface {
	Verify(password string) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(password string) bool

// Verify calls f.
func (f VerifierFunc) Verify(password string) bool { return f(password) }

// PasswordVerifier compares against a single configured password. The
// comparison runs on SHA-256 digests in constant time.
type PasswordVerifier struct {
	mu       sync.RWMutex
	expected [sha256.Size]byte
	set      bool
}

// NewPasswordVerifier returns a verifier for password. An empty password
// rejects every attempt.
func NewPasswordVerifier(password string) *PasswordVerifier {
	v := &PasswordVerifier{}
	v.SetPassword(password)
	return v
}

// SetPassword replaces the expected password.
func (v *PasswordVerifier) SetPassword(password string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.expected = sha256.Sum256([]byte(password))
	v.set = password != ""
}

// Verify reports whether password matches.
func (v *PasswordVerifier) Verify(password string) bool {
	got := sha256.Sum256([]byte(password))

	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.set {
		return false
	}
	return subtle.ConstantTimeCompare(got[:], v.expected[:]) == 1
}
