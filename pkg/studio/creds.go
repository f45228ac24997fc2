package studio

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialStore supplies the bearer token used for the realtime handshake
// and HTTP calls. Purge is invoked when the server definitively rejects the
// token as expired, so a stale credential is never retried.
type CredentialStore interface {
	Token() string
	Purge()
}

// MemoryCredentials is the default in-process store.
type MemoryCredentials struct {
	mu    sync.Mutex
	token string
}

func NewMemoryCredentials(token string) *MemoryCredentials {
	return &MemoryCredentials{token: token}
}

func (m *MemoryCredentials) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *MemoryCredentials) Set(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

func (m *MemoryCredentials) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
}

// TokenExpired reports whether the JWT's exp claim is in the past, decoded
// locally without verifying the signature. A token that cannot be decoded is
// treated as not expired; the server remains the authority and will reject it
// on the handshake if it is invalid.
func TokenExpired(token string) bool {
	if token == "" {
		return true
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
