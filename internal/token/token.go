// Package token handles the short-lived transport credentials used to open
// realtime provider connections. The server side mints an ephemeral client
// secret against the provider's REST API; the client side fetches one from
// the versecast server before each connect. Credentials are single-use and
// expire within a minute of minting.
package token

import (
	"errors"
	"sync"
	"time"
)

// Credential is one short-lived transport credential. It enforces single use:
// Take returns the secret exactly once.
type Credential struct {
	expiresAt time.Time

	mu     sync.Mutex
	secret string
	used   bool
}

// Errors returned by [Credential.Take].
var (
	ErrCredentialUsed    = errors.New("token: credential already used")
	ErrCredentialExpired = errors.New("token: credential expired")
)

// NewCredential wraps a freshly minted secret.
func NewCredential(secret string, expiresAt time.Time) *Credential {
	return &Credential{secret: secret, expiresAt: expiresAt}
}

// ExpiresAt returns the credential's expiry.
func (c *Credential) ExpiresAt() time.Time { return c.expiresAt }

// Expired reports whether the credential is past its expiry.
func (c *Credential) Expired() bool {
	return !c.expiresAt.IsZero() && time.Now().After(c.expiresAt)
}

// Take returns the secret and marks the credential used. Subsequent calls
// return [ErrCredentialUsed]; an expired credential returns
// [ErrCredentialExpired] without being consumed.
func (c *Credential) Take() (string, error) {
	if c.Expired() {
		return "", ErrCredentialExpired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return "", ErrCredentialUsed
	}
	c.used = true
	return c.secret, nil
}
