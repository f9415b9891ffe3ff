// Package session owns server-side session lifecycle and downstream token
// minting. All mutation goes through the Manager; callers treat Session
// values as immutable snapshots.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// IDLength is the encoded length of a session id: 32 random bytes in
// unpadded URL-safe base64.
const IDLength = 43

// Session is one authenticated server-side session.
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Issuer         string            `json:"issuer,omitempty"`
	Claims         map[string]any    `json:"claims,omitempty"`
	Permissions    []string          `json:"permissions,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	UserAgent      string            `json:"user_agent,omitempty"`
	IPAddress      string            `json:"ip_address,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Valid reports whether the session is live at the given instant: not past
// its expiry and not idle longer than idleTimeout.
func (s *Session) Valid(now time.Time, idleTimeout time.Duration) bool {
	if !now.Before(s.ExpiresAt) {
		return false
	}
	if idleTimeout > 0 && now.Sub(s.LastAccessedAt) >= idleTimeout {
		return false
	}
	return true
}

// NewID generates a 256-bit session id from the CSPRNG.
func NewID() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
