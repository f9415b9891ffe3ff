package session

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mwistrand/aussie/config"
)

// Minter issues short-lived RS256 tokens for downstream services so they
// never have to consult the session store themselves.
type Minter struct {
	cfg     config.JWSConfig
	key     *rsa.PrivateKey
	include map[string]bool
	now     func() time.Time
}

// NewMinter parses the configured PEM signing key and prepares the claim
// filter.
func NewMinter(cfg config.JWSConfig) (*Minter, error) {
	if !cfg.Enabled {
		return &Minter{cfg: cfg, now: time.Now}, nil
	}
	if cfg.SigningKeyPEM == "" {
		return nil, fmt.Errorf("jws enabled without a signing key")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.SigningKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("jws signing key: %w", err)
	}

	include := make(map[string]bool, len(cfg.IncludeClaims))
	for _, c := range cfg.IncludeClaims {
		include[c] = true
	}
	return &Minter{cfg: cfg, key: key, include: include, now: time.Now}, nil
}

// Enabled reports whether tokens are minted at all.
func (m *Minter) Enabled() bool {
	return m.cfg.Enabled
}

// Header returns the outbound header the token is placed on.
func (m *Minter) Header() string {
	if m.cfg.Header == "" {
		return "X-Aussie-Token"
	}
	return m.cfg.Header
}

// Mint signs a token for the session. The TTL is clamped to the smallest of
// the configured TTL, the session's remaining lifetime, and the global max.
func (m *Minter) Mint(s *Session) (string, error) {
	now := m.now()

	ttl := m.cfg.TTL
	if m.cfg.MaxTTL > 0 && ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}
	if remaining := s.ExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return "", fmt.Errorf("session expired before minting")
	}

	claims := jwt.MapClaims{
		"iss": m.cfg.Issuer,
		"sub": s.UserID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.NewString(),
		"sid": s.ID,
	}
	if m.cfg.Audience != "" {
		claims["aud"] = m.cfg.Audience
	}
	if len(s.Permissions) > 0 && m.allow("permissions") {
		claims["permissions"] = s.Permissions
	}
	for k, v := range s.Claims {
		if _, reserved := claims[k]; reserved {
			continue
		}
		if m.allow(k) {
			claims[k] = v
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.cfg.KeyID

	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("jws signing: %w", err)
	}
	return signed, nil
}

// allow reports whether the claim passes the include filter. An empty
// filter admits everything.
func (m *Minter) allow(claim string) bool {
	if len(m.include) == 0 {
		return true
	}
	return m.include[claim]
}
