package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/session"
)

// SessionMechanism authenticates the gateway session cookie. Missing or
// invalid sessions are a Skip, not a Failed: an expired cookie is routine
// and must not feed the brute-force limiter.
type SessionMechanism struct {
	manager *session.Manager
}

// NewSessionMechanism creates the session cookie mechanism.
func NewSessionMechanism(manager *session.Manager) *SessionMechanism {
	return &SessionMechanism{manager: manager}
}

func (m *SessionMechanism) Name() string { return "session" }

func (m *SessionMechanism) Authenticate(ctx context.Context, r *http.Request) Result {
	if !m.manager.Enabled() {
		return Skip()
	}

	cookie, err := r.Cookie(m.manager.CookieName())
	if err != nil || cookie.Value == "" {
		return Skip()
	}

	s, err := m.manager.Validate(ctx, cookie.Value)
	if err != nil {
		logging.Warn("session validation error", zap.Error(err))
		return Skip()
	}
	if s == nil {
		return Skip()
	}

	var name string
	if v, ok := s.Claims["name"].(string); ok {
		name = v
	}

	return Authenticated(NewIdentity(Identity{
		ID:          s.UserID,
		Name:        name,
		Permissions: s.Permissions,
		SessionID:   s.ID,
		Issuer:      s.Issuer,
		Claims:      s.Claims,
		ExpiresAt:   s.ExpiresAt,
		Mechanism:   m.Name(),
	}))
}
