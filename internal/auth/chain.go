package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/metrics"
)

// NoopMechanism is the dev-mode bypass: every request authenticates as an
// admin principal. It never ships to production; NewChain refuses it there.
type NoopMechanism struct{}

func (NoopMechanism) Name() string { return "noop" }

func (NoopMechanism) Authenticate(ctx context.Context, r *http.Request) Result {
	return Authenticated(NewIdentity(Identity{
		ID:          "dev",
		Name:        "Development Bypass",
		Permissions: []string{"*"},
		Mechanism:   "noop",
	}))
}

// Chain runs mechanisms in priority order; the first non-Skip result wins.
type Chain struct {
	mechanisms      []Mechanism
	sessionsEnabled bool
	cookieName      string
}

// NewChain assembles the mechanism chain. The dev bypass, when enabled, is
// prepended so it preempts everything; enabling it in production mode is a
// startup error.
func NewChain(cfg config.AuthConfig, mode config.Mode, sessionCfg config.SessionConfig, mechanisms ...Mechanism) (*Chain, error) {
	if cfg.DangerousNoop {
		if mode == config.ModeProduction {
			return nil, fmt.Errorf("dangerous_noop authentication is refused in production mode")
		}
		logging.Warn("authentication bypass enabled: every request authenticates as admin")
		mechanisms = append([]Mechanism{NoopMechanism{}}, mechanisms...)
	}
	return &Chain{
		mechanisms:      mechanisms,
		sessionsEnabled: sessionCfg.Enabled,
		cookieName:      sessionCfg.Cookie.Name,
	}, nil
}

// Conflicting reports whether the request presents both an Authorization
// header and a session cookie while sessions are enabled. Such requests are
// rejected before any mechanism runs.
func (c *Chain) Conflicting(r *http.Request) bool {
	if !c.sessionsEnabled {
		return false
	}
	if r.Header.Get("Authorization") == "" {
		return false
	}
	cookie, err := r.Cookie(c.cookieName)
	return err == nil && cookie.Value != ""
}

// Authenticate runs the chain. All-Skip yields a Skip result, meaning the
// request is anonymous.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, m := range c.mechanisms {
		result := m.Authenticate(ctx, r)
		switch result.Status {
		case StatusAuthenticated:
			metrics.AuthResults.WithLabelValues(m.Name(), "authenticated").Inc()
			return result
		case StatusFailed:
			metrics.AuthResults.WithLabelValues(m.Name(), "failed").Inc()
			return result
		}
	}
	return Skip()
}
