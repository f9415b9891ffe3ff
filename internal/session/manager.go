package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/metrics"
)

// InvalidatedEvent notifies subscribers that a session was removed. Live
// WebSocket bridges subscribe so they can drop connections whose auth
// session died.
type InvalidatedEvent struct {
	SessionID string
	UserID    string
}

// Listener receives invalidation events. Notification happens synchronously
// before Invalidate returns, so listeners must not block.
type Listener func(InvalidatedEvent)

// NewSession carries the caller-supplied fields for session creation.
type NewSession struct {
	UserID      string
	Issuer      string
	Claims      map[string]any
	Permissions []string
	UserAgent   string
	IPAddress   string
}

// Manager owns session lifecycle on top of a Repository.
type Manager struct {
	cfg  config.SessionConfig
	repo Repository
	now  func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewManager creates a session manager.
func NewManager(cfg config.SessionConfig, repo Repository) *Manager {
	return &Manager{cfg: cfg, repo: repo, now: time.Now}
}

// Enabled reports whether session authentication participates at all.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// Subscribe registers a listener for invalidation events.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Create generates a fresh session id and stores the session. Id collisions
// trigger regeneration up to the configured retry budget.
func (m *Manager) Create(ctx context.Context, ns NewSession) (*Session, error) {
	retries := m.cfg.MaxCreateRetries
	if retries < 1 {
		retries = 1
	}

	now := m.now()
	for attempt := 0; attempt < retries; attempt++ {
		id, err := NewID()
		if err != nil {
			return nil, fmt.Errorf("session id generation: %w", err)
		}

		s := &Session{
			ID:             id,
			UserID:         ns.UserID,
			Issuer:         ns.Issuer,
			Claims:         ns.Claims,
			Permissions:    ns.Permissions,
			CreatedAt:      now,
			ExpiresAt:      now.Add(m.cfg.TTL),
			LastAccessedAt: now,
			UserAgent:      ns.UserAgent,
			IPAddress:      ns.IPAddress,
		}

		saved, err := m.repo.SaveIfAbsent(ctx, s)
		if err != nil {
			return nil, err
		}
		if saved {
			metrics.SessionsActive.Inc()
			return s, nil
		}
		logging.Warn("session id collision, regenerating", zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("session id collision persisted after %d attempts", retries)
}

// Validate loads the session, checks liveness, and refreshes it: the access
// time always advances, and with sliding expiration the expiry moves to
// now + ttl. Returns nil for missing, expired, or idle sessions.
func (m *Manager) Validate(ctx context.Context, id string) (*Session, error) {
	if len(id) != IDLength {
		return nil, nil
	}

	s, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}

	now := m.now()
	if !s.Valid(now, m.cfg.IdleTimeout) {
		if err := m.repo.Delete(ctx, id); err != nil {
			logging.Warn("expired session cleanup failed", zap.Error(err))
		}
		return nil, nil
	}

	s.LastAccessedAt = now
	if m.cfg.SlidingExpiration {
		s.ExpiresAt = now.Add(m.cfg.TTL)
	}
	if err := m.repo.Update(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Invalidate removes the session and notifies subscribers before returning.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	s, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s != nil {
		metrics.SessionsActive.Dec()
		m.notify(InvalidatedEvent{SessionID: s.ID, UserID: s.UserID})
	}
	return nil
}

// InvalidateAllUserSessions removes every session belonging to the user.
// Subscribers receive a single event with an empty SessionID, which signals
// a user-wide purge.
func (m *Manager) InvalidateAllUserSessions(ctx context.Context, userID string) (int, error) {
	removed, err := m.repo.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.SessionsActive.Sub(float64(removed))
		m.notify(InvalidatedEvent{UserID: userID})
	}
	return removed, nil
}

func (m *Manager) notify(ev InvalidatedEvent) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string {
	return m.cfg.Cookie.Name
}
