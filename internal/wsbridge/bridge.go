// Package wsbridge upgrades WebSocket endpoints and couples the client
// socket with a parallel backend socket as a bidirectional pipe with shared
// lifecycle: either side closing, erroring, or timing out closes the other.
package wsbridge

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie/config"
	gwerrors "github.com/mwistrand/aussie/internal/errors"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/metrics"
	"github.com/mwistrand/aussie/internal/ratelimit"
	"github.com/mwistrand/aussie/internal/registry"
	"github.com/mwistrand/aussie/internal/session"
)

// CloseRateLimited is the vendor-space close code mirroring HTTP 429.
const CloseRateLimited = 4429

// Bridge owns all live proxy sessions and their shared policy.
type Bridge struct {
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	limiter  *ratelimit.Limiter

	mu        sync.Mutex
	bySession map[string]map[*ProxySession]bool
	byUser    map[string]map[*ProxySession]bool
	active    int
}

// New creates the bridge. When manager is non-nil the bridge subscribes to
// session invalidation so sockets die with their auth session.
func New(cfg config.WebSocketConfig, limiter *ratelimit.Limiter, manager *session.Manager) *Bridge {
	b := &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks belong to the backend's CORS policy; the
			// gateway forwards the Origin header as-is.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		limiter:   limiter,
		bySession: make(map[string]map[*ProxySession]bool),
		byUser:    make(map[string]map[*ProxySession]bool),
	}
	if manager != nil {
		manager.Subscribe(b.onSessionInvalidated)
	}
	return b
}

// Serve performs the two-sided upgrade and runs the pipe until either side
// ends. clientID keys the per-connection message budget; authSessionID and
// userID tie the socket to its auth session when one exists.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, lookup *registry.RouteLookup, clientID, authSessionID, userID string, outbound http.Header) {
	if !b.reserveSlot() {
		gwerrors.ErrServiceUnavailable.WithDetail("connection limit reached").WriteProblem(w)
		return
	}

	backendURL, err := backendWSURL(lookup, r.URL.RawQuery)
	if err != nil {
		b.releaseSlot()
		gwerrors.ErrBadGateway.WithDetail("invalid backend URL").WriteProblem(w)
		return
	}

	header := make(http.Header)
	for _, k := range []string{"Origin", "Cookie", "Authorization"} {
		if v := r.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}
	for k, vv := range outbound {
		for _, v := range vv {
			header.Set(k, v)
		}
	}

	backend, resp, err := b.dialer.DialContext(r.Context(), backendURL, header)
	if err != nil {
		b.releaseSlot()
		logging.Warn("backend websocket dial failed",
			zap.String("service_id", lookup.Service.ServiceID),
			zap.Error(err))
		if resp != nil {
			resp.Body.Close()
		}
		gwerrors.ErrBadGateway.WriteProblem(w)
		return
	}
	if resp != nil {
		resp.Body.Close()
	}

	client, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.releaseSlot()
		backend.Close()
		return // Upgrade already wrote the handshake error.
	}

	ps := &ProxySession{
		ID:            uuid.NewString(),
		bridge:        b,
		client:        client,
		backend:       backend,
		clientID:      clientID,
		serviceID:     lookup.Service.ServiceID,
		authSessionID: authSessionID,
		userID:        userID,
		done:          make(chan struct{}),
	}
	if b.limiter != nil && b.limiter.Enabled() {
		ps.msgLimit = b.limiter.Resolve(lookup.Service, lookup.Endpoint)
	}
	b.track(ps)
	metrics.WSConnectionsActive.Inc()

	ps.run()
}

func (b *Bridge) reserveSlot() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.MaxConnections > 0 && b.active >= b.cfg.MaxConnections {
		return false
	}
	b.active++
	return true
}

func (b *Bridge) releaseSlot() {
	b.mu.Lock()
	b.active--
	b.mu.Unlock()
}

func (b *Bridge) track(ps *ProxySession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ps.authSessionID != "" {
		if b.bySession[ps.authSessionID] == nil {
			b.bySession[ps.authSessionID] = make(map[*ProxySession]bool)
		}
		b.bySession[ps.authSessionID][ps] = true
	}
	if ps.userID != "" {
		if b.byUser[ps.userID] == nil {
			b.byUser[ps.userID] = make(map[*ProxySession]bool)
		}
		b.byUser[ps.userID][ps] = true
	}
}

func (b *Bridge) untrack(ps *ProxySession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active--
	if set := b.bySession[ps.authSessionID]; set != nil {
		delete(set, ps)
		if len(set) == 0 {
			delete(b.bySession, ps.authSessionID)
		}
	}
	if set := b.byUser[ps.userID]; set != nil {
		delete(set, ps)
		if len(set) == 0 {
			delete(b.byUser, ps.userID)
		}
	}
}

// onSessionInvalidated closes every socket tied to the dead auth session.
// An event without a session id is a user-wide purge.
func (b *Bridge) onSessionInvalidated(ev session.InvalidatedEvent) {
	b.mu.Lock()
	var victims []*ProxySession
	if ev.SessionID != "" {
		for ps := range b.bySession[ev.SessionID] {
			victims = append(victims, ps)
		}
	} else {
		for ps := range b.byUser[ev.UserID] {
			victims = append(victims, ps)
		}
	}
	b.mu.Unlock()

	for _, ps := range victims {
		ps.Close(websocket.ClosePolicyViolation, "Session invalidated")
	}
}

// Active reports the number of live proxy sessions.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// messageAllowed applies the optional per-connection message budget.
func (b *Bridge) messageAllowed(ctx context.Context, ps *ProxySession) bool {
	if b.limiter == nil || !b.limiter.Enabled() {
		return true
	}
	key := ratelimit.WSMessageKey(ps.clientID, ps.serviceID, ps.ID)
	return b.limiter.Check(ctx, key, ps.msgLimit).Allowed
}

// backendWSURL derives the backend socket address from the service base
// URL: http becomes ws, https becomes wss.
func backendWSURL(lookup *registry.RouteLookup, rawQuery string) (string, error) {
	base, err := url.Parse(lookup.Service.BaseURL)
	if err != nil {
		return "", err
	}
	target := *base
	switch strings.ToLower(base.Scheme) {
	case "https", "wss":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	path := lookup.TargetPath
	if lookup.Kind == registry.MatchEndpoint && lookup.Endpoint.PathRewrite != "" {
		path = rewritePath(lookup.Endpoint.PathRewrite, lookup.PathVars)
	}
	target.Path = joinPath(base.Path, path)
	target.RawQuery = rawQuery
	return target.String(), nil
}

// rewritePath replaces {name} placeholders in a rewrite template with
// matched path variables. The terminal wildcard remainder fills {**}.
func rewritePath(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

func joinPath(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
