package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/access"
	"github.com/mwistrand/aussie/internal/auth"
	"github.com/mwistrand/aussie/internal/proxy"
	"github.com/mwistrand/aussie/internal/ratelimit"
	"github.com/mwistrand/aussie/internal/registry"
	"github.com/mwistrand/aussie/internal/session"
	"github.com/mwistrand/aussie/internal/wsbridge"
)

// harness wires a full pipeline over memory stores.
type harness struct {
	cfg      *config.Config
	registry *registry.Registry
	keys     *auth.MemoryKeyRepository
	sessions *session.Manager
	pipeline *Pipeline
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Limits.MaxBodySize = 1 << 20
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New(registry.NewMemoryRepository())
	limiter := ratelimit.NewLimiter(cfg.RateLimit,
		ratelimit.NewMemoryStore(ratelimit.ForAlgorithm(cfg.RateLimit.Algorithm), time.Minute))
	authLimiter := ratelimit.NewAuthLimiter(cfg.AuthRateLimit, ratelimit.NewMemoryFailedAttempts())

	keys := auth.NewMemoryKeyRepository()
	sessions := session.NewManager(cfg.Session, session.NewMemoryRepository())
	chain, err := auth.NewChain(cfg.Auth, cfg.Mode, cfg.Session,
		auth.NewAPIKeyMechanism(cfg.Auth.APIKeyPrefix, keys),
		auth.NewSessionMechanism(sessions),
	)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	var minter *session.Minter
	if cfg.Session.JWS.Enabled {
		minter, err = session.NewMinter(cfg.Session.JWS)
		if err != nil {
			t.Fatalf("minter: %v", err)
		}
	}

	px := proxy.New(proxy.Config{
		Forwarding:     cfg.Forwarding,
		RequestTimeout: 5 * time.Second,
		SessionCookie:  cfg.Session.Cookie.Name,
	})
	bridge := wsbridge.New(cfg.WebSocket, nil, sessions)

	return &harness{
		cfg:      cfg,
		registry: reg,
		keys:     keys,
		sessions: sessions,
		pipeline: NewPipeline(Deps{
			Config:      cfg,
			Registry:    reg,
			Limiter:     limiter,
			AuthLimiter: authLimiter,
			Chain:       chain,
			Sessions:    sessions,
			Minter:      minter,
			Access:      access.NewEvaluator(cfg.Access),
			Proxy:       px,
			Bridge:      bridge,
		}),
	}
}

func (h *harness) register(t *testing.T, reg *registry.ServiceRegistration) {
	t.Helper()
	if _, err := h.registry.Register(context.Background(), reg); err != nil {
		t.Fatalf("register %s: %v", reg.ServiceID, err)
	}
}

func boolPtr(b bool) *bool { return &b }

func testSigningKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func TestPublicPassThroughForwardsWithAttestation(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Write([]byte("hi from upstream"))
	}))
	defer backend.Close()

	h := newHarness(t, nil)
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{{
			Path:         "/hello",
			Methods:      []string{"GET"},
			Visibility:   registry.VisibilityPublic,
			AuthRequired: boolPtr(false),
		}},
	})

	r := httptest.NewRequest(http.MethodGet, "/demo/hello", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "hi from upstream" {
		t.Fatalf("body = %q", w.Body.String())
	}
	if fwd := seen.Get("Forwarded"); !strings.Contains(fwd, "for=198.51.100.1") {
		t.Fatalf("Forwarded = %q", fwd)
	}
}

func TestRateLimitSixthRequestRejected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.RateLimit.DefaultRequestsPerWindow = 5
		cfg.RateLimit.DefaultWindow = time.Minute
		cfg.RateLimit.DefaultBurstCapacity = 5
	})
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{{
			Path: "/hello", Methods: []string{"GET"}, AuthRequired: boolPtr(false),
		}},
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		r := httptest.NewRequest(http.MethodGet, "/demo/hello", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7")
		last = httptest.NewRecorder()
		h.pipeline.ServeHTTP(last, r)
		if i < 5 && last.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, last.Code)
		}
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth request status = %d, want 429", last.Code)
	}
	retry, err := strconv.Atoi(last.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("Retry-After = %q, want [1, 60]", last.Header().Get("Retry-After"))
	}
	if !strings.Contains(last.Body.String(), "too-many-requests") {
		t.Fatalf("body = %s", last.Body.String())
	}
}

func TestEndpointRateLimitOverrideEnforced(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newHarness(t, nil)
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{
			{
				Path:         "/expensive",
				Methods:      []string{"GET"},
				AuthRequired: boolPtr(false),
				RateLimit: &registry.RateLimitOverride{
					RequestsPerWindow: 1,
					Window:            time.Minute,
					BurstCapacity:     1,
				},
			},
			{Path: "/cheap", Methods: []string{"GET"}, AuthRequired: boolPtr(false)},
		},
	})

	send := func(path string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.50")
		w := httptest.NewRecorder()
		h.pipeline.ServeHTTP(w, r)
		return w
	}

	if w := send("/demo/expensive"); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}
	w := send("/demo/expensive")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("denied request missing Retry-After")
	}

	// The override budget is scoped to its endpoint; siblings keep the
	// platform default.
	if w := send("/demo/cheap"); w.Code != http.StatusOK {
		t.Fatalf("sibling endpoint: status = %d", w.Code)
	}
}

func TestPrivateEndpointDeniedWith404(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be reached")
	}))
	defer backend.Close()

	h := newHarness(t, nil)
	h.register(t, &registry.ServiceRegistration{
		ServiceID: "admin-svc",
		BaseURL:   backend.URL,
		Access:    &registry.AccessPolicy{AllowedIPs: []string{"10.0.0.0/8"}},
		Endpoints: []registry.EndpointConfig{{
			Path:       "/api/admin/**",
			Methods:    []string{"GET"},
			Visibility: registry.VisibilityPrivate,
		}},
	})

	r := httptest.NewRequest(http.MethodGet, "/admin-svc/api/admin/users", nil)
	r.RemoteAddr = "192.0.2.5:51000"
	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestPrivateEndpointAllowedSourcePasses(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newHarness(t, nil)
	h.register(t, &registry.ServiceRegistration{
		ServiceID: "admin-svc",
		BaseURL:   backend.URL,
		Access:    &registry.AccessPolicy{AllowedIPs: []string{"10.0.0.0/8"}},
		Endpoints: []registry.EndpointConfig{{
			Path:         "/api/admin/**",
			Methods:      []string{"GET"},
			Visibility:   registry.VisibilityPrivate,
			AuthRequired: boolPtr(false),
		}},
	})

	r := httptest.NewRequest(http.MethodGet, "/admin-svc/api/admin/users", nil)
	r.RemoteAddr = "10.20.30.40:51000"
	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAPIKeyAuthenticationWithPermissionPolicy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newHarness(t, nil)
	if err := h.keys.Create(context.Background(), &auth.ApiKey{
		ID:          "key-1",
		Name:        "Test Key",
		KeyHash:     auth.HashKey("aussie_TESTKEY"),
		OwnerID:     "owner-1",
		Permissions: []string{"demo.read"},
	}); err != nil {
		t.Fatalf("create key: %v", err)
	}

	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		PermissionPolicy: &registry.PermissionPolicy{
			Operations: map[string]registry.OperationPermission{
				"read-things": {AnyOf: []string{"demo.read"}},
			},
		},
		Endpoints: []registry.EndpointConfig{{
			Path:      "/things",
			Methods:   []string{"GET"},
			Operation: "read-things",
		}},
	})

	// Correct key passes.
	r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	r.Header.Set("Authorization", "Bearer aussie_TESTKEY")
	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// Unknown key fails authentication.
	r = httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	r.Header.Set("Authorization", "Bearer aussie_WRONG")
	w = httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	// Anonymous request is rejected by the permission policy.
	r = httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	w = httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", w.Code)
	}
}

func TestConflictingAuthenticationRejected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be reached")
	}))
	defer backend.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Session.Enabled = true
	})
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{{
			Path: "/things", Methods: []string{"GET"}, AuthRequired: boolPtr(false),
		}},
	})

	r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	r.Header.Set("Authorization", "Bearer aussie_K")
	r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "abc"})
	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "conflicting_authentication") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestWebSocketBridgeIdleTimeoutThroughPipeline(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.WebSocket.IdleTimeout = 100 * time.Millisecond
		cfg.WebSocket.Ping.Enabled = false
	})
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{{
			Path:         "/socket",
			Type:         registry.EndpointWebSocket,
			Visibility:   registry.VisibilityPublic,
			AuthRequired: boolPtr(false),
		}},
	})

	gw := httptest.NewServer(h.pipeline)
	defer gw.Close()

	url := "ws" + strings.TrimPrefix(gw.URL, "http") + "/demo/socket"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("read error = %v, want close frame", err)
	}
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "Idle timeout exceeded" {
		t.Fatalf("close = (%d, %q)", ce.Code, ce.Text)
	}
}

func TestUnknownServiceYields404(t *testing.T) {
	h := newHarness(t, nil)

	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere/path", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestReservedPrefixesNeverProxy(t *testing.T) {
	h := newHarness(t, nil)

	for _, path := range []string{"/q/dev-ui", "/admin/services", "/auth/login"} {
		w := httptest.NewRecorder()
		h.pipeline.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestBodySizeBoundary(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Limits.MaxBodySize = 16
	})
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{{
			Path: "/things", Methods: []string{"POST"}, AuthRequired: boolPtr(false),
		}},
	})

	// Exactly at the limit: allowed.
	r := httptest.NewRequest(http.MethodPost, "/demo/things", strings.NewReader(strings.Repeat("a", 16)))
	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("at limit: status = %d, want 200", w.Code)
	}

	// One byte past: 413.
	r = httptest.NewRequest(http.MethodPost, "/demo/things", strings.NewReader(strings.Repeat("a", 17)))
	w = httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("past limit: status = %d, want 413", w.Code)
	}
}

func TestHeaderSizeLimits(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Limits.MaxHeaderSize = 64
		cfg.Limits.MaxTotalHeadersSize = 256
	})

	r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	r.Header.Set("X-Big", strings.Repeat("v", 65))
	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)
	if w.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Fatalf("oversized header: status = %d, want 431", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	for i := 0; i < 10; i++ {
		r.Header.Set("X-Pad-"+strconv.Itoa(i), strings.Repeat("v", 60))
	}
	w = httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)
	if w.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Fatalf("total headers: status = %d, want 431", w.Code)
	}
}

func TestAuthLockoutAfterRepeatedFailures(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.AuthRateLimit.MaxFailedAttempts = 2
		cfg.AuthRateLimit.IncludeHeaders = true
	})
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{{
			Path: "/things", Methods: []string{"GET"},
		}},
	})

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
		r.Header.Set("Authorization", "Bearer aussie_BADKEY")
		r.RemoteAddr = "198.51.100.9:40000"
		w := httptest.NewRecorder()
		h.pipeline.ServeHTTP(w, r)
		return w
	}

	// The first two failures are 401s; the threshold sets the lockout for
	// the next attempt.
	for i := 0; i < 2; i++ {
		if w := send(); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, w.Code)
		}
	}

	w := send()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("locked attempt: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("locked attempt missing Retry-After")
	}
	if w.Header().Get("X-Auth-Lockout-Key") == "" {
		t.Fatal("locked attempt missing X-Auth-Lockout-Key")
	}
}

func TestSessionIdentityMintsDownstreamToken(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	key := testSigningKeyPEM(t)
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Session.Enabled = true
		cfg.Session.JWS.Enabled = true
		cfg.Session.JWS.SigningKeyPEM = key
	})
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{{
			Path: "/things", Methods: []string{"GET"},
		}},
	})

	s, err := h.sessions.Create(context.Background(), session.NewSession{
		UserID:      "user-1",
		Permissions: []string{"demo.read"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	r.AddCookie(&http.Cookie{Name: "aussie_session", Value: s.ID})
	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if seen.Get("X-Aussie-Token") == "" {
		t.Fatal("downstream token missing")
	}
	if seen.Get("Cookie") != "" {
		t.Fatal("gateway session cookie leaked to backend")
	}
}

func TestRateLimitHeadersSetOnAllowedRequests(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newHarness(t, nil)
	h.register(t, &registry.ServiceRegistration{
		ServiceID:         "demo",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{{
			Path: "/things", Methods: []string{"GET"}, AuthRequired: boolPtr(false),
		}},
	})

	w := httptest.NewRecorder()
	h.pipeline.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/demo/things", nil))

	if w.Header().Get("X-RateLimit-Limit") == "" || w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Fatalf("rate limit headers missing: %v", w.Header())
	}
}
