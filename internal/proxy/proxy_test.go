package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/access"
	"github.com/mwistrand/aussie/internal/registry"
)

func testProxy(t *testing.T, forwarding config.ForwardingConfig) *Proxy {
	t.Helper()
	return New(Config{
		Forwarding:     forwarding,
		RequestTimeout: 5 * time.Second,
		SessionCookie:  "aussie_session",
	})
}

func lookupFor(baseURL, targetPath string) *registry.RouteLookup {
	return &registry.RouteLookup{
		Kind:         registry.MatchServiceOnly,
		Service:      &registry.ServiceRegistration{ServiceID: "demo", BaseURL: baseURL},
		ResidualPath: targetPath,
		TargetPath:   targetPath,
	}
}

func TestServeForwardsAndStreamsBack(t *testing.T) {
	var seen *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(r.Context())
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer backend.Close()

	p := testProxy(t, config.ForwardingConfig{UseRFC7239: true, GatewayID: "aussie"})

	r := httptest.NewRequest(http.MethodPost, "http://gw.example.com/demo/things?q=1", strings.NewReader("body"))
	r.RemoteAddr = "203.0.113.9:4821"
	w := httptest.NewRecorder()

	p.Serve(w, r, lookupFor(backend.URL, "/things"), access.Source{IP: "203.0.113.9", Host: "gw.example.com"}, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if w.Body.String() != "created" {
		t.Fatalf("body = %q", w.Body.String())
	}
	if w.Header().Get("X-Backend") != "yes" {
		t.Fatal("backend headers should stream through")
	}
	if seen.URL.Path != "/things" || seen.URL.RawQuery != "q=1" {
		t.Fatalf("backend saw %s?%s", seen.URL.Path, seen.URL.RawQuery)
	}

	fwd := seen.Header.Get("Forwarded")
	if !strings.Contains(fwd, "for=203.0.113.9") || !strings.Contains(fwd, "by=aussie") {
		t.Fatalf("Forwarded = %q", fwd)
	}
	if !strings.Contains(fwd, "proto=http") {
		t.Fatalf("Forwarded = %q, missing proto", fwd)
	}
}

func TestServeLegacyForwardingHeaders(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	p := testProxy(t, config.ForwardingConfig{UseRFC7239: false, GatewayID: "aussie"})

	r := httptest.NewRequest(http.MethodGet, "http://gw.example.com/demo/things", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	w := httptest.NewRecorder()

	p.Serve(w, r, lookupFor(backend.URL, "/things"), access.Source{IP: "203.0.113.9", Host: "gw.example.com"}, nil)

	if got := seen.Get("X-Forwarded-For"); got != "198.51.100.1, 203.0.113.9" {
		t.Fatalf("X-Forwarded-For = %q", got)
	}
	if seen.Get("X-Forwarded-Proto") != "http" || seen.Get("X-Forwarded-Host") != "gw.example.com" {
		t.Fatalf("X-Forwarded headers = %v", seen)
	}
}

func TestServeScrubsHopByHopAndSessionCookie(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream", "1")
	}))
	defer backend.Close()

	p := testProxy(t, config.ForwardingConfig{UseRFC7239: true, GatewayID: "aussie"})

	r := httptest.NewRequest(http.MethodGet, "http://gw.example.com/demo/things", nil)
	r.Header.Set("Connection", "X-Drop-Me")
	r.Header.Set("X-Drop-Me", "secret")
	r.Header.Set("Proxy-Authorization", "Basic abc")
	r.Header.Set("Cookie", "aussie_session=abc123; theme=dark")
	w := httptest.NewRecorder()

	p.Serve(w, r, lookupFor(backend.URL, "/things"), access.Source{IP: "10.0.0.1"}, nil)

	for _, h := range []string{"X-Drop-Me", "Proxy-Authorization", "Connection"} {
		if seen.Get(h) != "" {
			t.Fatalf("header %s leaked to backend", h)
		}
	}
	if got := seen.Get("Cookie"); got != "theme=dark" {
		t.Fatalf("Cookie = %q, want gateway session stripped", got)
	}
	if w.Header().Get("Keep-Alive") != "" {
		t.Fatal("hop-by-hop response header leaked to client")
	}
	if w.Header().Get("X-Upstream") != "1" {
		t.Fatal("end-to-end response header should pass")
	}
}

func TestServeDoesNotClobberGatewayHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "backend-says-otherwise")
	}))
	defer backend.Close()

	p := testProxy(t, config.ForwardingConfig{UseRFC7239: true})

	r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-RateLimit-Limit", "100")

	p.Serve(w, r, lookupFor(backend.URL, "/things"), access.Source{IP: "10.0.0.1"}, nil)

	if got := w.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Fatalf("X-RateLimit-Limit = %q, gateway header was clobbered", got)
	}
}

func TestServeAppliesPathRewrite(t *testing.T) {
	var seenPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	}))
	defer backend.Close()

	p := testProxy(t, config.ForwardingConfig{UseRFC7239: true})

	lookup := &registry.RouteLookup{
		Kind:    registry.MatchEndpoint,
		Service: &registry.ServiceRegistration{ServiceID: "demo", BaseURL: backend.URL},
		Endpoint: &registry.EndpointConfig{
			Path:        "/things/{id}",
			PathRewrite: "/api/v2/items/{id}",
		},
		ResidualPath: "/things/42",
		TargetPath:   "/things/42",
		PathVars:     map[string]string{"id": "42"},
	}

	r := httptest.NewRequest(http.MethodGet, "/demo/things/42", nil)
	w := httptest.NewRecorder()
	p.Serve(w, r, lookup, access.Source{IP: "10.0.0.1"}, nil)

	if seenPath != "/api/v2/items/42" {
		t.Fatalf("backend path = %q, want rewrite applied", seenPath)
	}
}

func TestServeSetsOutboundHeaders(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	p := testProxy(t, config.ForwardingConfig{UseRFC7239: true})

	outbound := http.Header{}
	outbound.Set("X-Aussie-Token", "signed.jws.token")

	r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	w := httptest.NewRecorder()
	p.Serve(w, r, lookupFor(backend.URL, "/things"), access.Source{IP: "10.0.0.1"}, outbound)

	if seen.Get("X-Aussie-Token") != "signed.jws.token" {
		t.Fatal("outbound gateway header missing on backend request")
	}
}

func TestServeUpstreamRefusedYields502(t *testing.T) {
	// A closed server refuses connections immediately.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close()

	p := testProxy(t, config.ForwardingConfig{UseRFC7239: true})

	r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	w := httptest.NewRecorder()
	p.Serve(w, r, lookupFor(backend.URL, "/things"), access.Source{IP: "10.0.0.1"}, nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestServeUpstreamTimeoutYields504(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer backend.Close()

	p := New(Config{
		Forwarding:     config.ForwardingConfig{UseRFC7239: true},
		RequestTimeout: 20 * time.Millisecond,
	})

	r := httptest.NewRequest(http.MethodGet, "/demo/things", nil)
	w := httptest.NewRecorder()
	p.Serve(w, r, lookupFor(backend.URL, "/things"), access.Source{IP: "10.0.0.1"}, nil)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
}
