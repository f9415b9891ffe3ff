package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/ratelimit"
	"github.com/mwistrand/aussie/internal/registry"
	"github.com/mwistrand/aussie/internal/session"
)

// echoBackend is a WebSocket server that greets on connect and echoes every
// message after that.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte("welcome")); err != nil {
			return
		}
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsLookup(baseURL string) *registry.RouteLookup {
	return &registry.RouteLookup{
		Kind:         registry.MatchServiceOnly,
		Service:      &registry.ServiceRegistration{ServiceID: "chat", BaseURL: baseURL},
		ResidualPath: "/socket",
		TargetPath:   "/socket",
	}
}

// gatewayFor stands up an HTTP server that routes every request into the
// bridge, the way the pipeline dispatches upgrade requests.
func gatewayFor(t *testing.T, b *Bridge, lookup *registry.RouteLookup, authSessionID, userID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.Serve(w, r, lookup, "10.0.0.1", authSessionID, userID, nil)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v (resp=%v)", err, resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectMessage(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != want {
		t.Fatalf("message = %q, want %q", data, want)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("read error = %v, want close frame", err)
		}
		if ce.Code != code || ce.Text != reason {
			t.Fatalf("close = (%d, %q), want (%d, %q)", ce.Code, ce.Text, code, reason)
		}
		return
	}
}

func TestBridgeRelaysBothDirections(t *testing.T) {
	backend := echoBackend(t)
	b := New(config.WebSocketConfig{IdleTimeout: time.Minute}, nil, nil)
	gw := gatewayFor(t, b, wsLookup(backend.URL), "", "")

	conn := dialGateway(t, gw)

	expectMessage(t, conn, "welcome")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectMessage(t, conn, "hello")
}

func TestIdleTimeoutClosesBothSides(t *testing.T) {
	backend := echoBackend(t)
	b := New(config.WebSocketConfig{IdleTimeout: 100 * time.Millisecond}, nil, nil)
	gw := gatewayFor(t, b, wsLookup(backend.URL), "", "")

	conn := dialGateway(t, gw)
	expectMessage(t, conn, "welcome")

	expectClose(t, conn, websocket.CloseNormalClosure, "Idle timeout exceeded")
}

func TestActivityResetsIdleTimer(t *testing.T) {
	backend := echoBackend(t)
	b := New(config.WebSocketConfig{IdleTimeout: 150 * time.Millisecond}, nil, nil)
	gw := gatewayFor(t, b, wsLookup(backend.URL), "", "")

	conn := dialGateway(t, gw)
	expectMessage(t, conn, "welcome")

	// Keep the connection busy past the original idle deadline.
	for i := 0; i < 3; i++ {
		time.Sleep(80 * time.Millisecond)
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		expectMessage(t, conn, "ping")
	}
}

func TestMaxLifetimeCloses(t *testing.T) {
	backend := echoBackend(t)
	b := New(config.WebSocketConfig{
		IdleTimeout: time.Minute,
		MaxLifetime: 100 * time.Millisecond,
	}, nil, nil)
	gw := gatewayFor(t, b, wsLookup(backend.URL), "", "")

	conn := dialGateway(t, gw)
	expectMessage(t, conn, "welcome")

	expectClose(t, conn, websocket.CloseNormalClosure, "Maximum connection lifetime exceeded")
}

func TestMessageRateLimitCloses(t *testing.T) {
	backend := echoBackend(t)

	store := ratelimit.NewMemoryStore(ratelimit.ForAlgorithm(config.AlgorithmFixedWindow), time.Minute)
	limiter := ratelimit.NewLimiter(config.RateLimitConfig{
		Enabled:                  true,
		Algorithm:                config.AlgorithmFixedWindow,
		DefaultRequestsPerWindow: 2,
		DefaultWindow:            time.Minute,
	}, store)

	b := New(config.WebSocketConfig{IdleTimeout: time.Minute}, limiter, nil)
	gw := gatewayFor(t, b, wsLookup(backend.URL), "", "")

	conn := dialGateway(t, gw)
	expectMessage(t, conn, "welcome")

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("m")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	// The first two echo back; the third breaches the budget.
	expectMessage(t, conn, "m")
	expectMessage(t, conn, "m")
	expectClose(t, conn, CloseRateLimited, "Message rate limit exceeded")
}

func TestSessionInvalidationClosesSocket(t *testing.T) {
	backend := echoBackend(t)

	mgr := session.NewManager(config.SessionConfig{
		Enabled:          true,
		TTL:              time.Hour,
		MaxCreateRetries: 3,
	}, session.NewMemoryRepository())
	s, err := mgr.Create(context.Background(), session.NewSession{UserID: "user-1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	b := New(config.WebSocketConfig{IdleTimeout: time.Minute}, nil, mgr)
	gw := gatewayFor(t, b, wsLookup(backend.URL), s.ID, s.UserID)

	conn := dialGateway(t, gw)
	expectMessage(t, conn, "welcome")

	// A round trip guarantees the bridge finished registering the socket.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectMessage(t, conn, "hi")

	if err := mgr.Invalidate(context.Background(), s.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	expectClose(t, conn, websocket.ClosePolicyViolation, "Session invalidated")
}

func TestConnectionLimitRejectsWith503(t *testing.T) {
	backend := echoBackend(t)
	b := New(config.WebSocketConfig{IdleTimeout: time.Minute, MaxConnections: 1}, nil, nil)
	gw := gatewayFor(t, b, wsLookup(backend.URL), "", "")

	conn := dialGateway(t, gw)
	expectMessage(t, conn, "welcome")

	url := "ws" + strings.TrimPrefix(gw.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second connection should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %v, want 503", resp)
	}
	resp.Body.Close()
}

func TestEndpointRewriteShapesBackendPath(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotPath := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(backend.Close)

	lookup := &registry.RouteLookup{
		Kind:    registry.MatchEndpoint,
		Service: &registry.ServiceRegistration{ServiceID: "chat", BaseURL: backend.URL},
		Endpoint: &registry.EndpointConfig{
			Path:        "/rooms/{room}/socket",
			PathRewrite: "/internal/ws/{room}",
		},
		ResidualPath: "/rooms/lobby/socket",
		TargetPath:   "/rooms/lobby/socket",
		PathVars:     map[string]string{"room": "lobby"},
	}

	b := New(config.WebSocketConfig{IdleTimeout: time.Minute}, nil, nil)
	gw := gatewayFor(t, b, lookup, "", "")

	conn := dialGateway(t, gw)
	defer conn.Close()

	select {
	case path := <-gotPath:
		if path != "/internal/ws/lobby" {
			t.Fatalf("backend path = %q, want /internal/ws/lobby", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw the upgrade request")
	}
}

func TestBackendUnreachableYields502(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	b := New(config.WebSocketConfig{IdleTimeout: time.Minute}, nil, nil)
	gw := gatewayFor(t, b, wsLookup(dead.URL), "", "")

	url := "ws" + strings.TrimPrefix(gw.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail when the backend is down")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("resp = %v, want 502", resp)
	}
	resp.Body.Close()
}
