package wsbridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/metrics"
	"github.com/mwistrand/aussie/internal/ratelimit"
)

// ProxySession owns one client/backend socket pair. Teardown is idempotent:
// whichever event fires first (close frame, read error, idle timer, lifetime
// cap, pong timeout, session invalidation) wins and the close code and reason
// propagate to both peers.
type ProxySession struct {
	ID      string
	bridge  *Bridge
	client  *websocket.Conn
	backend *websocket.Conn

	clientID      string
	serviceID     string
	authSessionID string
	userID        string
	msgLimit      ratelimit.Limit

	// gorilla permits one concurrent writer per conn; pumps, pings, and
	// close frames share these.
	clientWrite  sync.Mutex
	backendWrite sync.Mutex

	closed atomic.Bool
	done   chan struct{}

	idleMu    sync.Mutex
	idleTimer *time.Timer
}

// run pumps frames in both directions until the session ends. It blocks, and
// tears everything down before returning.
func (ps *ProxySession) run() {
	cfg := ps.bridge.cfg

	if cfg.IdleTimeout > 0 {
		ps.idleTimer = time.AfterFunc(cfg.IdleTimeout, func() {
			ps.Close(websocket.CloseNormalClosure, "Idle timeout exceeded")
		})
	}

	var lifetime *time.Timer
	if cfg.MaxLifetime > 0 {
		lifetime = time.AfterFunc(cfg.MaxLifetime, func() {
			ps.Close(websocket.CloseNormalClosure, "Maximum connection lifetime exceeded")
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ps.pumpClientToBackend()
	}()
	go func() {
		defer wg.Done()
		ps.pumpBackendToClient()
	}()

	if cfg.Ping.Enabled && cfg.Ping.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ps.pingLoop(cfg.Ping.Interval, cfg.Ping.Timeout)
		}()
	}

	<-ps.done
	wg.Wait()

	if lifetime != nil {
		lifetime.Stop()
	}
	ps.idleMu.Lock()
	if ps.idleTimer != nil {
		ps.idleTimer.Stop()
	}
	ps.idleMu.Unlock()

	ps.bridge.untrack(ps)
	metrics.WSConnectionsActive.Dec()
}

// touch pushes the idle deadline out. Any frame in either direction counts
// as activity.
func (ps *ProxySession) touch() {
	ps.idleMu.Lock()
	if ps.idleTimer != nil {
		ps.idleTimer.Reset(ps.bridge.cfg.IdleTimeout)
	}
	ps.idleMu.Unlock()
}

func (ps *ProxySession) pumpClientToBackend() {
	for {
		msgType, data, err := ps.client.ReadMessage()
		if err != nil {
			ps.closeFromError(err, "client")
			return
		}
		ps.touch()

		if !ps.bridge.messageAllowed(context.Background(), ps) {
			ps.Close(CloseRateLimited, "Message rate limit exceeded")
			return
		}

		metrics.WSMessagesTotal.WithLabelValues("inbound").Inc()
		ps.backendWrite.Lock()
		err = ps.backend.WriteMessage(msgType, data)
		ps.backendWrite.Unlock()
		if err != nil {
			ps.Close(websocket.CloseGoingAway, "Backend unavailable")
			return
		}
	}
}

func (ps *ProxySession) pumpBackendToClient() {
	for {
		msgType, data, err := ps.backend.ReadMessage()
		if err != nil {
			ps.closeFromError(err, "backend")
			return
		}
		ps.touch()

		metrics.WSMessagesTotal.WithLabelValues("outbound").Inc()
		ps.clientWrite.Lock()
		err = ps.client.WriteMessage(msgType, data)
		ps.clientWrite.Unlock()
		if err != nil {
			ps.Close(websocket.CloseGoingAway, "Client unavailable")
			return
		}
	}
}

// pingLoop probes the client. A pong resets the deadline; silence past the
// timeout ends the session with a protocol error.
func (ps *ProxySession) pingLoop(interval, timeout time.Duration) {
	if timeout <= 0 {
		timeout = interval
	}

	pong := make(chan struct{}, 1)
	ps.client.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.done:
			return
		case <-ticker.C:
			ps.clientWrite.Lock()
			err := ps.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
			ps.clientWrite.Unlock()
			if err != nil {
				ps.Close(websocket.CloseProtocolError, "Ping failed")
				return
			}

			select {
			case <-pong:
			case <-ps.done:
				return
			case <-time.After(timeout):
				ps.Close(websocket.CloseProtocolError, "Pong timeout")
				return
			}
		}
	}
}

// closeFromError translates a read error into a teardown, preserving the
// peer's close code when one was received.
func (ps *ProxySession) closeFromError(err error, side string) {
	code := websocket.CloseGoingAway
	reason := ""
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
		reason = ce.Text
	} else if !ps.closed.Load() {
		logging.Debug("websocket read ended",
			zap.String("proxy_session_id", ps.ID),
			zap.String("side", side),
			zap.Error(err))
	}
	ps.Close(code, reason)
}

// Close ends the session once, sending the close frame to both sides before
// dropping the connections. Later calls are no-ops.
func (ps *ProxySession) Close(code int, reason string) {
	if !ps.closed.CompareAndSwap(false, true) {
		return
	}

	deadline := time.Now().Add(time.Second)
	// 1005 and 1006 are reserved for local reporting and must not appear
	// in a close frame.
	var frame []byte
	if code != websocket.CloseNoStatusReceived && code != websocket.CloseAbnormalClosure {
		frame = websocket.FormatCloseMessage(code, reason)
	}

	ps.clientWrite.Lock()
	ps.client.WriteControl(websocket.CloseMessage, frame, deadline)
	ps.clientWrite.Unlock()

	ps.backendWrite.Lock()
	ps.backend.WriteControl(websocket.CloseMessage, frame, deadline)
	ps.backendWrite.Unlock()

	ps.client.Close()
	ps.backend.Close()
	close(ps.done)
}
