// Package gateway assembles the request pipeline and the listeners that
// serve it. The pipeline is a single ordered stage list: size validation,
// auth lockout, rate limiting, route resolution, access control,
// authentication, authorization, then dispatch to the HTTP proxy or the
// WebSocket bridge.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/access"
	"github.com/mwistrand/aussie/internal/auth"
	"github.com/mwistrand/aussie/internal/authz"
	gwerrors "github.com/mwistrand/aussie/internal/errors"
	"github.com/mwistrand/aussie/internal/metrics"
	"github.com/mwistrand/aussie/internal/proxy"
	"github.com/mwistrand/aussie/internal/ratelimit"
	"github.com/mwistrand/aussie/internal/registry"
	"github.com/mwistrand/aussie/internal/session"
	"github.com/mwistrand/aussie/internal/wsbridge"
)

// Pipeline carries a request from ingress to upstream dispatch. Every stage
// either passes the request on or aborts with a problem response; headers
// already set on the response (rate-limit advisories) survive aborts.
type Pipeline struct {
	cfg         *config.Config
	registry    *registry.Registry
	limiter     *ratelimit.Limiter
	authLimiter *ratelimit.AuthLimiter
	chain       *auth.Chain
	sessions    *session.Manager
	minter      *session.Minter
	access      *access.Evaluator
	proxy       *proxy.Proxy
	bridge      *wsbridge.Bridge
}

// Deps names the pipeline's collaborators. All are required except Minter,
// which may be nil when JWS minting is disabled.
type Deps struct {
	Config      *config.Config
	Registry    *registry.Registry
	Limiter     *ratelimit.Limiter
	AuthLimiter *ratelimit.AuthLimiter
	Chain       *auth.Chain
	Sessions    *session.Manager
	Minter      *session.Minter
	Access      *access.Evaluator
	Proxy       *proxy.Proxy
	Bridge      *wsbridge.Bridge
}

// NewPipeline wires the stage list.
func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{
		cfg:         d.Config,
		registry:    d.Registry,
		limiter:     d.Limiter,
		authLimiter: d.AuthLimiter,
		chain:       d.Chain,
		sessions:    d.Sessions,
		minter:      d.Minter,
		access:      d.Access,
		proxy:       d.Proxy,
		bridge:      d.Bridge,
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	// Stage: size validation. The exact configured sizes are allowed;
	// one byte past is a violation.
	if gwErr := p.checkSizes(r); gwErr != nil {
		gwErr.WriteProblem(w)
		return
	}
	if p.cfg.Limits.MaxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, p.cfg.Limits.MaxBodySize)
	}

	src := access.ExtractSource(r)
	credential, _ := auth.BearerToken(r)
	identifier := ratelimit.HashIdentifier(credential)

	// Stage: auth lockout. Runs before the generic limiter so locked-out
	// callers cannot spend the shared budget probing credentials.
	if p.authLimiter.Enabled() {
		verdict := p.authLimiter.Check(ctx, src.IP, identifier)
		if verdict.Locked {
			p.authLimiter.SetHeaders(w.Header(), verdict)
			gwerrors.ErrTooManyRequests.WriteProblem(w)
			return
		}
	}

	serviceID := firstSegment(r.URL.Path)

	// Stage: request rate limit. Keyed by source and target service; the
	// advisory headers go on now so they survive any later abort.
	if p.limiter.Enabled() {
		svc, _ := p.registry.GetService(serviceID)
		limit := p.limiter.Resolve(svc, nil)
		decision := p.limiter.Check(ctx, ratelimit.HTTPKey(src.IP, serviceID, "-"), limit)
		p.limiter.SetHeaders(w.Header(), decision)
		if !decision.Allowed {
			gwerrors.ErrTooManyRequests.WriteProblem(w)
			return
		}
	}

	// Reserved surfaces. /q is the runtime/dev mount point; nothing is
	// mounted here, and /admin lives on its own listener.
	switch serviceID {
	case "q", "admin", "auth":
		gwerrors.ErrNotFound.WriteProblem(w)
		return
	}

	// Stage: route resolution.
	lookup, ok := p.registry.FindRoute(r.URL.Path, r.Method)
	if !ok {
		gwerrors.ErrNotFound.WriteProblem(w)
		return
	}

	// Stage: access control. A private route the source cannot reach looks
	// exactly like a missing one.
	if !p.access.Allowed(src, lookup) {
		gwerrors.ErrNotFound.WriteProblem(w)
		return
	}

	// Stage: endpoint rate limit. Endpoints carrying their own override get
	// a second check against the per-endpoint budget; runs after access
	// control so denied sources cannot probe endpoint existence through the
	// advisory headers.
	if p.limiter.Enabled() && lookup.Endpoint != nil && lookup.Endpoint.RateLimit != nil {
		limit := p.limiter.Resolve(lookup.Service, lookup.Endpoint)
		decision := p.limiter.Check(ctx, ratelimit.HTTPKey(src.IP, serviceID, lookup.Endpoint.Path), limit)
		p.limiter.SetHeaders(w.Header(), decision)
		if !decision.Allowed {
			gwerrors.ErrTooManyRequests.WriteProblem(w)
			return
		}
	}

	// Stage: authentication.
	if p.chain.Conflicting(r) {
		gwerrors.ErrConflictingAuth.
			WithDetail("request carries both an Authorization header and a session cookie").
			WriteProblem(w)
		return
	}

	var identity *auth.Identity
	result := p.chain.Authenticate(ctx, r)
	switch result.Status {
	case auth.StatusFailed:
		if p.authLimiter.Enabled() {
			p.authLimiter.RecordFailure(ctx, src.IP, result.Identifier)
		}
		result.Err.WriteProblem(w)
		return
	case auth.StatusAuthenticated:
		identity = result.Identity
		if p.authLimiter.Enabled() {
			p.authLimiter.RecordSuccess(ctx, identifier)
		}
	}

	// Stage: authorization.
	switch authz.Evaluate(identity, lookup.Service, lookup.Endpoint) {
	case authz.DenyUnauthenticated:
		gwerrors.ErrUnauthorized.WriteProblem(w)
		return
	case authz.DenyForbidden:
		gwerrors.ErrForbidden.WriteProblem(w)
		return
	}

	// Stage: downstream token. Session-backed principals get a short-lived
	// JWS so backends need not consult the session store.
	outbound := p.mintToken(w, identity)

	// Stage: dispatch.
	if isWebSocketRoute(lookup, r) {
		p.serveWS(w, r, lookup, src, identity, outbound)
		return
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	p.proxy.Serve(sw, r, lookup, src, outbound)
	metrics.ObserveRequest(lookup.Service.ServiceID, r.Method, sw.status, time.Since(start))
}

// checkSizes applies the pre-flight header and body limits.
func (p *Pipeline) checkSizes(r *http.Request) *gwerrors.GatewayError {
	limits := p.cfg.Limits

	total := 0
	for name, values := range r.Header {
		for _, v := range values {
			if limits.MaxHeaderSize > 0 && len(v) > limits.MaxHeaderSize {
				return gwerrors.ErrHeaderFieldsTooLarge.
					WithDetail("header " + name + " exceeds the per-header size limit")
			}
			total += len(name) + len(v)
		}
	}
	if limits.MaxTotalHeadersSize > 0 && total > limits.MaxTotalHeadersSize {
		return gwerrors.ErrHeaderFieldsTooLarge.WithDetail("combined header size limit exceeded")
	}

	if limits.MaxBodySize > 0 && r.ContentLength > limits.MaxBodySize {
		return gwerrors.ErrPayloadTooLarge
	}
	return nil
}

// mintToken issues the downstream JWS for session-backed principals and
// returns the outbound header set for the dispatcher.
func (p *Pipeline) mintToken(w http.ResponseWriter, identity *auth.Identity) http.Header {
	if p.minter == nil || !p.minter.Enabled() || identity == nil || identity.SessionID == "" {
		return nil
	}

	token, err := p.minter.Mint(&session.Session{
		ID:          identity.SessionID,
		UserID:      identity.ID,
		Issuer:      identity.Issuer,
		Claims:      identity.Claims,
		Permissions: identity.Permissions,
		ExpiresAt:   identity.ExpiresAt,
	})
	if err != nil {
		// Minting failure is not fatal; the backend falls back to the
		// session header being absent.
		return nil
	}

	outbound := make(http.Header, 1)
	outbound.Set(p.minter.Header(), token)
	return outbound
}

func (p *Pipeline) serveWS(w http.ResponseWriter, r *http.Request, lookup *registry.RouteLookup, src access.Source, identity *auth.Identity, outbound http.Header) {
	var sessionID, userID string
	if identity != nil {
		sessionID = identity.SessionID
		userID = identity.ID
	}
	p.bridge.Serve(w, r, lookup, src.IP, sessionID, userID, outbound)
}

// isWebSocketRoute requires both the endpoint type and an actual upgrade
// request; a plain GET to a WebSocket endpoint is not bridged.
func isWebSocketRoute(lookup *registry.RouteLookup, r *http.Request) bool {
	return lookup.Endpoint != nil &&
		lookup.Endpoint.Type == registry.EndpointWebSocket &&
		websocket.IsWebSocketUpgrade(r)
}

func firstSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	seg, _, _ := strings.Cut(trimmed, "/")
	return seg
}

// statusWriter records the status code for request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
