// Package proxy forwards resolved requests to backend services, preserving
// HTTP semantics while scrubbing hop-by-hop headers and attesting the
// original client.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/access"
	gwerrors "github.com/mwistrand/aussie/internal/errors"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/metrics"
	"github.com/mwistrand/aussie/internal/registry"
)

// Proxy dispatches HTTP requests to backends.
type Proxy struct {
	transport      http.RoundTripper
	forwarding     config.ForwardingConfig
	requestTimeout time.Duration
	sessionCookie  string
	flushInterval  time.Duration
}

// Config holds proxy construction parameters.
type Config struct {
	Transport      http.RoundTripper
	Forwarding     config.ForwardingConfig
	RequestTimeout time.Duration
	// SessionCookie is the gateway's own cookie name, stripped before
	// forwarding so backends never see gateway session ids.
	SessionCookie string
	FlushInterval time.Duration
}

// New creates a proxy.
func New(cfg Config) *Proxy {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportConfig)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		transport:      transport,
		forwarding:     cfg.Forwarding,
		requestTimeout: timeout,
		sessionCookie:  cfg.SessionCookie,
		flushInterval:  cfg.FlushInterval,
	}
}

// Serve forwards the request along the resolved route and streams the
// response back. outbound carries gateway-minted headers for the backend.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, lookup *registry.RouteLookup, src access.Source, outbound http.Header) {
	target, err := p.targetURL(r, lookup)
	if err != nil {
		gwerrors.ErrBadGateway.WithDetail("invalid backend URL").WriteProblem(w)
		return
	}

	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	upstream := p.buildRequest(ctx, r, target, src, outbound)

	resp, err := p.transport.RoundTrip(upstream)
	if err != nil {
		p.writeError(w, lookup.Service.ServiceID, err)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	p.copyBody(w, resp.Body)
}

// targetURL builds the upstream URI: base URL joined with the endpoint's
// path rewrite (path variables substituted) or the resolved target path,
// plus the original query.
func (p *Proxy) targetURL(r *http.Request, lookup *registry.RouteLookup) (*url.URL, error) {
	base, err := url.Parse(lookup.Service.BaseURL)
	if err != nil {
		return nil, err
	}

	path := lookup.TargetPath
	if lookup.Kind == registry.MatchEndpoint && lookup.Endpoint.PathRewrite != "" {
		path = substituteVars(lookup.Endpoint.PathRewrite, lookup.PathVars)
	}

	target := *base
	target.Path = singleJoiningSlash(base.Path, path)
	target.RawQuery = r.URL.RawQuery
	return &target, nil
}

// buildRequest constructs the outbound request without the URL round-trip
// through String()/Parse().
func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, target *url.URL, src access.Source, outbound http.Header) *http.Request {
	upstream := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	upstream.Header = make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		upstream.Header[k] = vv
	}

	removeHopHeaders(upstream.Header)
	p.stripSessionCookie(upstream.Header)
	setForwardingHeaders(upstream.Header, r, src, p.forwarding)

	for k, vv := range outbound {
		for _, v := range vv {
			upstream.Header.Set(k, v)
		}
	}
	return upstream
}

// stripSessionCookie removes the gateway's own session cookie, keeping any
// other cookies the client sent for the backend.
func (p *Proxy) stripSessionCookie(h http.Header) {
	if p.sessionCookie == "" {
		return
	}
	raw := h.Get("Cookie")
	if raw == "" {
		return
	}

	var kept []string
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if name, _, ok := strings.Cut(part, "="); ok && name == p.sessionCookie {
			continue
		}
		if part != "" {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		h.Del("Cookie")
		return
	}
	h.Set("Cookie", strings.Join(kept, "; "))
}

func (p *Proxy) writeError(w http.ResponseWriter, serviceID string, err error) {
	kind := "other"
	var status *gwerrors.GatewayError

	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		kind = "timeout"
		status = gwerrors.ErrGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		metrics.UpstreamErrors.WithLabelValues(serviceID, "canceled").Inc()
		return
	default:
		kind = "refused"
		status = gwerrors.ErrBadGateway
	}

	logging.Warn("upstream dispatch failed",
		zap.String("service_id", serviceID),
		zap.String("kind", kind),
		zap.Error(err))
	metrics.UpstreamErrors.WithLabelValues(serviceID, kind).Inc()
	status.WriteProblem(w)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (p *Proxy) copyBody(w http.ResponseWriter, body io.Reader) {
	if p.flushInterval > 0 {
		if flusher, ok := w.(http.Flusher); ok {
			for {
				if _, err := io.CopyN(w, body, 32*1024); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
	io.Copy(w, body)
}

// copyResponseHeaders copies backend headers onto the client response
// without clobbering headers the gateway already set (rate-limit headers).
func copyResponseHeaders(dst, src http.Header) {
	scrubbed := make(http.Header, len(src))
	for k, vv := range src {
		scrubbed[k] = vv
	}
	removeHopHeaders(scrubbed)

	for k, vv := range scrubbed {
		if _, exists := dst[k]; exists {
			continue
		}
		dst[k] = append(dst[k][:0:0], vv...)
	}
}

// hopHeaders are scrubbed in both directions per RFC 7230 §6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops the fixed hop-by-hop set plus any header named in
// the Connection list.
func removeHopHeaders(header http.Header) {
	for _, conn := range header.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// substituteVars replaces {name} placeholders in a rewrite template with
// matched path variables. The terminal wildcard remainder fills {**}.
func substituteVars(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
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
