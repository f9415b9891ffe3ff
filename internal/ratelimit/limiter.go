package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/metrics"
	"github.com/mwistrand/aussie/internal/registry"
)

// Limiter applies the generic traffic budget. Store errors fail open: a
// broken store must not take down proxying, so the request is allowed and
// the failure is logged and counted.
type Limiter struct {
	cfg   config.RateLimitConfig
	store Store
	now   func() time.Time
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(cfg config.RateLimitConfig, store Store) *Limiter {
	return &Limiter{cfg: cfg, store: store, now: time.Now}
}

// Enabled reports whether the limiter participates in the pipeline.
func (l *Limiter) Enabled() bool {
	return l.cfg.Enabled
}

// Resolve computes the effective limit with endpoint over service over
// platform precedence, then clamps requests-per-window into the configured
// [min, max] band. Zero override fields inherit from the next level up.
func (l *Limiter) Resolve(svc *registry.ServiceRegistration, ep *registry.EndpointConfig) Limit {
	limit := Limit{
		RequestsPerWindow: l.cfg.DefaultRequestsPerWindow,
		Window:            l.cfg.DefaultWindow,
		BurstCapacity:     l.cfg.DefaultBurstCapacity,
	}

	apply := func(o *registry.RateLimitOverride) {
		if o == nil {
			return
		}
		if o.RequestsPerWindow > 0 {
			limit.RequestsPerWindow = o.RequestsPerWindow
		}
		if o.Window > 0 {
			limit.Window = o.Window
		}
		if o.BurstCapacity > 0 {
			limit.BurstCapacity = o.BurstCapacity
		}
	}

	if svc != nil {
		apply(svc.RateLimit)
	}
	if ep != nil {
		apply(ep.RateLimit)
	}

	if l.cfg.MinRequestsPerWindow > 0 && limit.RequestsPerWindow < l.cfg.MinRequestsPerWindow {
		limit.RequestsPerWindow = l.cfg.MinRequestsPerWindow
	}
	if l.cfg.MaxRequestsPerWindow > 0 && limit.RequestsPerWindow > l.cfg.MaxRequestsPerWindow {
		limit.RequestsPerWindow = l.cfg.MaxRequestsPerWindow
	}
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return limit
}

// Check consumes one unit from the key's budget and reports the decision.
func (l *Limiter) Check(ctx context.Context, key Key, limit Limit) Decision {
	nowMs := l.now().UnixMilli()
	decision, err := l.store.CheckAndConsume(ctx, key.Canonical(), limit, nowMs)
	if err != nil {
		logging.Warn("rate limit store error, failing open",
			zap.String("key", key.Canonical()),
			zap.Error(err))
		metrics.RateLimitFailOpen.Inc()
		return Decision{
			Allowed:   true,
			Limit:     limit.RequestsPerWindow,
			Remaining: limit.RequestsPerWindow,
			ResetAt:   l.now().Add(limit.Window),
		}
	}

	outcome := "allowed"
	if !decision.Allowed {
		outcome = "denied"
	}
	metrics.RateLimitDecisions.WithLabelValues(string(key.Type), outcome).Inc()
	return decision
}

// Status reports the decision the next Check would return, without
// consuming. A store error surfaces as a fully available budget.
func (l *Limiter) Status(ctx context.Context, key Key, limit Limit) Decision {
	nowMs := l.now().UnixMilli()
	decision, err := l.store.Status(ctx, key.Canonical(), limit, nowMs)
	if err != nil {
		return Decision{
			Allowed:   true,
			Limit:     limit.RequestsPerWindow,
			Remaining: limit.RequestsPerWindow,
			ResetAt:   l.now().Add(limit.Window),
		}
	}
	return decision
}

// SetHeaders writes the advisory X-RateLimit-* headers when the platform
// config asks for them. Retry-After is added on denial regardless.
func (l *Limiter) SetHeaders(h http.Header, d Decision) {
	if l.cfg.IncludeHeaders {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		secs := int64(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}
