package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/metrics"
)

// AttemptRecord is the stored brute-force state for one tracking key.
type AttemptRecord struct {
	Count          int   `json:"count"`
	WindowStartMs  int64 `json:"window_start_ms"`
	LockoutCount   int   `json:"lockout_count"`
	LockoutUntilMs int64 `json:"lockout_until_ms"`
}

// FailedAttemptRepository persists brute-force tracking records. Entries
// must expire on their own (TTL-backed) so abandoned keys do not accumulate.
type FailedAttemptRepository interface {
	Get(ctx context.Context, key string) (AttemptRecord, bool, error)
	Put(ctx context.Context, key string, rec AttemptRecord, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// LockVerdict reports whether an authentication attempt may proceed.
type LockVerdict struct {
	Locked  bool
	Key     string
	ResetAt time.Time
}

// AuthLimiter is the brute-force lockout limiter. It is a separate instance
// from the generic traffic limiter with the opposite failure posture: store
// errors fail closed, because security trumps availability here.
type AuthLimiter struct {
	cfg  config.AuthRateLimitConfig
	repo FailedAttemptRepository
	now  func() time.Time
}

// NewAuthLimiter creates the lockout limiter over the given repository.
func NewAuthLimiter(cfg config.AuthRateLimitConfig, repo FailedAttemptRepository) *AuthLimiter {
	return &AuthLimiter{cfg: cfg, repo: repo, now: time.Now}
}

// Enabled reports whether lockout enforcement participates in the pipeline.
func (a *AuthLimiter) Enabled() bool {
	return a.cfg.Enabled
}

// HashIdentifier derives the credential tracking key from the credential's
// prefix. Only a truncated digest is stored so the key cannot be reversed
// into the credential.
func HashIdentifier(credential string) string {
	if credential == "" {
		return ""
	}
	prefix := credential
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	sum := sha256.Sum256([]byte(prefix))
	return hex.EncodeToString(sum[:8])
}

func ipKey(ip string) string         { return "aussie:authlimit:ip:" + ip }
func identifierKey(id string) string { return "aussie:authlimit:id:" + id }

// Check reports whether the caller is currently locked out on either
// tracked dimension. A store error yields a locked verdict.
func (a *AuthLimiter) Check(ctx context.Context, ip, identifier string) LockVerdict {
	nowMs := a.now().UnixMilli()

	for _, key := range a.trackingKeys(ip, identifier) {
		rec, ok, err := a.repo.Get(ctx, key)
		if err != nil {
			logging.Warn("auth limit store error, failing closed",
				zap.String("key", key),
				zap.Error(err))
			metrics.AuthLimitFailClosed.Inc()
			return LockVerdict{Locked: true, Key: key, ResetAt: a.now().Add(a.cfg.LockoutDuration)}
		}
		if ok && rec.LockoutUntilMs > nowMs {
			return LockVerdict{Locked: true, Key: key, ResetAt: time.UnixMilli(rec.LockoutUntilMs)}
		}
	}
	return LockVerdict{}
}

// RecordFailure counts one failed authentication attempt on every tracked
// dimension. Reaching the threshold sets the lockout for subsequent
// attempts; the attempt that reaches it is itself not locked out.
func (a *AuthLimiter) RecordFailure(ctx context.Context, ip, identifier string) {
	nowMs := a.now().UnixMilli()
	windowMs := a.cfg.FailedAttemptWindow.Milliseconds()

	for _, key := range a.trackingKeys(ip, identifier) {
		rec, _, err := a.repo.Get(ctx, key)
		if err != nil {
			logging.Warn("auth limit store error recording failure",
				zap.String("key", key),
				zap.Error(err))
			continue
		}

		if nowMs-rec.WindowStartMs > windowMs {
			rec.Count = 0
			rec.WindowStartMs = nowMs
		}
		if rec.WindowStartMs == 0 {
			rec.WindowStartMs = nowMs
		}
		rec.Count++

		ttl := a.cfg.FailedAttemptWindow
		if rec.Count >= a.cfg.MaxFailedAttempts {
			lockout := a.lockoutDuration(rec.LockoutCount)
			rec.LockoutUntilMs = nowMs + lockout.Milliseconds()
			rec.LockoutCount++
			rec.Count = 0
			rec.WindowStartMs = nowMs
			if lockout > ttl {
				ttl = lockout
			}
			dimension := "ip"
			if key == identifierKey(identifier) {
				dimension = "identifier"
			}
			metrics.AuthLockouts.WithLabelValues(dimension).Inc()
			logging.Warn("auth lockout applied",
				zap.String("key", key),
				zap.Duration("lockout", lockout))
		}

		// Keep the record around past the lockout so repeat offenders keep
		// escalating the progressive multiplier.
		if err := a.repo.Put(ctx, key, rec, ttl+a.cfg.FailedAttemptWindow); err != nil {
			logging.Warn("auth limit store error persisting failure",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// RecordSuccess clears the identifier dimension after a successful
// authentication. The IP dimension persists until its window elapses.
func (a *AuthLimiter) RecordSuccess(ctx context.Context, identifier string) {
	if identifier == "" || !a.cfg.TrackByIdentifier {
		return
	}
	if err := a.repo.Delete(ctx, identifierKey(identifier)); err != nil {
		logging.Warn("auth limit store error clearing identifier",
			zap.String("identifier", identifier),
			zap.Error(err))
	}
}

// SetHeaders writes the lockout advisory headers on a 429 when configured.
func (a *AuthLimiter) SetHeaders(h http.Header, v LockVerdict) {
	retry := int64(time.Until(v.ResetAt).Seconds())
	if retry < 1 {
		retry = 1
	}
	h.Set("Retry-After", strconv.FormatInt(retry, 10))
	if a.cfg.IncludeHeaders {
		h.Set("X-Auth-Lockout-Key", v.Key)
		h.Set("X-Auth-Lockout-Reset", strconv.FormatInt(v.ResetAt.Unix(), 10))
	}
}

func (a *AuthLimiter) trackingKeys(ip, identifier string) []string {
	keys := make([]string, 0, 2)
	if a.cfg.TrackByIP && ip != "" {
		keys = append(keys, ipKey(ip))
	}
	if a.cfg.TrackByIdentifier && identifier != "" {
		keys = append(keys, identifierKey(identifier))
	}
	return keys
}

func (a *AuthLimiter) lockoutDuration(lockoutCount int) time.Duration {
	d := time.Duration(float64(a.cfg.LockoutDuration) * math.Pow(a.cfg.ProgressiveMultiplier, float64(lockoutCount)))
	if a.cfg.MaxLockoutDuration > 0 && d > a.cfg.MaxLockoutDuration {
		d = a.cfg.MaxLockoutDuration
	}
	if d <= 0 {
		d = a.cfg.LockoutDuration
	}
	return d
}
