package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mwistrand/aussie/config"
)

type failingAttempts struct{ err error }

func (f *failingAttempts) Get(ctx context.Context, key string) (AttemptRecord, bool, error) {
	return AttemptRecord{}, false, f.err
}

func (f *failingAttempts) Put(ctx context.Context, key string, rec AttemptRecord, ttl time.Duration) error {
	return f.err
}

func (f *failingAttempts) Delete(ctx context.Context, key string) error {
	return f.err
}

func testAuthLimitConfig() config.AuthRateLimitConfig {
	return config.AuthRateLimitConfig{
		Enabled:               true,
		MaxFailedAttempts:     5,
		LockoutDuration:       15 * time.Minute,
		FailedAttemptWindow:   time.Hour,
		TrackByIP:             true,
		TrackByIdentifier:     true,
		ProgressiveMultiplier: 1.5,
		MaxLockoutDuration:    24 * time.Hour,
	}
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	limiter := NewAuthLimiter(testAuthLimitConfig(), NewMemoryFailedAttempts())
	ctx := context.Background()

	id := HashIdentifier("aussie_bogus_key")

	// The attempt that reaches the threshold is itself not locked out.
	for i := 0; i < 5; i++ {
		if v := limiter.Check(ctx, "10.0.0.1", id); v.Locked {
			t.Fatalf("attempt %d locked out before reaching the threshold", i+1)
		}
		limiter.RecordFailure(ctx, "10.0.0.1", id)
	}

	v := limiter.Check(ctx, "10.0.0.1", id)
	if !v.Locked {
		t.Fatal("attempt after the fifth failure should be locked out")
	}
	if v.ResetAt.IsZero() {
		t.Fatal("lock verdict should carry a reset time")
	}
}

func TestSuccessClearsIdentifierOnly(t *testing.T) {
	cfg := testAuthLimitConfig()
	cfg.MaxFailedAttempts = 2
	limiter := NewAuthLimiter(cfg, NewMemoryFailedAttempts())
	ctx := context.Background()

	id := HashIdentifier("user-credential")
	limiter.RecordFailure(ctx, "10.0.0.1", id)
	limiter.RecordFailure(ctx, "10.0.0.1", id)

	if v := limiter.Check(ctx, "10.0.0.1", id); !v.Locked {
		t.Fatal("both dimensions should be locked after two failures")
	}

	limiter.RecordSuccess(ctx, id)

	// The identifier is cleared but the IP lockout persists.
	if v := limiter.Check(ctx, "", id); v.Locked {
		t.Fatal("identifier dimension should be cleared after success")
	}
	if v := limiter.Check(ctx, "10.0.0.1", ""); !v.Locked {
		t.Fatal("IP dimension must persist after identifier success")
	}
}

func TestProgressiveLockoutEscalates(t *testing.T) {
	cfg := testAuthLimitConfig()
	limiter := NewAuthLimiter(cfg, NewMemoryFailedAttempts())

	first := limiter.lockoutDuration(0)
	second := limiter.lockoutDuration(1)
	third := limiter.lockoutDuration(2)

	if first != 15*time.Minute {
		t.Fatalf("first lockout = %v, want 15m", first)
	}
	if second <= first || third <= second {
		t.Fatalf("lockouts should escalate: %v, %v, %v", first, second, third)
	}
}

func TestLockoutClampedToMax(t *testing.T) {
	cfg := testAuthLimitConfig()
	cfg.MaxLockoutDuration = 20 * time.Minute
	limiter := NewAuthLimiter(cfg, NewMemoryFailedAttempts())

	if got := limiter.lockoutDuration(10); got != 20*time.Minute {
		t.Fatalf("lockout = %v, want clamped to 20m", got)
	}
}

func TestAuthLimiterFailsClosed(t *testing.T) {
	limiter := NewAuthLimiter(testAuthLimitConfig(), &failingAttempts{err: errors.New("store down")})

	v := limiter.Check(context.Background(), "10.0.0.1", "abc")
	if !v.Locked {
		t.Fatal("auth limiter must fail closed on store errors")
	}
}

func TestWindowExpiryResetsCount(t *testing.T) {
	cfg := testAuthLimitConfig()
	cfg.MaxFailedAttempts = 2
	cfg.FailedAttemptWindow = time.Hour

	repo := NewMemoryFailedAttempts()
	limiter := NewAuthLimiter(cfg, repo)
	ctx := context.Background()

	base := time.Now()
	limiter.now = func() time.Time { return base }
	limiter.RecordFailure(ctx, "10.0.0.1", "")

	// Two hours later the first failure is outside the window, so a single
	// new failure does not trip the threshold.
	limiter.now = func() time.Time { return base.Add(2 * time.Hour) }
	limiter.RecordFailure(ctx, "10.0.0.1", "")

	if v := limiter.Check(ctx, "10.0.0.1", ""); v.Locked {
		t.Fatal("stale failures outside the window must not count toward lockout")
	}
}

func TestHashIdentifierStableAndOpaque(t *testing.T) {
	a := HashIdentifier("aussie_secret_key_value")
	b := HashIdentifier("aussie_secret_key_value")
	if a != b {
		t.Fatal("hash must be deterministic")
	}
	if a == "" || len(a) != 16 {
		t.Fatalf("hash = %q, want 16 hex chars", a)
	}
	if HashIdentifier("") != "" {
		t.Fatal("empty credential must hash to empty identifier")
	}
}
