package ratelimit

import (
	"time"

	"github.com/mwistrand/aussie/config"
)

// Limit is the effective budget after precedence resolution and clamping.
type Limit struct {
	RequestsPerWindow int64
	Window            time.Duration
	BurstCapacity     int64
}

// Decision is the outcome of one check-and-consume call.
type Decision struct {
	Allowed      bool
	Limit        int64
	Remaining    int64
	RetryAfter   time.Duration
	ResetAt      time.Time
	RequestCount int64
}

// State is the per-key algorithm state. Token bucket uses Tokens and
// LastRefillMs; fixed window uses Count and WindowStartMs; sliding window
// additionally uses PrevCount.
type State struct {
	Tokens        float64 `json:"tokens"`
	LastRefillMs  int64   `json:"last_refill_ms"`
	Count         int64   `json:"count"`
	PrevCount     int64   `json:"prev_count"`
	WindowStartMs int64   `json:"window_start_ms"`
}

// Func is a pure rate-limit step: given the prior state (zero value means
// "fresh key at capacity"), the limit, and the current time, it returns the
// decision and the successor state.
type Func func(state State, limit Limit, nowMs int64) (Decision, State)

// ForAlgorithm maps the configured algorithm name to its implementation.
func ForAlgorithm(alg config.Algorithm) Func {
	switch alg {
	case config.AlgorithmFixedWindow:
		return FixedWindow
	case config.AlgorithmSlidingWindow:
		return SlidingWindow
	default:
		return TokenBucket
	}
}

// TokenBucket refills continuously at requestsPerWindow/window, capped at
// burst capacity. A fresh key starts full.
func TokenBucket(state State, limit Limit, nowMs int64) (Decision, State) {
	capacity := float64(limit.BurstCapacity)
	if capacity <= 0 {
		capacity = float64(limit.RequestsPerWindow)
	}
	rate := float64(limit.RequestsPerWindow) / limit.Window.Seconds()

	if state.LastRefillMs == 0 {
		state.Tokens = capacity
		state.LastRefillMs = nowMs
	}

	elapsed := float64(nowMs-state.LastRefillMs) / 1000.0
	if elapsed > 0 {
		state.Tokens += elapsed * rate
		if state.Tokens > capacity {
			state.Tokens = capacity
		}
		state.LastRefillMs = nowMs
	}

	d := Decision{Limit: limit.RequestsPerWindow}

	if state.Tokens >= 1 {
		state.Tokens--
		d.Allowed = true
		d.Remaining = int64(state.Tokens)
		d.ResetAt = time.UnixMilli(nowMs).Add(limit.Window)
		return d, state
	}

	wait := time.Duration((1 - state.Tokens) / rate * float64(time.Second))
	d.RetryAfter = wait
	d.ResetAt = time.UnixMilli(nowMs).Add(wait)
	return d, state
}

// FixedWindow counts requests per aligned window; the counter resets at
// window boundaries. Bursts up to 2x the limit can pass around a boundary.
func FixedWindow(state State, limit Limit, nowMs int64) (Decision, State) {
	windowMs := limit.Window.Milliseconds()
	start := nowMs - nowMs%windowMs

	if state.WindowStartMs != start {
		state.WindowStartMs = start
		state.Count = 0
	}

	resetAt := time.UnixMilli(start + windowMs)
	d := Decision{
		Limit:        limit.RequestsPerWindow,
		ResetAt:      resetAt,
		RequestCount: state.Count,
	}

	if state.Count < limit.RequestsPerWindow {
		state.Count++
		d.Allowed = true
		d.Remaining = limit.RequestsPerWindow - state.Count
		d.RequestCount = state.Count
		return d, state
	}

	d.RetryAfter = time.Duration(start+windowMs-nowMs) * time.Millisecond
	return d, state
}

// SlidingWindow blends the previous window's count with the current one,
// weighted by how far the current window has progressed.
func SlidingWindow(state State, limit Limit, nowMs int64) (Decision, State) {
	windowMs := limit.Window.Milliseconds()
	start := nowMs - nowMs%windowMs

	switch {
	case state.WindowStartMs == 0:
		state.WindowStartMs = start
	case state.WindowStartMs == start-windowMs:
		state.PrevCount = state.Count
		state.Count = 0
		state.WindowStartMs = start
	case state.WindowStartMs != start:
		// More than one window has passed; both counts are stale.
		state.PrevCount = 0
		state.Count = 0
		state.WindowStartMs = start
	}

	weight := 1.0 - float64(nowMs-start)/float64(windowMs)
	estimate := float64(state.PrevCount)*weight + float64(state.Count)

	resetAt := time.UnixMilli(start + windowMs)
	d := Decision{
		Limit:        limit.RequestsPerWindow,
		ResetAt:      resetAt,
		RequestCount: state.Count,
	}

	if estimate < float64(limit.RequestsPerWindow) {
		state.Count++
		d.Allowed = true
		rem := float64(limit.RequestsPerWindow) - estimate - 1
		if rem < 0 {
			rem = 0
		}
		d.Remaining = int64(rem)
		d.RequestCount = state.Count
		return d, state
	}

	d.RetryAfter = time.Duration(start+windowMs-nowMs) * time.Millisecond
	return d, state
}
