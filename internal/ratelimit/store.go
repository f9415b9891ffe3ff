package ratelimit

import "context"

// Store executes atomic check-and-consume over per-key algorithm state.
// Implementations must guarantee that concurrent callers sharing a key
// consume at most the available capacity between them.
type Store interface {
	// CheckAndConsume loads (or initializes) the state for key, applies the
	// algorithm step, persists the successor state, and returns the decision.
	CheckAndConsume(ctx context.Context, key string, limit Limit, nowMs int64) (Decision, error)

	// Status reports the current decision without consuming.
	Status(ctx context.Context, key string, limit Limit, nowMs int64) (Decision, error)
}
