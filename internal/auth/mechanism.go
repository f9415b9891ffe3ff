package auth

import (
	"context"
	"net/http"

	gwerrors "github.com/mwistrand/aussie/internal/errors"
)

// Status is the outcome class of one mechanism attempt.
type Status int

const (
	// StatusSkip means the mechanism found no credential it handles.
	StatusSkip Status = iota
	// StatusAuthenticated means a principal was resolved.
	StatusAuthenticated
	// StatusFailed means a credential was presented and rejected.
	StatusFailed
)

// Result is a tagged outcome: Identity is set iff Status is
// StatusAuthenticated; Err and Identifier are set iff Status is
// StatusFailed. Identifier feeds the brute-force limiter.
type Result struct {
	Status     Status
	Identity   *Identity
	Err        *gwerrors.GatewayError
	Identifier string
}

// Skip reports that the mechanism does not handle this request.
func Skip() Result {
	return Result{Status: StatusSkip}
}

// Authenticated wraps a resolved principal.
func Authenticated(id *Identity) Result {
	return Result{Status: StatusAuthenticated, Identity: id}
}

// Failed reports a rejected credential. identifier is the hashed tracking
// key for lockout accounting; it may be empty.
func Failed(err *gwerrors.GatewayError, identifier string) Result {
	if err == nil {
		err = gwerrors.ErrUnauthorized
	}
	return Result{Status: StatusFailed, Err: err, Identifier: identifier}
}

// Mechanism authenticates one credential style. Implementations must never
// fabricate identities from anonymity; a request without their credential
// is a Skip.
type Mechanism interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) Result
}
