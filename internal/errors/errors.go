package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// typeBase prefixes the RFC 7807 "type" URI of every gateway-emitted problem.
const typeBase = "https://aussie.dev/problems/"

// GatewayError is an error that can be returned to clients as an RFC 7807
// application/problem+json document.
type GatewayError struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Instance   string `json:"instance,omitempty"`
	ErrorCode  string `json:"error,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Title, e.underlying)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return e.Title
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteProblem writes the error as an RFC 7807 problem document.
// Base singletons (no detail/instance) use pre-serialized JSON.
func (e *GatewayError) WriteProblem(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors. These singletons are shared; use the With* modifiers to
// derive request-specific copies.
var (
	ErrBadRequest = &GatewayError{
		Type:   typeBase + "bad-request",
		Title:  "Bad Request",
		Status: http.StatusBadRequest,
	}

	ErrConflictingAuth = &GatewayError{
		Type:      typeBase + "conflicting-authentication",
		Title:     "Conflicting Authentication",
		Status:    http.StatusBadRequest,
		ErrorCode: "conflicting_authentication",
	}

	ErrUnauthorized = &GatewayError{
		Type:   typeBase + "unauthorized",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
	}

	ErrForbidden = &GatewayError{
		Type:   typeBase + "forbidden",
		Title:  "Forbidden",
		Status: http.StatusForbidden,
	}

	ErrNotFound = &GatewayError{
		Type:   typeBase + "not-found",
		Title:  "Not Found",
		Status: http.StatusNotFound,
	}

	ErrPayloadTooLarge = &GatewayError{
		Type:   typeBase + "payload-too-large",
		Title:  "Payload Too Large",
		Status: http.StatusRequestEntityTooLarge,
	}

	ErrHeaderFieldsTooLarge = &GatewayError{
		Type:   typeBase + "request-header-fields-too-large",
		Title:  "Request Header Fields Too Large",
		Status: http.StatusRequestHeaderFieldsTooLarge,
	}

	ErrTooManyRequests = &GatewayError{
		Type:   typeBase + "too-many-requests",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
	}

	ErrInternal = &GatewayError{
		Type:   typeBase + "internal",
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
	}

	ErrBadGateway = &GatewayError{
		Type:   typeBase + "bad-gateway",
		Title:  "Bad Gateway",
		Status: http.StatusBadGateway,
	}

	ErrServiceUnavailable = &GatewayError{
		Type:   typeBase + "service-unavailable",
		Title:  "Service Unavailable",
		Status: http.StatusServiceUnavailable,
	}

	ErrGatewayTimeout = &GatewayError{
		Type:   typeBase + "gateway-timeout",
		Title:  "Gateway Timeout",
		Status: http.StatusGatewayTimeout,
	}

	// ErrStoreUnavailable is internal; it surfaces to clients as 503 unless a
	// component's fail-open policy swallows it.
	ErrStoreUnavailable = &GatewayError{
		Type:   typeBase + "store-unavailable",
		Title:  "Store Unavailable",
		Status: http.StatusServiceUnavailable,
	}
)

// preSerialized holds JSON-encoded bytes for the base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest, ErrConflictingAuth, ErrUnauthorized, ErrForbidden,
		ErrNotFound, ErrPayloadTooLarge, ErrHeaderFieldsTooLarge,
		ErrTooManyRequests, ErrInternal, ErrBadGateway, ErrServiceUnavailable,
		ErrGatewayTimeout, ErrStoreUnavailable,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, title string) *GatewayError {
	return &GatewayError{
		Type:   typeBase + "error",
		Title:  title,
		Status: status,
	}
}

// Wrap wraps an error with a client-facing problem.
func Wrap(err error, status int, title string) *GatewayError {
	return &GatewayError{
		Type:       typeBase + "error",
		Title:      title,
		Status:     status,
		underlying: err,
	}
}

// WithDetail returns a copy carrying a human-readable detail string.
func (e *GatewayError) WithDetail(detail string) *GatewayError {
	c := *e
	c.Detail = detail
	return &c
}

// WithInstance returns a copy carrying the request path that produced it.
func (e *GatewayError) WithInstance(instance string) *GatewayError {
	c := *e
	c.Instance = instance
	return &c
}

// WithCause returns a copy wrapping the underlying error.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := *e
	c.underlying = err
	return &c
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
