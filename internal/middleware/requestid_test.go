package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var fromCtx string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if fromCtx == "" {
		t.Fatal("request id missing from context")
	}
	if w.Header().Get(RequestIDHeader) != fromCtx {
		t.Fatal("response header should echo the generated id")
	}
}

func TestRequestIDHonorsClientHeader(t *testing.T) {
	var fromCtx string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = RequestIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "client-supplied")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if fromCtx != "client-supplied" {
		t.Fatalf("request id = %q, want client-supplied", fromCtx)
	}
}

func TestRequestIDFromContextWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := RequestIDFromContext(r.Context()); got != "" {
		t.Fatalf("request id = %q, want empty", got)
	}
}
