package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func tagger(name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("X-Order", name)
			next.ServeHTTP(w, r)
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChainAppliesInOrder(t *testing.T) {
	h := NewChain(tagger("first"), tagger("second")).Then(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	got := w.Header().Values("X-Order")
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("order = %v", got)
	}
}

func TestChainAppendDoesNotMutate(t *testing.T) {
	base := NewChain(tagger("a"))
	extended := base.Append(tagger("b"))

	if base.Len() != 1 {
		t.Fatalf("base mutated, Len = %d", base.Len())
	}
	if extended.Len() != 2 {
		t.Fatalf("extended Len = %d", extended.Len())
	}
}

func TestChainThenNilUsesDefaultMux(t *testing.T) {
	h := NewChain().Then(nil)
	if h != http.DefaultServeMux {
		t.Fatal("nil handler should fall back to DefaultServeMux")
	}
}

func TestBuilderUseIf(t *testing.T) {
	chain := NewBuilder().
		Use(tagger("always")).
		UseIf(false, tagger("never")).
		UseIf(true, tagger("sometimes")).
		Build()

	if chain.Len() != 2 {
		t.Fatalf("Len = %d, want 2", chain.Len())
	}

	w := httptest.NewRecorder()
	chain.Then(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	got := w.Header().Values("X-Order")
	if len(got) != 2 || got[0] != "always" || got[1] != "sometimes" {
		t.Fatalf("order = %v", got)
	}
}
