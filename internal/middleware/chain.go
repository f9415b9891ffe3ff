// Package middleware provides the gateway's http.Handler composition
// primitives and the ambient middlewares shared by the proxy and admin
// listeners.
package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an immutable ordered list of middlewares.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain. The first middleware is the outermost.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then wraps h with the chain.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc wraps an http.HandlerFunc with the chain.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append returns a new chain with the middlewares added at the end.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	next := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	next = append(next, c.middlewares...)
	next = append(next, middlewares...)
	return &Chain{middlewares: next}
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Builder assembles a chain conditionally.
type Builder struct {
	middlewares []Middleware
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use adds a middleware.
func (b *Builder) Use(m Middleware) *Builder {
	b.middlewares = append(b.middlewares, m)
	return b
}

// UseIf adds a middleware only when the condition holds.
func (b *Builder) UseIf(condition bool, m Middleware) *Builder {
	if condition {
		b.middlewares = append(b.middlewares, m)
	}
	return b
}

// Build creates the chain.
func (b *Builder) Build() *Chain {
	return NewChain(b.middlewares...)
}

// Handler wraps h with everything added so far.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.Build().Then(h)
}
