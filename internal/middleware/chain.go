package middleware

import "net/http"

// Middleware wraps an http.Handler with one request-plane concern.
type Middleware func(http.Handler) http.Handler

// Builder assembles the gateway chain. Middlewares run in the order they
// were added: the first Use is the outermost wrapper.
type Builder struct {
	middlewares []Middleware
}

// NewBuilder creates an empty chain builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends a middleware to the chain.
func (b *Builder) Use(m Middleware) *Builder {
	b.middlewares = append(b.middlewares, m)
	return b
}

// Handler wraps h with every middleware added so far.
func (b *Builder) Handler(h http.Handler) http.Handler {
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		h = b.middlewares[i](h)
	}
	return h
}
