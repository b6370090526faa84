// Package middleware carries the cross-cutting HTTP concerns of the admin
// surface: request logging, metrics and per-IP rate limiting.
package middleware

import (
	"net/http"
	"slices"
)

// Middleware wraps a handler with one cross-cutting concern.
type Middleware func(http.Handler) http.Handler

// Chain applies the middlewares so that the first listed is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for _, m := range slices.Backward(mws) {
		h = m(h)
	}
	return h
}
