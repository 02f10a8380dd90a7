// Package middleware provides composable execution wrappers for job
// handlers. Middleware runs inside the worker, around the handler
// invocation, and can short-circuit, observe, or transform the result.
package middleware

import (
	"context"

	"github.com/conveyorhq/conveyor/job"
)

// Handler is the innermost unit a middleware wraps: the job handler
// bound to its job and progress callback.
type Handler func(ctx context.Context) ([]byte, error)

// Middleware wraps handler execution. It receives the job being run and
// must call next to continue the chain, or return early to short-circuit.
type Middleware func(ctx context.Context, j *job.Job, next Handler) ([]byte, error)

// Chain composes middleware so the first in the slice is outermost.
// Chain(m1, m2)(h) executes as m1(m2(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) ([]byte, error) {
		// Build the chain right to left so invocation order matches
		// the slice order.
		h := next
		for i := len(middlewares) - 1; i >= 0; i-- {
			mw := middlewares[i]
			inner := h
			h = func(ctx context.Context) ([]byte, error) {
				return mw(ctx, j, inner)
			}
		}
		return h(ctx)
	}
}
