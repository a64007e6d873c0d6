// Copyright © 2024 Quillstor, Inc.
package reactor

import "context"

type ctxKey struct{}

// WithContext attaches a core capability to ctx. Calls with a core-affinity
// precondition take it from here, making the constraint visible at each
// call site.
func WithContext(ctx context.Context, r *Reactor) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext returns the core capability carried by ctx, or nil.
func FromContext(ctx context.Context) *Reactor {
	r, _ := ctx.Value(ctxKey{}).(*Reactor)
	return r
}
