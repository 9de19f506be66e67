// Package clock carries a per-request notion of "now" on a context.
//
// Handlers that need deterministic time put an override on the request
// context; everything else falls back to the real clock. Nothing here is
// process-global, so concurrent requests never see each other's time.
package clock

import (
	"context"
	"time"
)

type nowKey struct{}

// WithNow returns a copy of ctx whose current time is t.
func WithNow(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, nowKey{}, t)
}

// FromContext returns the time stored by WithNow, if any.
func FromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(nowKey{}).(time.Time)
	return t, ok
}

// Now returns the context override when present, otherwise fallback(),
// otherwise time.Now. The result is always UTC.
func Now(ctx context.Context, fallback func() time.Time) time.Time {
	if t, ok := FromContext(ctx); ok {
		return t.UTC()
	}
	if fallback != nil {
		return fallback().UTC()
	}
	return time.Now().UTC()
}
