// Package session carries per-call values through context: trace ids
// for following one intercepted call across components, the endpoint a
// call was aimed at, and the bypass mark that keeps the engine's own
// traffic out of the interception path.
package session

import (
	"context"
	"fmt"
	"math/rand"
)

// Unexported key types so other packages cannot collide with ours.
type (
	traceIDCtxKey    struct{}
	bypassCtxKey     struct{}
	remoteInfoCtxKey struct{}
)

// WithNewTraceID ensures the context carries a trace id, minting a
// random one when none is present.
func WithNewTraceID(ctx context.Context) context.Context {
	if _, ok := TraceIDFrom(ctx); ok {
		return ctx
	}

	return context.WithValue(ctx, traceIDCtxKey{}, newTraceID())
}

// TraceIDFrom extracts the trace id from the context, if one exists.
func TraceIDFrom(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDCtxKey{}).(string)
	return traceID, ok
}

// WithRemoteInfo returns a context carrying the endpoint the call was
// aimed at, before any redirection.
func WithRemoteInfo(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, remoteInfoCtxKey{}, endpoint)
}

// RemoteInfoFrom extracts the requested endpoint from the context, if
// one exists.
func RemoteInfoFrom(ctx context.Context) (string, bool) {
	endpoint, ok := ctx.Value(remoteInfoCtxKey{}).(string)
	return endpoint, ok
}

// WithBypass marks the context so that installed hooks forward the call
// straight to the original implementation. The engine's own outbound
// connections (relay, upstream DNS) carry this mark to avoid re-entering
// the interception path.
func WithBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassCtxKey{}, true)
}

// BypassFrom reports whether the context carries the bypass mark.
func BypassFrom(ctx context.Context) bool {
	bypass, ok := ctx.Value(bypassCtxKey{}).(bool)
	return ok && bypass
}

func newTraceID() string {
	return fmt.Sprintf("%016x", rand.Uint64())
}
