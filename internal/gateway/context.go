package gateway

import "context"

// Caller is the authenticated identity behind a request. Admins are exempt
// from quota charges but still see their quota statistics.
type Caller struct {
	User  string
	Admin bool
}

type ctxKey int

const (
	callerKey ctxKey = iota
	requestIDKey
)

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
