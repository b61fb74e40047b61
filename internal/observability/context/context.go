package context

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	creatorIDKey
	actorTypeKey
	actorIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithCreatorID tags the context with the creator whose ledger is being touched.
func WithCreatorID(ctx context.Context, creatorID string) context.Context {
	return context.WithValue(ctx, creatorIDKey, creatorID)
}

func CreatorIDFromContext(ctx context.Context) string {
	return stringValue(ctx, creatorIDKey)
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, actorType)
	return context.WithValue(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringValue(ctx, actorTypeKey), stringValue(ctx, actorIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
