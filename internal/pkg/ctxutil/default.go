package ctxutil

import "context"

// Default lets platform clients accept a nil ctx from background callers.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
