package tools

import "context"

// ProgressFunc receives coarse tool progress. Implementations must be
// safe to call from the request goroutine.
type ProgressFunc func(progress, total float64, message string)

type progressKey struct{}

// ContextWithProgress attaches a progress callback to the context.
func ContextWithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// reportProgress invokes the context's progress callback, if any.
func reportProgress(ctx context.Context, progress, total float64, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(progress, total, message)
	}
}
