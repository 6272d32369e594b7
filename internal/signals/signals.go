// Package signals provides the delayed-cancellation guard that workers
// wrap around critical sections such as a summon handler plus its
// dedupe insert.
//
// The fleet translates SIGINT/SIGTERM into context cancellation. A
// critical section must run to completion even if the shutdown signal
// arrives mid-way, so the section runs on a detached context and the
// cancellation is observed only after the section releases.
package signals

import "context"

// Critical runs fn on a context that survives cancellation of ctx.
// It returns fn's error; if ctx was cancelled while fn ran, the
// cancellation error is returned once fn completes successfully, so
// the caller's loop still exits promptly.
func Critical(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	return context.Cause(ctx)
}

// Interrupted reports whether the worker should stop before starting
// more work.
func Interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}
