// Package cancelctx provides the cancellation fabric:
// a pair of helpers threaded through every I/O, decrypt, and progress call so
// a user-issued cancel always surfaces as mediaerr.Cancelled(), never as a
// silent partial success.
package cancelctx

import (
	"context"

	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
)

// ThrowIfCancelled raises Cancelled immediately if ctx has already been
// signaled. Call this before every suspension point.
func ThrowIfCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return mediaerr.Cancelled()
	default:
		return nil
	}
}

// CancelIfCancelled runs op to completion, but if ctx fires while op is
// in flight it returns Cancelled regardless of what op returned. The result
// is also re-checked against ctx after op finishes, so a cancel that lands
// in the narrow window between op's return and the select is still honored.
func CancelIfCancelled[T any](ctx context.Context, op func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	ch := make(chan result, 1)
	go func() {
		v, err := op()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, mediaerr.Cancelled()
	case r := <-ch:
		if ctx.Err() != nil {
			var zero T
			return zero, mediaerr.Cancelled()
		}
		return r.val, r.err
	}
}
