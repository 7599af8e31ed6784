package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from ctx1 that is also canceled
// when ctx2 is done. Values, and therefore the chromedp target, come from ctx1;
// ctx2 usually only carries a deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancelCause(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel(context.Cause(ctx2))
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, func() { cancel(context.Canceled) }
}

// valueOnlyContext keeps the values of its parent but none of its cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that survives the cancellation of ctx. Used for
// teardown after the root context has already been canceled.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
