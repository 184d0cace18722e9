package browser

import "context"

// CombineContext derives a context from ctx1 that is canceled when either
// ctx1 or ctx2 is canceled. ctx1 must be the chromedp session context: the
// combined context inherits its values, which is what carries the CDP target
// information into chromedp.Run.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
