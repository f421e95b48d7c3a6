// internal/browser/context_utils.go
package browser

import "context"

// CombineContext derives a context that is canceled when either input is
// done. It inherits values and deadline from parentCtx; secondaryCtx only
// contributes its cancellation signal.
func CombineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(parentCtx)

	go func() {
		select {
		case <-secondaryCtx.Done():
			cancel()
		case <-combinedCtx.Done():
			// Already canceled from the parent or a direct call, just exit.
		}
	}()

	return combinedCtx, cancel
}
