// internal/browser/driver.go
package browser

import (
	"context"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
)

// Driver is the surface the dispatcher and the page-state extractor need
// from a live browser tab. *Session is the production implementation;
// tests substitute a mock.
type Driver interface {
	// Navigate loads the URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error
	// GoBack walks one entry back in the tab history.
	GoBack(ctx context.Context) error
	// ClickNode clicks the center of the element behind the backend node id.
	ClickNode(ctx context.Context, id cdp.BackendNodeID) error
	// TypeNode focuses the element and inserts text, optionally followed by
	// an Enter keypress.
	TypeNode(ctx context.Context, id cdp.BackendNodeID, text string, pressEnter bool) error
	// PressKey sends a single named key to the focused element.
	PressKey(ctx context.Context, key string) error
	// Scroll scrolls the viewport vertically by deltaY CSS pixels.
	Scroll(ctx context.Context, deltaY float64) error
	// Evaluate runs a script in the page. out may be nil when the result is
	// not needed.
	Evaluate(ctx context.Context, script string, out interface{}) error
	// Screenshot captures the visible viewport as a PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// ExtractText returns the visible text content of the page body.
	ExtractText(ctx context.Context) (string, error)
	// Location reports the current URL and document title.
	Location(ctx context.Context) (url string, title string, err error)
	// FullAXTree fetches the complete accessibility tree of the page.
	FullAXTree(ctx context.Context) ([]*accessibility.Node, error)
	// OuterHTML returns the serialized document markup.
	OuterHTML(ctx context.Context) (string, error)
	// WaitStable blocks until the DOM is ready and the post-load quiet
	// period has elapsed.
	WaitStable(ctx context.Context) error
}
