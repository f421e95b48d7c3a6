// internal/browser/interaction.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

// Navigate loads the specified URL and waits for the page to stabilize.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating to URL", zap.String("url", url))

	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	navTimeout := s.cfg.Network.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 90 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation timed out after %s: %w", navTimeout, err)
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		return fmt.Errorf("navigation failed: %w", err)
	}

	// Stabilize on the operation context, not the navigation timeout.
	if err := s.stabilize(opCtx, s.quietPeriod()); err != nil {
		if opCtx.Err() != nil {
			return opCtx.Err()
		}
		s.logger.Warn("Page stabilization failed after navigation (non-critical).", zap.Error(err))
	}
	return nil
}

// GoBack walks one entry back in the tab history and re-stabilizes.
func (s *Session) GoBack(ctx context.Context) error {
	s.logger.Debug("Navigating back in history")

	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	if err := chromedp.Run(opCtx, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("history navigation failed: %w", err)
	}
	if err := s.stabilize(opCtx, s.quietPeriod()); err != nil && opCtx.Err() != nil {
		return opCtx.Err()
	}
	return nil
}

// ClickNode clicks the center of the element identified by its backend node
// id. The element is scrolled into view first so the synthetic mouse event
// lands inside the viewport.
func (s *Session) ClickNode(ctx context.Context, id cdp.BackendNodeID) error {
	s.logger.Debug("Clicking element", zap.Int64("backend_node_id", int64(id)))

	clickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.runActions(clickCtx, chromedp.ActionFunc(func(c context.Context) error {
		if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(id).Do(c); err != nil {
			return fmt.Errorf("could not scroll element into view: %w", err)
		}
		x, y, err := nodeCenter(c, id)
		if err != nil {
			return err
		}
		return chromedp.MouseClickXY(x, y).Do(c)
	}))
}

// TypeNode focuses the element and inserts text through the input domain,
// optionally pressing Enter afterwards. InsertText behaves like a paste, so
// it works for inputs that swallow synthetic key events.
func (s *Session) TypeNode(ctx context.Context, id cdp.BackendNodeID, text string, pressEnter bool) error {
	s.logger.Debug("Typing into element",
		zap.Int64("backend_node_id", int64(id)), zap.Int("text_length", len(text)))

	typeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.runActions(typeCtx, chromedp.ActionFunc(func(c context.Context) error {
		if err := dom.Focus().WithBackendNodeID(id).Do(c); err != nil {
			return fmt.Errorf("could not focus element: %w", err)
		}
		if err := input.InsertText(text).Do(c); err != nil {
			return fmt.Errorf("text insertion failed: %w", err)
		}
		if pressEnter {
			return chromedp.KeyEvent(kb.Enter).Do(c)
		}
		return nil
	}))
}

// keyNames maps the friendly key names the oracle uses to the raw sequences
// the keyboard layer expects.
var keyNames = map[string]string{
	"enter":     kb.Enter,
	"tab":       kb.Tab,
	"escape":    kb.Escape,
	"backspace": kb.Backspace,
	"delete":    kb.Delete,
	"arrowup":   kb.ArrowUp,
	"arrowdown": kb.ArrowDown,
	"pageup":    kb.PageUp,
	"pagedown":  kb.PageDown,
	"home":      kb.Home,
	"end":       kb.End,
}

// PressKey sends a single named key to the currently focused element.
func (s *Session) PressKey(ctx context.Context, key string) error {
	seq, ok := keyNames[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}

	keyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	return s.runActions(keyCtx, chromedp.KeyEvent(seq))
}

// Scroll scrolls the viewport vertically by deltaY CSS pixels.
func (s *Session) Scroll(ctx context.Context, deltaY float64) error {
	script := fmt.Sprintf("window.scrollBy(0, %.0f)", deltaY)
	return s.Evaluate(ctx, script, nil)
}

// Evaluate runs a script in the page context. out may be nil when the
// result is not needed.
func (s *Session) Evaluate(ctx context.Context, script string, out interface{}) error {
	evalCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.runActions(evalCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// Screenshot captures the visible viewport as a PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	shotCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var buf []byte
	if err := s.runActions(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return buf, nil
}

// ExtractText returns the visible text content of the page body.
func (s *Session) ExtractText(ctx context.Context) (string, error) {
	var text string
	if err := s.Evaluate(ctx, "document.body ? document.body.innerText : ''", &text); err != nil {
		return "", err
	}
	return text, nil
}

// Location reports the current URL and document title.
func (s *Session) Location(ctx context.Context) (string, string, error) {
	var url, title string

	locCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := s.runActions(locCtx,
		chromedp.Location(&url),
		chromedp.Title(&title),
	); err != nil {
		return "", "", fmt.Errorf("could not read page location: %w", err)
	}
	return url, title, nil
}

// FullAXTree fetches the complete accessibility tree for the page.
func (s *Session) FullAXTree(ctx context.Context) ([]*accessibility.Node, error) {
	axCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var nodes []*accessibility.Node
	err := s.runActions(axCtx, chromedp.ActionFunc(func(c context.Context) error {
		if err := accessibility.Enable().Do(c); err != nil {
			return err
		}
		var axErr error
		nodes, axErr = accessibility.GetFullAXTree().Do(c)
		return axErr
	}))
	if err != nil {
		return nil, fmt.Errorf("accessibility tree fetch failed: %w", err)
	}
	return nodes, nil
}

// OuterHTML returns the serialized document markup.
func (s *Session) OuterHTML(ctx context.Context) (string, error) {
	var html string

	htmlCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.runActions(htmlCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("could not serialize document: %w", err)
	}
	return html, nil
}

// nodeCenter computes the viewport coordinates of the element's content box
// center from its box model.
func nodeCenter(ctx context.Context, id cdp.BackendNodeID) (float64, float64, error) {
	box, err := dom.GetBoxModel().WithBackendNodeID(id).Do(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("could not get box model: %w", err)
	}
	if box == nil || len(box.Content) < 8 {
		return 0, 0, fmt.Errorf("element has no content box")
	}
	// Content is a quad of four (x, y) corner pairs.
	var sumX, sumY float64
	for i := 0; i < 8; i += 2 {
		sumX += box.Content[i]
		sumY += box.Content[i+1]
	}
	return sumX / 4, sumY / 4, nil
}
