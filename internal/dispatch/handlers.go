// internal/dispatch/handlers.go
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/extract"
)

const (
	defaultScrollAmount = 600
	defaultWaitSeconds  = 2
	maxWaitSeconds      = 30
)

func (d *Dispatcher) handleNavigate(ctx context.Context, req schemas.ActionRequest, _ *extract.Snapshot) schemas.ActionResult {
	url := req.Param("url")
	if url == "" {
		return failure("navigate requires a 'url' parameter")
	}
	if err := d.guard.ValidateURL(url); err != nil {
		return failure(fmt.Sprintf("navigation refused: %v", err))
	}
	if err := d.drv.Navigate(ctx, url); err != nil {
		return failure(fmt.Sprintf("navigation to %s failed: %v", url, err))
	}
	return success(fmt.Sprintf("Navigated to %s.", url))
}

func (d *Dispatcher) handleClick(ctx context.Context, req schemas.ActionRequest, snap *extract.Snapshot) schemas.ActionResult {
	idx, ok := req.IntParam("index")
	if !ok {
		return failure("click requires an integer 'index' parameter")
	}
	ref, err := d.resolveNode(ctx, snap, idx)
	if err != nil {
		return failure(err.Error())
	}
	if ref.Disabled {
		return failure(fmt.Sprintf("element [%d] %s %q is disabled", idx, ref.Role, ref.Name))
	}
	if err := d.drv.ClickNode(ctx, ref.BackendID); err != nil {
		return failure(fmt.Sprintf("click on [%d] %q failed: %v", idx, ref.Name, err))
	}
	d.settle(ctx)
	return success(fmt.Sprintf("Clicked [%d] %s %q.", idx, ref.Role, ref.Name))
}

func (d *Dispatcher) handleType(ctx context.Context, req schemas.ActionRequest, snap *extract.Snapshot) schemas.ActionResult {
	idx, ok := req.IntParam("index")
	if !ok {
		return failure("type requires an integer 'index' parameter")
	}
	text := req.Param("text")
	pressEnter := req.BoolParam("press_enter")

	ref, err := d.resolveNode(ctx, snap, idx)
	if err != nil {
		return failure(err.Error())
	}
	if err := d.drv.TypeNode(ctx, ref.BackendID, text, pressEnter); err != nil {
		return failure(fmt.Sprintf("typing into [%d] %q failed: %v", idx, ref.Name, err))
	}
	if pressEnter {
		d.settle(ctx)
		return success(fmt.Sprintf("Typed into [%d] %q and pressed Enter.", idx, ref.Name))
	}
	return success(fmt.Sprintf("Typed into [%d] %q.", idx, ref.Name))
}

func (d *Dispatcher) handlePressKey(ctx context.Context, req schemas.ActionRequest, _ *extract.Snapshot) schemas.ActionResult {
	key := req.Param("key")
	if key == "" {
		return failure("press_key requires a 'key' parameter")
	}
	if err := d.drv.PressKey(ctx, key); err != nil {
		return failure(fmt.Sprintf("key press %q failed: %v", key, err))
	}
	d.settle(ctx)
	return success(fmt.Sprintf("Pressed %s.", key))
}

func (d *Dispatcher) handleScroll(ctx context.Context, req schemas.ActionRequest, _ *extract.Snapshot) schemas.ActionResult {
	direction := strings.ToLower(req.Param("direction"))
	amount, ok := req.IntParam("amount")
	if !ok || amount <= 0 {
		amount = defaultScrollAmount
	}

	deltaY := float64(amount)
	switch direction {
	case "", "down":
		direction = "down"
	case "up":
		deltaY = -deltaY
	default:
		return failure(fmt.Sprintf("scroll direction must be 'up' or 'down', got %q", direction))
	}

	if err := d.drv.Scroll(ctx, deltaY); err != nil {
		return failure(fmt.Sprintf("scroll failed: %v", err))
	}
	return success(fmt.Sprintf("Scrolled %s by %d pixels.", direction, amount))
}

func (d *Dispatcher) handleWait(ctx context.Context, req schemas.ActionRequest, _ *extract.Snapshot) schemas.ActionResult {
	seconds, ok := req.IntParam("seconds")
	if !ok || seconds <= 0 {
		seconds = defaultWaitSeconds
	}
	if seconds > maxWaitSeconds {
		seconds = maxWaitSeconds
	}

	select {
	case <-time.After(time.Duration(seconds) * time.Second):
	case <-ctx.Done():
		return failure(fmt.Sprintf("wait interrupted: %v", ctx.Err()))
	}
	return success(fmt.Sprintf("Waited %d seconds.", seconds))
}

func (d *Dispatcher) handleExtractText(ctx context.Context, req schemas.ActionRequest, snap *extract.Snapshot) schemas.ActionResult {
	return d.extractPageText(ctx, "Page text extracted.")
}

// handleExtractData is extract_text with intent attached: the oracle names
// what it is looking for and receives the page text to mine in its next
// decision.
func (d *Dispatcher) handleExtractData(ctx context.Context, req schemas.ActionRequest, snap *extract.Snapshot) schemas.ActionResult {
	goal := req.Param("description")
	observation := "Page text extracted for data mining."
	if goal != "" {
		observation = fmt.Sprintf("Page text extracted; look for: %s.", goal)
	}
	return d.extractPageText(ctx, observation)
}

func (d *Dispatcher) extractPageText(ctx context.Context, observation string) schemas.ActionResult {
	text, err := d.drv.ExtractText(ctx)
	if err != nil {
		return failure(fmt.Sprintf("text extraction failed: %v", err))
	}

	text = d.guard.SanitizeText(text)
	limit := d.cfg.MaxExtractChars
	if limit <= 0 {
		limit = 5000
	}
	if runes := []rune(text); len(runes) > limit {
		text = string(runes[:limit]) + "\n... (truncated)"
	}

	res := success(observation + "\n" + text)
	res.Data = text
	return res
}

func (d *Dispatcher) handleGoBack(ctx context.Context, req schemas.ActionRequest, _ *extract.Snapshot) schemas.ActionResult {
	if err := d.drv.GoBack(ctx); err != nil {
		return failure(fmt.Sprintf("could not go back: %v", err))
	}
	return success("Went back to the previous page.")
}

func (d *Dispatcher) handleExecuteScript(ctx context.Context, req schemas.ActionRequest, _ *extract.Snapshot) schemas.ActionResult {
	script := req.Param("script")
	if script == "" {
		return failure("execute_script requires a 'script' parameter")
	}
	if err := d.guard.ValidateScript(script); err != nil {
		return failure(fmt.Sprintf("script refused: %v", err))
	}

	var out interface{}
	if err := d.drv.Evaluate(ctx, script, &out); err != nil {
		return failure(fmt.Sprintf("script execution failed: %v", err))
	}

	res := success("Script executed.")
	res.Data = out
	return res
}

// handleFinish acknowledges the terminal call; the agent loop owns the
// actual termination. An optional structured data payload rides along
// untouched.
func (d *Dispatcher) handleFinish(ctx context.Context, req schemas.ActionRequest, _ *extract.Snapshot) schemas.ActionResult {
	summary := req.Param("summary")
	if summary == "" {
		summary = "Task completed."
	}
	res := success(summary)
	if req.Params != nil {
		res.Data = req.Params["data"]
	}
	return res
}

// resolveNode turns an element index into an actionable node reference.
// When the snapshot entry is missing a backend id, or the index refers to an
// element the page no longer has, one fresh capture is attempted and the
// element is re-found by role and name before giving up.
func (d *Dispatcher) resolveNode(ctx context.Context, snap *extract.Snapshot, idx int) (extract.NodeRef, error) {
	if snap == nil {
		return extract.NodeRef{}, fmt.Errorf("no page observation available; element [%d] cannot be resolved", idx)
	}
	ref, ok := snap.Nodes[idx]
	if !ok {
		return extract.NodeRef{}, fmt.Errorf("no element with index [%d] in the current page state", idx)
	}
	if ref.BackendID != 0 {
		return ref, nil
	}
	return d.reresolve(ctx, idx, ref)
}

// reresolve re-captures the page and searches for an element matching the
// stale reference's role and name.
func (d *Dispatcher) reresolve(ctx context.Context, idx int, stale extract.NodeRef) (extract.NodeRef, error) {
	d.logger.Debug("Re-resolving stale element reference.",
		zap.Int("index", idx), zap.String("role", stale.Role), zap.String("name", stale.Name))

	fresh, err := d.ex.Capture(ctx)
	if err != nil {
		return extract.NodeRef{}, fmt.Errorf("element [%d] is stale and the page could not be re-observed: %v", idx, err)
	}
	for _, candidate := range fresh.Nodes {
		if candidate.BackendID == 0 {
			continue
		}
		if candidate.Role == stale.Role && candidate.Name == stale.Name {
			return candidate, nil
		}
	}
	return extract.NodeRef{}, fmt.Errorf("element [%d] %s %q no longer exists on the page", idx, stale.Role, stale.Name)
}

// settle gives the page a moment to react after a state-changing action.
// Failures here are never surfaced; the next observation tells the truth.
func (d *Dispatcher) settle(ctx context.Context) {
	if err := d.drv.WaitStable(ctx); err != nil {
		d.logger.Debug("Page did not settle after action.", zap.Error(err))
	}
}
