// internal/extract/extractor.go

// Package extract turns a live page into the compact, index-addressed
// element listing the oracle reasons about. The accessibility tree is the
// primary source; when it is unavailable the raw markup is parsed instead,
// and when both fail the page degrades to an empty element list rather than
// an error.
package extract

import (
	"context"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// interactiveRoles is the closed set of accessibility roles surfaced to the
// oracle. Everything else on the page is noise for decision purposes.
var interactiveRoles = map[string]struct{}{
	"button":           {},
	"link":             {},
	"textbox":          {},
	"searchbox":        {},
	"combobox":         {},
	"listbox":          {},
	"checkbox":         {},
	"radio":            {},
	"switch":           {},
	"slider":           {},
	"spinbutton":       {},
	"menuitem":         {},
	"menuitemcheckbox": {},
	"menuitemradio":    {},
	"option":           {},
	"tab":              {},
}

// NodeRef is the private side of an element index: enough identity to act
// on the element now (backend node id) and to re-find it later (role and
// name) if the page shifted underneath the oracle.
type NodeRef struct {
	BackendID cdp.BackendNodeID
	Role      string
	Name      string
	Value     string
	Disabled  bool
}

// Snapshot pairs the oracle-facing page state with the element lookup table
// the dispatcher needs. Indices in State.Elements and keys in Nodes always
// agree.
type Snapshot struct {
	State *schemas.PageState
	Nodes map[int]NodeRef
}

// Extractor captures snapshots from a browser session.
type Extractor struct {
	drv         browser.Driver
	maxElements int
	logger      *zap.Logger
}

// NewExtractor builds an extractor over the given driver. maxElements caps
// how many interactive elements a snapshot surfaces.
func NewExtractor(drv browser.Driver, maxElements int, logger *zap.Logger) *Extractor {
	if maxElements <= 0 {
		maxElements = 50
	}
	return &Extractor{
		drv:         drv,
		maxElements: maxElements,
		logger:      logger.Named("Extractor"),
	}
}

// Capture observes the current page. It never fails on extraction trouble;
// the worst case is a snapshot with an unknown location and zero elements,
// which the oracle can respond to by navigating, scrolling or going back.
// The only error Capture returns is a dead context.
func (e *Extractor) Capture(ctx context.Context) (*Snapshot, error) {
	url, title, err := e.drv.Location(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("Could not read page location, degrading to an unknown location.", zap.Error(err))
		url, title = "", ""
	}

	elements, nodes, truncated := e.captureElements(ctx)

	return &Snapshot{
		State: &schemas.PageState{
			URL:       url,
			Title:     title,
			Elements:  elements,
			Truncated: truncated,
		},
		Nodes: nodes,
	}, nil
}

func (e *Extractor) captureElements(ctx context.Context) ([]schemas.ElementDescriptor, map[int]NodeRef, bool) {
	axNodes, err := e.drv.FullAXTree(ctx)
	if err == nil {
		elements, nodes, truncated := e.fromAXTree(axNodes)
		if len(elements) > 0 {
			return elements, nodes, truncated
		}
		e.logger.Debug("Accessibility tree yielded no interactive elements, falling back to markup.")
	} else {
		e.logger.Warn("Accessibility tree unavailable, falling back to markup.", zap.Error(err))
	}

	markup, htmlErr := e.drv.OuterHTML(ctx)
	if htmlErr != nil {
		e.logger.Warn("Markup fallback failed, degrading to empty element list.", zap.Error(htmlErr))
		return nil, map[int]NodeRef{}, false
	}
	return e.fromMarkup(markup)
}

// fromAXTree flattens the accessibility tree into indexed descriptors,
// preserving document order and honoring the element cap.
func (e *Extractor) fromAXTree(axNodes []*accessibility.Node) ([]schemas.ElementDescriptor, map[int]NodeRef, bool) {
	var elements []schemas.ElementDescriptor
	nodes := make(map[int]NodeRef)
	truncated := false

	for _, n := range axNodes {
		if n == nil || n.Ignored {
			continue
		}
		role := axValueString(n.Role)
		if _, ok := interactiveRoles[role]; !ok {
			continue
		}
		if len(elements) >= e.maxElements {
			truncated = true
			break
		}

		ref := NodeRef{
			BackendID: n.BackendDOMNodeID,
			Role:      role,
			Name:      axValueString(n.Name),
			Value:     axValueString(n.Value),
			Disabled:  axBoolProperty(n, accessibility.PropertyNameDisabled),
		}
		idx := len(elements)
		elements = append(elements, schemas.ElementDescriptor{
			Index:    idx,
			Role:     ref.Role,
			Name:     ref.Name,
			Value:    ref.Value,
			Disabled: ref.Disabled,
			Focused:  axBoolProperty(n, accessibility.PropertyNameFocused),
		})
		nodes[idx] = ref
	}
	return elements, nodes, truncated
}

// axValueString decodes the raw JSON payload of an AX value into a string.
func axValueString(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(strings.Trim(string(v.Value), `"`))
}

func axBoolProperty(n *accessibility.Node, name accessibility.PropertyName) bool {
	for _, p := range n.Properties {
		if p == nil || p.Name != name || p.Value == nil {
			continue
		}
		var b bool
		if err := json.Unmarshal(p.Value.Value, &b); err == nil {
			return b
		}
	}
	return false
}

// fromMarkup is the degraded path: parse the serialized document and pick
// out the classically interactive tags. Elements found this way carry no
// backend node id, so acting on them relies on re-resolution by name.
func (e *Extractor) fromMarkup(markup string) ([]schemas.ElementDescriptor, map[int]NodeRef, bool) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		e.logger.Warn("Could not parse page markup.", zap.Error(err))
		return nil, map[int]NodeRef{}, false
	}

	var elements []schemas.ElementDescriptor
	nodes := make(map[int]NodeRef)
	truncated := false

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if truncated {
			return
		}
		if n.Type == html.ElementNode {
			if role, ok := markupRole(n); ok {
				if len(elements) >= e.maxElements {
					truncated = true
					return
				}
				ref := NodeRef{
					Role:     role,
					Name:     markupName(n),
					Value:    attr(n, "value"),
					Disabled: hasAttr(n, "disabled"),
				}
				idx := len(elements)
				elements = append(elements, schemas.ElementDescriptor{
					Index:    idx,
					Role:     ref.Role,
					Name:     ref.Name,
					Value:    ref.Value,
					Disabled: ref.Disabled,
				})
				nodes[idx] = ref
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return elements, nodes, truncated
}

// markupRole maps an element to an accessibility-style role, or reports
// that the element is not interactive. An explicit role attribute wins.
func markupRole(n *html.Node) (string, bool) {
	if explicit := strings.ToLower(attr(n, "role")); explicit != "" {
		_, interactive := interactiveRoles[explicit]
		return explicit, interactive
	}
	switch n.Data {
	case "a":
		if attr(n, "href") != "" {
			return "link", true
		}
	case "button":
		return "button", true
	case "select":
		return "combobox", true
	case "textarea":
		return "textbox", true
	case "option":
		return "option", true
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "button", "submit", "reset", "image":
			return "button", true
		case "checkbox":
			return "checkbox", true
		case "radio":
			return "radio", true
		case "range":
			return "slider", true
		case "search":
			return "searchbox", true
		case "hidden":
			return "", false
		default:
			return "textbox", true
		}
	}
	return "", false
}

// markupName approximates the accessible name computation: aria-label, then
// visible text, then the common labelling attributes.
func markupName(n *html.Node) string {
	if label := attr(n, "aria-label"); label != "" {
		return label
	}
	if text := strings.TrimSpace(textContent(n)); text != "" {
		return collapseSpace(text)
	}
	for _, a := range []string{"placeholder", "title", "alt", "value", "name"} {
		if v := attr(n, a); v != "" {
			return v
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}
