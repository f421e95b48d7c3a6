// api/schemas/page.go
package schemas

import (
	"fmt"
	"strings"
)

// Box is the bounding geometry of an element in CSS pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementDescriptor is one interactive element surfaced to the oracle.
// The index is the only reference the oracle uses to address an element;
// it is stable only within the PageState that produced it.
type ElementDescriptor struct {
	Index    int    `json:"index"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Value    string `json:"value,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	Focused  bool   `json:"focused,omitempty"`
	Geometry *Box   `json:"geometry,omitempty"`
}

// PageState is one observation of the live page: the current URL and
// title plus an ordered, index-addressed list of interactive elements.
type PageState struct {
	URL       string              `json:"url"`
	Title     string              `json:"title"`
	Elements  []ElementDescriptor `json:"elements"`
	Truncated bool                `json:"truncated,omitempty"`
}

const maxLabelRunes = 60

// Format renders the state as the compact numbered listing the oracle
// reasons about:
//
//	[0] button: "Search"
//	[1] textbox: "Query" value="hello" [DISABLED]
func (p *PageState) Format() string {
	if len(p.Elements) == 0 {
		return "(no interactive elements found)"
	}

	var b strings.Builder
	for _, el := range p.Elements {
		label := el.Name
		if label == "" {
			label = "[unlabeled]"
		}
		if runes := []rune(label); len(runes) > maxLabelRunes {
			label = string(runes[:maxLabelRunes-3]) + "..."
		}
		fmt.Fprintf(&b, "[%d] %s: %q", el.Index, el.Role, label)
		if el.Value != "" {
			fmt.Fprintf(&b, " value=%q", truncateValue(el.Value))
		}
		if el.Disabled {
			b.WriteString(" [DISABLED]")
		}
		b.WriteByte('\n')
	}
	if p.Truncated {
		b.WriteString("... (more elements, scroll to see)\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateValue(v string) string {
	const max = 30
	if runes := []rune(v); len(runes) > max {
		return string(runes[:max])
	}
	return v
}
