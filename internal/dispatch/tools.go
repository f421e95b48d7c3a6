// internal/dispatch/tools.go
package dispatch

import (
	"encoding/json"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// toolDefinitions is the fixed tool surface handed to the oracle at the
// start of a task. It is never renegotiated mid-task, and validateRegistry
// guarantees it stays in lockstep with the handler registry.
var toolDefinitions = []schemas.ToolDefinition{
	{
		Name:        "navigate",
		Description: "Load a URL in the browser. Use full URLs including the scheme.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Absolute http(s) URL to load."}
			},
			"required": ["url"]
		}`),
	},
	{
		Name:        "click",
		Description: "Click the interactive element with the given index from the current page state.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"index": {"type": "integer", "description": "Element index shown in brackets, e.g. 3 for [3]."}
			},
			"required": ["index"]
		}`),
	},
	{
		Name:        "type",
		Description: "Type text into the element with the given index, optionally pressing Enter afterwards.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"index": {"type": "integer", "description": "Element index shown in brackets."},
				"text": {"type": "string", "description": "Text to enter."},
				"press_enter": {"type": "boolean", "description": "Press Enter after typing to submit."}
			},
			"required": ["index", "text"]
		}`),
	},
	{
		Name:        "press_key",
		Description: "Press a single key on the focused element. Supported: Enter, Tab, Escape, Backspace, Delete, ArrowUp, ArrowDown, PageUp, PageDown, Home, End.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "description": "Key name, e.g. Enter."}
			},
			"required": ["key"]
		}`),
	},
	{
		Name:        "scroll",
		Description: "Scroll the page up or down to reveal more elements.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"direction": {"type": "string", "enum": ["up", "down"], "description": "Scroll direction, default down."},
				"amount": {"type": "integer", "description": "Distance in pixels, default 600."}
			}
		}`),
	},
	{
		Name:        "wait",
		Description: "Pause to let the page load or settle.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"seconds": {"type": "integer", "description": "Seconds to wait, default 2, max 30."}
			}
		}`),
	},
	{
		Name:        "extract_text",
		Description: "Read the visible text of the current page.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "extract_data",
		Description: "Read the visible text of the current page in order to extract specific data from it.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"description": {"type": "string", "description": "What data to look for, e.g. 'the product price'."}
			}
		}`),
	},
	{
		Name:        "go_back",
		Description: "Go back to the previous page in the browser history.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "execute_script",
		Description: "Run a small read-only JavaScript snippet in the page. Only simple scroll, querySelector and arrow-function expressions are permitted.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"script": {"type": "string", "description": "JavaScript expression to evaluate."}
			},
			"required": ["script"]
		}`),
	},
	{
		Name:        "finish",
		Description: "Declare the task complete and report the final answer. Call this exactly once, when the goal is achieved.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"summary": {"type": "string", "description": "Final answer or summary of what was accomplished."},
				"data": {"type": "object", "description": "Optional structured payload extracted during the task, e.g. the scraped fields."}
			},
			"required": ["summary"]
		}`),
	},
}
