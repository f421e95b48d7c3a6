// api/schemas/transcript.go
package schemas

import "encoding/json"

// Role identifies the author of a Turn within a task transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries the observation produced by executing a tool call.
	RoleTool Role = "tool"
)

// ToolCall is a single structured directive returned by the oracle.
// Arguments is the raw JSON argument object exactly as the provider
// produced it; parsing (and degradation on malformed input) happens in
// the agent loop, not here.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Turn is one entry in a task transcript. The transcript is strictly
// append-only; ordering is the only meaningful relationship between
// turns.
type Turn struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
}

// ToolDefinition describes one action exposed to the oracle. The set of
// definitions handed to the oracle is fixed for the lifetime of a task
// and is never renegotiated mid-task.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
