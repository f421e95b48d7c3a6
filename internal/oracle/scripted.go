// internal/oracle/scripted.go
package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// ScriptedOracle replays a fixed sequence of turns. It backs deterministic
// runs and tests where a live provider would make outcomes unrepeatable.
type ScriptedOracle struct {
	mu    sync.Mutex
	turns []schemas.Turn
	pos   int
}

var _ schemas.Oracle = (*ScriptedOracle)(nil)

// NewScriptedOracle builds an oracle that returns the given turns in order.
func NewScriptedOracle(turns ...schemas.Turn) *ScriptedOracle {
	return &ScriptedOracle{turns: turns}
}

// Call is a convenience constructor for a scripted tool-call turn.
func Call(name string, argsJSON string) schemas.Turn {
	return schemas.Turn{
		Role: schemas.RoleAssistant,
		ToolCall: &schemas.ToolCall{
			ID:        name,
			Name:      name,
			Arguments: []byte(argsJSON),
		},
	}
}

// Say is a convenience constructor for a scripted plain-text turn.
func Say(text string) schemas.Turn {
	return schemas.Turn{Role: schemas.RoleAssistant, Content: text}
}

// Route returns the next scripted turn regardless of transcript content.
// Running past the script is an error; a correctly scripted task finishes
// before the sequence runs out.
func (s *ScriptedOracle) Route(ctx context.Context, transcript []schemas.Turn, tools []schemas.ToolDefinition) (schemas.Turn, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos >= len(s.turns) {
		return schemas.Turn{}, fmt.Errorf("scripted oracle exhausted after %d turns", len(s.turns))
	}
	turn := s.turns[s.pos]
	s.pos++
	return turn, nil
}

// Remaining reports how many scripted turns have not been served yet.
func (s *ScriptedOracle) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns) - s.pos
}
