// api/schemas/interfaces.go
package schemas

import "context"

// Oracle is the single seam between the agent loop and whichever LLM
// provider backs it. Route receives the full transcript so far plus the
// fixed tool surface and returns the provider's next turn. Implementations
// own their retry, rate limiting and health bookkeeping; the loop treats a
// returned error as already-final.
type Oracle interface {
	Route(ctx context.Context, transcript []Turn, tools []ToolDefinition) (Turn, error)
}
