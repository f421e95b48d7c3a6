// api/schemas/task.go
package schemas

// TerminationReason records why an agent loop stopped.
type TerminationReason string

const (
	// TerminationFinished means the oracle explicitly called finish.
	TerminationFinished TerminationReason = "FINISHED"
	// TerminationMaxSteps means the step budget ran out first.
	TerminationMaxSteps TerminationReason = "MAX_STEPS"
	// TerminationFailed means an unrecoverable fault ended the task.
	TerminationFailed TerminationReason = "FAILED"
)

// TaskResult is the final outcome of one agent task. Success is true only
// when the termination reason is FINISHED.
type TaskResult struct {
	Success bool              `json:"success"`
	Result  string            `json:"result"`
	Data    interface{}       `json:"data,omitempty"`
	Steps   int               `json:"steps"`
	Reason  TerminationReason `json:"reason"`
}
