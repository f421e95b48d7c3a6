// internal/agent/models.go
package agent

// LoopState names the phase the task loop is in. Transitions are strictly
// INIT -> (OBSERVE -> DECIDE -> ACT)* -> one of the terminal states.
type LoopState string

const (
	StateInit    LoopState = "INIT"
	StateObserve LoopState = "OBSERVE"
	StateDecide  LoopState = "DECIDE"
	StateAct     LoopState = "ACT"
	// Terminal states.
	StateFinished LoopState = "FINISHED"
	StateMaxSteps LoopState = "MAX_STEPS"
	StateFailed   LoopState = "FAILED"
)

// Terminal reports whether the loop has stopped.
func (s LoopState) Terminal() bool {
	switch s {
	case StateFinished, StateMaxSteps, StateFailed:
		return true
	}
	return false
}

// Task is one unit of work handed to the loop: a natural-language goal,
// optionally with a page to start from.
type Task struct {
	ID       string
	Goal     string
	StartURL string
	// ScreenshotPath, when set, saves a PNG of the final page next to the
	// task result. Empty disables the capture.
	ScreenshotPath string
}
