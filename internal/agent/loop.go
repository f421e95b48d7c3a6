// internal/agent/loop.go

// Package agent runs the observe/decide/act loop for one task. The loop is
// an explicit state machine: every iteration captures the page, asks the
// oracle for exactly one directive, executes it through the dispatcher and
// feeds the outcome back into the transcript. Hard limits (step budget,
// repetition circuit breaker) terminate the loop even when the oracle never
// cooperates.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/dispatch"
	"github.com/xkilldash9x/webpilot/internal/extract"
	"github.com/xkilldash9x/webpilot/internal/security"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// Loop drives a single task to a terminal state. A Loop is single-use:
// construct one per task.
type Loop struct {
	oracle     schemas.Oracle
	dispatcher *dispatch.Dispatcher
	extractor  *extract.Extractor
	guard      *security.Guard
	cfg        config.AgentConfig
	logger     *zap.Logger

	state      LoopState
	transcript []schemas.Turn

	// Circuit breaker bookkeeping.
	lastFingerprint string
	repeatCount     int
}

// NewLoop assembles a task loop from its collaborators.
func NewLoop(
	oracle schemas.Oracle,
	dispatcher *dispatch.Dispatcher,
	extractor *extract.Extractor,
	guard *security.Guard,
	cfg config.AgentConfig,
	logger *zap.Logger,
) *Loop {
	return &Loop{
		oracle:     oracle,
		dispatcher: dispatcher,
		extractor:  extractor,
		guard:      guard,
		cfg:        cfg,
		logger:     logger.Named("AgentLoop"),
		state:      StateInit,
	}
}

// State exposes the loop's current phase, mainly for logging and tests.
func (l *Loop) State() LoopState {
	return l.state
}

// Transcript returns the accumulated conversation. The slice is the loop's
// own; callers must not mutate it.
func (l *Loop) Transcript() []schemas.Turn {
	return l.transcript
}

// Run executes the task until a terminal state is reached. The returned
// result is always usable; the error is non-nil only when the surrounding
// context aborted the task.
func (l *Loop) Run(ctx context.Context, task Task) (result *schemas.TaskResult, err error) {
	log := l.logger.With(zap.String("task_id", task.ID))
	log.Info("Starting task.", zap.String("goal", task.Goal))

	// A panic anywhere in the cycle fails the task instead of the process.
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered from panic in task loop.", zap.Any("panic", r))
			l.state = StateFailed
			result = &schemas.TaskResult{
				Success: false,
				Result:  fmt.Sprintf("task aborted by internal panic: %v", r),
				Reason:  schemas.TerminationFailed,
			}
			err = nil
		}
	}()

	tools := l.dispatcher.ToolDefinitions()
	l.transcript = []schemas.Turn{
		{Role: schemas.RoleSystem, Content: systemPrompt},
		{Role: schemas.RoleUser, Content: userGoal(task.Goal, task.StartURL)},
	}

	steps := 0
	lastObservation := ""
	for steps < l.cfg.MaxSteps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			l.state = StateFailed
			return l.failure(fmt.Sprintf("task canceled: %v", ctxErr), steps), ctxErr
		}

		// -- OBSERVE --
		l.state = StateObserve
		snap, obsErr := l.extractor.Capture(ctx)
		if obsErr != nil {
			log.Error("Page observation failed.", zap.Error(obsErr))
			l.state = StateFailed
			return l.failure(fmt.Sprintf("could not observe the page: %v", obsErr), steps), nil
		}
		observation := l.guard.SanitizeText(snap.State.Format())
		lastObservation = fmt.Sprintf("URL: %s\nTitle: %s\n%s", snap.State.URL, snap.State.Title, observation)
		l.append(schemas.Turn{
			Role:    schemas.RoleUser,
			Content: observationMessage(steps+1, l.cfg.MaxSteps, lastObservation),
		})

		// -- DECIDE --
		l.state = StateDecide
		turn, decideErr := l.oracle.Route(ctx, l.transcript, tools)
		if decideErr != nil {
			log.Error("Oracle routing failed.", zap.Error(decideErr))
			l.state = StateFailed
			return l.failure(fmt.Sprintf("decision provider failed: %v", decideErr), steps), nil
		}
		l.append(turn)

		call := turn.ToolCall
		if call == nil {
			// Some models wrap the call in a markdown block instead of
			// using native tool calling. Salvage it if possible.
			if salvaged, ok := parseInlineCall(turn.Content); ok {
				call = salvaged
				log.Debug("Salvaged tool call from text response.", zap.String("action", call.Name))
			} else {
				log.Warn("Oracle returned no tool call, re-prompting.")
				l.append(schemas.Turn{Role: schemas.RoleUser, Content: rePrompt})
				steps++
				continue
			}
		}

		req := parseRequest(call)

		// Circuit breaker: identical consecutive directives indicate the
		// oracle is stuck. The prompt warns about this; the loop enforces it
		// by refusing the dispatch and telling the oracle to change course.
		if tripped := l.recordAction(req); tripped {
			log.Warn("Action repetition limit hit, rejecting without dispatch.",
				zap.String("action", req.Name), zap.Int("repeats", l.repeatCount))
			l.state = StateAct
			steps++
			msg := fmt.Sprintf(
				"action %q was repeated %d times in a row with identical parameters and was not executed; try a different action",
				req.Name, l.repeatCount)
			l.append(toolResult(call, schemas.ActionResult{Success: false, Observation: msg, Error: msg}))
			continue
		}

		// -- ACT --
		l.state = StateAct
		steps++

		if req.Name == string(dispatch.ActionFinish) {
			res := l.dispatcher.Execute(ctx, req, snap)
			l.append(toolResult(call, res))
			log.Info("Task finished by oracle.", zap.Int("steps", steps))
			l.state = StateFinished
			return &schemas.TaskResult{
				Success: true,
				Result:  res.Observation,
				Data:    res.Data,
				Steps:   steps,
				Reason:  schemas.TerminationFinished,
			}, nil
		}

		res := l.dispatcher.Execute(ctx, req, snap)
		l.append(toolResult(call, res))
		log.Debug("Action executed.",
			zap.String("action", req.Name), zap.Bool("success", res.Success), zap.Int("step", steps))
	}

	log.Warn("Step budget exhausted.", zap.Int("steps", steps))
	l.state = StateMaxSteps
	// The last observation is the most useful artifact an unfinished task
	// can hand back: it shows where the agent got stuck.
	if lastObservation == "" {
		lastObservation = fmt.Sprintf("task did not complete within %d steps", l.cfg.MaxSteps)
	}
	return &schemas.TaskResult{
		Success: false,
		Result:  lastObservation,
		Steps:   steps,
		Reason:  schemas.TerminationMaxSteps,
	}, nil
}

func (l *Loop) append(t schemas.Turn) {
	l.transcript = append(l.transcript, t)
}

func (l *Loop) failure(msg string, steps int) *schemas.TaskResult {
	return &schemas.TaskResult{
		Success: false,
		Result:  msg,
		Steps:   steps,
		Reason:  schemas.TerminationFailed,
	}
}

// recordAction updates the repetition counter and reports whether the
// breaker tripped. The fingerprint covers the action name and its
// parameters in canonical (sorted-key) form.
func (l *Loop) recordAction(req schemas.ActionRequest) bool {
	fp := fingerprint(req)
	if fp == l.lastFingerprint {
		l.repeatCount++
	} else {
		l.lastFingerprint = fp
		l.repeatCount = 1
	}

	limit := l.cfg.MaxActionRepeats
	if limit <= 0 {
		limit = 3
	}
	return l.repeatCount > limit
}

func fingerprint(req schemas.ActionRequest) string {
	// encoding/json sorts map keys, which canonicalizes the parameters.
	params, err := json.Marshal(req.Params)
	if err != nil {
		params = []byte("{}")
	}
	return req.Name + ":" + string(params)
}

// parseRequest turns a tool call into an action request. Malformed
// argument payloads degrade to an empty parameter map; the handler's own
// validation then produces a readable failure for the oracle.
func parseRequest(call *schemas.ToolCall) schemas.ActionRequest {
	req := schemas.ActionRequest{Name: call.Name, Params: map[string]interface{}{}}
	if len(call.Arguments) == 0 {
		return req
	}
	var params map[string]interface{}
	if err := jsonFast.Unmarshal(call.Arguments, &params); err == nil && params != nil {
		req.Params = params
	}
	return req
}

func toolResult(call *schemas.ToolCall, res schemas.ActionResult) schemas.Turn {
	content := res.Observation
	if !res.Success && res.Error != "" && res.Error != res.Observation {
		content = fmt.Sprintf("%s\nError: %s", res.Observation, res.Error)
	}
	return schemas.Turn{
		Role:       schemas.RoleTool,
		ToolCallID: call.Name,
		Content:    content,
	}
}

// inlineCallPattern matches a JSON object inside an optional markdown code
// fence, the common shape of a tool call emitted as plain text.
var inlineCallPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseInlineCall attempts to recover a tool call from a text response.
func parseInlineCall(content string) (*schemas.ToolCall, bool) {
	m := inlineCallPattern.FindStringSubmatch(content)
	if m == nil {
		return nil, false
	}

	var wrapper struct {
		Name   string          `json:"name"`
		Action string          `json:"action"`
		Params json.RawMessage `json:"params"`
		Args   json.RawMessage `json:"args"`
	}
	if err := jsonFast.Unmarshal([]byte(m[1]), &wrapper); err != nil {
		return nil, false
	}

	name := wrapper.Name
	if name == "" {
		name = wrapper.Action
	}
	if name == "" {
		return nil, false
	}

	args := wrapper.Params
	if len(args) == 0 {
		args = wrapper.Args
	}
	return &schemas.ToolCall{ID: name, Name: name, Arguments: args}, true
}
