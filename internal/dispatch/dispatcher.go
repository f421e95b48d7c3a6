// internal/dispatch/dispatcher.go

// Package dispatch executes oracle directives against a browser session.
// The set of actions is closed: every action the oracle can be offered is
// registered at construction time, and anything outside that set comes back
// as a failed result instead of an error. Nothing that happens inside a
// handler, including a panic, crosses the dispatcher boundary as anything
// other than an ActionResult.
package dispatch

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/extract"
	"github.com/xkilldash9x/webpilot/internal/security"
)

// ActionKind names one registered action.
type ActionKind string

const (
	ActionNavigate      ActionKind = "navigate"
	ActionClick         ActionKind = "click"
	ActionType          ActionKind = "type"
	ActionPressKey      ActionKind = "press_key"
	ActionScroll        ActionKind = "scroll"
	ActionWait          ActionKind = "wait"
	ActionExtractText   ActionKind = "extract_text"
	ActionExtractData   ActionKind = "extract_data"
	ActionGoBack        ActionKind = "go_back"
	ActionExecuteScript ActionKind = "execute_script"
	ActionFinish        ActionKind = "finish"
)

// allKinds is the complete closed registry. Adding an action means adding it
// here, registering a handler and describing it in tools.go; NewDispatcher
// refuses to construct if the three drift apart.
var allKinds = []ActionKind{
	ActionNavigate,
	ActionClick,
	ActionType,
	ActionPressKey,
	ActionScroll,
	ActionWait,
	ActionExtractText,
	ActionExtractData,
	ActionGoBack,
	ActionExecuteScript,
	ActionFinish,
}

type handlerFunc func(ctx context.Context, req schemas.ActionRequest, snap *extract.Snapshot) schemas.ActionResult

// Dispatcher routes parsed oracle directives to their handlers.
type Dispatcher struct {
	drv      browser.Driver
	ex       *extract.Extractor
	guard    *security.Guard
	cfg      config.AgentConfig
	logger   *zap.Logger
	registry map[ActionKind]handlerFunc
}

// NewDispatcher wires the handler registry. It returns an error when the
// registry, the kind list and the advertised tool definitions disagree,
// which can only happen through a programming mistake.
func NewDispatcher(
	drv browser.Driver,
	ex *extract.Extractor,
	guard *security.Guard,
	cfg config.AgentConfig,
	logger *zap.Logger,
) (*Dispatcher, error) {
	d := &Dispatcher{
		drv:    drv,
		ex:     ex,
		guard:  guard,
		cfg:    cfg,
		logger: logger.Named("Dispatcher"),
	}

	d.registry = map[ActionKind]handlerFunc{
		ActionNavigate:      d.handleNavigate,
		ActionClick:         d.handleClick,
		ActionType:          d.handleType,
		ActionPressKey:      d.handlePressKey,
		ActionScroll:        d.handleScroll,
		ActionWait:          d.handleWait,
		ActionExtractText:   d.handleExtractText,
		ActionExtractData:   d.handleExtractData,
		ActionGoBack:        d.handleGoBack,
		ActionExecuteScript: d.handleExecuteScript,
		ActionFinish:        d.handleFinish,
	}

	if err := d.validateRegistry(); err != nil {
		return nil, err
	}
	return d, nil
}

// validateRegistry cross-checks kinds, handlers and tool definitions.
func (d *Dispatcher) validateRegistry() error {
	if len(d.registry) != len(allKinds) {
		return fmt.Errorf("registry has %d handlers for %d action kinds", len(d.registry), len(allKinds))
	}
	defs := make(map[string]struct{}, len(toolDefinitions))
	for _, td := range toolDefinitions {
		defs[td.Name] = struct{}{}
	}
	for _, kind := range allKinds {
		if _, ok := d.registry[kind]; !ok {
			return fmt.Errorf("action kind %q has no handler", kind)
		}
		if _, ok := defs[string(kind)]; !ok {
			return fmt.Errorf("action kind %q has no tool definition", kind)
		}
	}
	if len(defs) != len(allKinds) {
		return fmt.Errorf("tool definitions describe %d actions, registry has %d", len(defs), len(allKinds))
	}
	return nil
}

// Kinds returns the registered action names in stable order.
func (d *Dispatcher) Kinds() []string {
	kinds := make([]string, 0, len(d.registry))
	for k := range d.registry {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// ToolDefinitions returns the fixed tool surface advertised to the oracle.
func (d *Dispatcher) ToolDefinitions() []schemas.ToolDefinition {
	out := make([]schemas.ToolDefinition, len(toolDefinitions))
	copy(out, toolDefinitions)
	return out
}

// Execute runs a single directive and always returns a usable result. An
// unknown action name, a handler failure and a handler panic all surface as
// failed results the oracle can read and react to.
func (d *Dispatcher) Execute(ctx context.Context, req schemas.ActionRequest, snap *extract.Snapshot) (result schemas.ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered from panic in action handler.",
				zap.String("action", req.Name), zap.Any("panic", r))
			result = failure(fmt.Sprintf("action %q panicked: %v", req.Name, r))
		}
	}()

	handler, ok := d.registry[ActionKind(req.Name)]
	if !ok {
		d.logger.Warn("Oracle requested an unregistered action.", zap.String("action", req.Name))
		return failure(fmt.Sprintf("unknown action %q; available actions: %v", req.Name, d.Kinds()))
	}

	// A wedged page must not stall the whole task; one step gets one budget.
	if d.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.StepTimeout)
		defer cancel()
	}

	d.logger.Debug("Executing action.", zap.String("action", req.Name))
	return handler(ctx, req, snap)
}

func failure(msg string) schemas.ActionResult {
	return schemas.ActionResult{
		Success:     false,
		Observation: msg,
		Error:       msg,
	}
}

func success(observation string) schemas.ActionResult {
	return schemas.ActionResult{
		Success:     true,
		Observation: observation,
	}
}
