// Package workflow interprets administrator-authored workflow definitions one
// step at a time.
package workflow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/actions"
	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// Step config keys.
const (
	ConfigText        = "text"
	ConfigMessage     = "message"
	ConfigPrompt      = "prompt"
	ConfigRetryPrompt = "retry_prompt"
	ConfigVariable    = "variable"
	ConfigField       = "field"
	ConfigOperator    = "operator"
	ConfigValue       = "value"
	ConfigTrueStep    = "true_step"
	ConfigFalseStep   = "false_step"
	ConfigNextStep    = "next_step"
	ConfigAction      = "action"
	ConfigParams      = "params"
	ConfigState       = "state"
)

// DefaultRetryPrompt is sent before the prompt when an answer fails validation
// and the step has no retry_prompt.
const DefaultRetryPrompt = "Please provide a valid answer."

// Dispatcher runs an action. *actions.Dispatcher and *actions.Queue satisfy it.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string, params map[string]any) actions.Result
}

// StepResult is the transition produced by executing one step.
type StepResult struct {
	OutboundMessage  string
	NextStep         *models.WorkflowStep // nil with AwaitingInput false means the workflow completes
	VariablesToMerge models.Variables
	DeferToAI        bool
	AwaitingInput    bool // stay on this step until the next inbound message
	Completed        bool
	Action           *actions.Result
	// State is the session state requested by the step's "state" config.
	State string
}

// Executor executes workflow steps.
type Executor struct {
	dispatcher Dispatcher
	validator  *Validator
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithValidator replaces the answer validator.
func WithValidator(v *Validator) ExecutorOption {
	return func(e *Executor) { e.validator = v }
}

// NewExecutor creates an Executor dispatching action steps through d. d may be
// nil, in which case action steps are skipped.
func NewExecutor(d Dispatcher, opts ...ExecutorOption) *Executor {
	e := &Executor{dispatcher: d}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		e.validator = NewValidator()
	}
	return e
}

// Execute runs step. inbound is nil on the first visit to a step and holds the
// customer's reply when a question step is re-entered.
func (e *Executor) Execute(ctx context.Context, def *models.WorkflowDefinition, step *models.WorkflowStep, vars models.Variables, inbound *string) StepResult {
	var res StepResult
	switch step.Type {
	case models.StepTypeMessage:
		res = e.message(def, step, vars)
	case models.StepTypeQuestion:
		res = e.question(def, step, vars, inbound)
	case models.StepTypeCondition:
		res = e.condition(def, step, vars)
	case models.StepTypeAction:
		res = e.action(ctx, def, step, vars)
	case models.StepTypeAIResponse:
		res = StepResult{DeferToAI: true, NextStep: Resolve(def, step)}
	default:
		slog.Warn("Executor.Execute: unknown step type, skipping", "step", step.Key, "type", step.Type)
		res = StepResult{NextStep: Resolve(def, step)}
	}
	res.State = step.Config.String(ConfigState)
	res.Completed = !res.AwaitingInput && res.NextStep == nil
	return res
}

// Resolve returns the step that follows step: the explicit next-step id, else
// the step named by the next_step config key, else the next step by position.
// An explicit reference that does not resolve yields nil.
func Resolve(def *models.WorkflowDefinition, step *models.WorkflowStep) *models.WorkflowStep {
	if step.NextStepID != "" {
		next, ok := def.StepByID(step.NextStepID)
		if !ok {
			slog.Warn("Resolve: next step id not found, completing", "step", step.Key, "nextStepID", step.NextStepID)
			return nil
		}
		return next
	}
	if key := step.Config.String(ConfigNextStep); key != "" {
		return lookupKey(def, step, key)
	}
	next, _ := def.NextByPosition(step)
	return next
}

func lookupKey(def *models.WorkflowDefinition, from *models.WorkflowStep, key string) *models.WorkflowStep {
	next, ok := def.StepByKey(key)
	if !ok {
		slog.Warn("Resolve: step key not found, completing", "step", from.Key, "target", key)
		return nil
	}
	return next
}

func (e *Executor) message(def *models.WorkflowDefinition, step *models.WorkflowStep, vars models.Variables) StepResult {
	text := step.Config.String(ConfigText)
	if text == "" {
		text = step.Config.String(ConfigMessage)
	}
	return StepResult{OutboundMessage: Interpolate(text, vars), NextStep: Resolve(def, step)}
}

func (e *Executor) question(def *models.WorkflowDefinition, step *models.WorkflowStep, vars models.Variables, inbound *string) StepResult {
	prompt := Interpolate(step.Config.String(ConfigPrompt), vars)
	if inbound == nil {
		return StepResult{OutboundMessage: prompt, AwaitingInput: true}
	}

	answer := strings.TrimSpace(*inbound)
	if err := e.validator.Check(answer, ParseRules(step.Config)); err != nil {
		slog.Debug("Executor.question: answer rejected", "step", step.Key, "error", err)
		retry := Interpolate(step.Config.String(ConfigRetryPrompt), vars)
		if retry == "" {
			retry = DefaultRetryPrompt
			if prompt != "" {
				retry += " " + prompt
			}
		}
		return StepResult{OutboundMessage: retry, AwaitingInput: true}
	}

	res := StepResult{NextStep: Resolve(def, step)}
	if name := step.Config.String(ConfigVariable); name != "" {
		res.VariablesToMerge = models.Variables{name: answer}
	}
	return res
}

func (e *Executor) condition(def *models.WorkflowDefinition, step *models.WorkflowStep, vars models.Variables) StepResult {
	field := step.Config.String(ConfigField)
	op := Operator(step.Config.String(ConfigOperator))
	var value any
	if field != "" {
		value = vars[field]
	}
	matched := Evaluate(value, op, step.Config[ConfigValue])
	slog.Debug("Executor.condition: evaluated", "step", step.Key, "field", field, "operator", op, "result", matched)

	overrideID, branchKey := step.OnFailureStepID, step.Config.String(ConfigFalseStep)
	if matched {
		overrideID, branchKey = step.OnSuccessStepID, step.Config.String(ConfigTrueStep)
	}
	var next *models.WorkflowStep
	switch {
	case overrideID != "":
		if s, ok := def.StepByID(overrideID); ok {
			next = s
		} else {
			slog.Warn("Executor.condition: branch step id not found, completing", "step", step.Key, "target", overrideID)
		}
	case branchKey != "":
		next = lookupKey(def, step, branchKey)
	}
	return StepResult{NextStep: next}
}

func (e *Executor) action(ctx context.Context, def *models.WorkflowDefinition, step *models.WorkflowStep, vars models.Variables) StepResult {
	res := StepResult{NextStep: Resolve(def, step)}
	key := step.Config.String(ConfigAction)
	if key == "" || e.dispatcher == nil {
		slog.Warn("Executor.action: no action to dispatch", "step", step.Key, "action", key)
		return res
	}

	params := map[string]any(vars.Clone())
	for k, v := range step.Config.Map(ConfigParams) {
		if s, ok := v.(string); ok {
			v = Interpolate(s, vars)
		}
		params[k] = v
	}
	out := e.dispatcher.Dispatch(ctx, key, params)
	res.Action = &out
	switch {
	case out.Err != nil:
		slog.Warn("Executor.action: action failed, continuing", "step", step.Key, "action", key, "reason", out.Err.Reason)
	case len(out.Output) > 0:
		res.VariablesToMerge = models.Variables(out.Output).Clone()
	}
	return res
}
