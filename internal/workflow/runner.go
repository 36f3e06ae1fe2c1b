package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/actions"
	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// TurnResult is the outcome of running a workflow for one inbound message.
type TurnResult struct {
	Messages []string
	// Merged holds every variable written this turn.
	Merged models.Variables
	// DeferToAI is set when an ai_response step asked for a model reply.
	// DeferredStep is that step; the execution already points past it.
	DeferToAI    bool
	DeferredStep *models.WorkflowStep
	// State is the last session state requested by a visited step.
	State     string
	Actions   []actions.Result
	Completed bool
	Failed    bool
	Hops      int
}

// ActionKeys returns the keys of the actions dispatched this turn.
func (r TurnResult) ActionKeys() []string {
	keys := make([]string, 0, len(r.Actions))
	for _, a := range r.Actions {
		keys = append(keys, a.Key)
	}
	return keys
}

// CurrentStep returns the step exec points at. A fresh execution starts at the
// first step by position. ok is false when the pointer no longer resolves.
func CurrentStep(def *models.WorkflowDefinition, exec *models.WorkflowExecution) (*models.WorkflowStep, bool) {
	if exec.CurrentStepID != "" {
		if step, ok := def.StepByID(exec.CurrentStepID); ok {
			return step, true
		}
	}
	if exec.CurrentStepKey != "" {
		return def.StepByKey(exec.CurrentStepKey)
	}
	if exec.CurrentStepID != "" {
		return nil, false
	}
	return def.FirstStep()
}

// RunTurn advances exec through def for one inbound message. Steps run back to
// back until one waits for input, defers to the AI engine, or the workflow
// completes. A turn visiting more than twice as many steps as def holds fails
// the execution. exec is updated in place; sessionVars is not modified.
func (e *Executor) RunTurn(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, sessionVars models.Variables, inbound string, now time.Time) TurnResult {
	res := TurnResult{Merged: models.Variables{}}
	if exec.Variables == nil {
		exec.Variables = models.Variables{}
	}
	working := sessionVars.Clone()
	working.Merge(exec.Variables)

	step, ok := CurrentStep(def, exec)
	if !ok {
		slog.Warn("Executor.RunTurn: current step not found, completing", "executionID", exec.ID,
			"stepID", exec.CurrentStepID, "stepKey", exec.CurrentStepKey)
		exec.MoveTo(nil, now)
		res.Completed = true
		return res
	}

	var in *string
	if exec.AwaitingInput {
		in = &inbound
	}
	limit := 2 * len(def.Steps)

	for {
		if res.Hops >= limit {
			slog.Error("Executor.RunTurn: hop limit reached, failing execution", "executionID", exec.ID,
				"workflowID", def.ID, "hops", res.Hops, "step", step.Key)
			exec.Finish(models.ExecutionFailed, now)
			res.Failed = true
			return res
		}
		res.Hops++

		r := e.Execute(ctx, def, step, working, in)
		in = nil
		if r.OutboundMessage != "" {
			res.Messages = append(res.Messages, r.OutboundMessage)
		}
		if len(r.VariablesToMerge) > 0 {
			working.Merge(r.VariablesToMerge)
			exec.Variables.Merge(r.VariablesToMerge)
			res.Merged.Merge(r.VariablesToMerge)
		}
		if r.State != "" {
			res.State = r.State
		}
		if r.Action != nil {
			res.Actions = append(res.Actions, *r.Action)
		}

		if r.AwaitingInput {
			exec.CurrentStepID = step.ID
			exec.CurrentStepKey = step.Key
			exec.AwaitingInput = true
			exec.UpdatedAt = now
			return res
		}

		exec.MoveTo(r.NextStep, now)
		if r.DeferToAI {
			res.DeferToAI = true
			res.DeferredStep = step
		}
		if r.NextStep == nil {
			slog.Info("Executor.RunTurn: workflow completed", "executionID", exec.ID, "workflowID", def.ID, "lastStep", step.Key)
			res.Completed = true
			return res
		}
		if r.DeferToAI {
			return res
		}
		step = r.NextStep
	}
}

// JumpToKey points exec at the step keyed key. It reports false, leaving exec
// untouched, when no such step exists.
func JumpToKey(def *models.WorkflowDefinition, exec *models.WorkflowExecution, key string, now time.Time) bool {
	step, ok := def.StepByKey(key)
	if !ok {
		return false
	}
	exec.MoveTo(step, now)
	return true
}
