package models

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// StepType identifies how a workflow step behaves.
type StepType string

const (
	StepTypeMessage    StepType = "message"
	StepTypeQuestion   StepType = "question"
	StepTypeCondition  StepType = "condition"
	StepTypeAction     StepType = "action"
	StepTypeAIResponse StepType = "ai_response"
)

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(t StepType) bool {
	switch t {
	case StepTypeMessage, StepTypeQuestion, StepTypeCondition, StepTypeAction, StepTypeAIResponse:
		return true
	default:
		return false
	}
}

// StepConfig is the type-dependent configuration bag of a step.
type StepConfig map[string]any

// String returns the string value for key, or "".
func (c StepConfig) String(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the integer value for key. JSON numbers decode as float64 and
// are accepted, as are numeric strings.
func (c StepConfig) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns the boolean value for key.
func (c StepConfig) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Map returns a nested config bag for key, or nil.
func (c StepConfig) Map(key string) StepConfig {
	switch v := c[key].(type) {
	case map[string]any:
		return StepConfig(v)
	case StepConfig:
		return v
	default:
		return nil
	}
}

// WorkflowStep is one node of a workflow.
type WorkflowStep struct {
	ID              string     `json:"id"`
	Key             string     `json:"key"`
	Name            string     `json:"name"`
	Type            StepType   `json:"type"`
	Position        int        `json:"position"`
	Config          StepConfig `json:"config,omitempty"`
	NextStepID      string     `json:"next_step_id,omitempty"`
	OnSuccessStepID string     `json:"on_success_step_id,omitempty"`
	OnFailureStepID string     `json:"on_failure_step_id,omitempty"`
}

// WorkflowDefinition is an ordered, named set of steps.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Active      bool           `json:"active"`
	Steps       []WorkflowStep `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks structural invariants of the definition.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return ErrEmptyWorkflowName
	}
	if len(d.Steps) == 0 {
		return ErrNoWorkflowSteps
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step.Key == "" {
			return ErrEmptyStepKey
		}
		if _, dup := seen[step.Key]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateStepKey, step.Key)
		}
		seen[step.Key] = struct{}{}
		if !IsValidStepType(step.Type) {
			return fmt.Errorf("%w: %q on step %q", ErrInvalidStepType, step.Type, step.Key)
		}
	}
	return nil
}

// SortSteps orders the steps by position, keeping authoring order for ties.
func (d *WorkflowDefinition) SortSteps() {
	sort.SliceStable(d.Steps, func(i, j int) bool {
		return d.Steps[i].Position < d.Steps[j].Position
	})
}

// FirstStep returns the step with the lowest position.
func (d *WorkflowDefinition) FirstStep() (*WorkflowStep, bool) {
	if len(d.Steps) == 0 {
		return nil, false
	}
	first := 0
	for i := range d.Steps {
		if d.Steps[i].Position < d.Steps[first].Position {
			first = i
		}
	}
	return &d.Steps[first], true
}

// StepByKey looks a step up by its key.
func (d *WorkflowDefinition) StepByKey(key string) (*WorkflowStep, bool) {
	if key == "" {
		return nil, false
	}
	for i := range d.Steps {
		if d.Steps[i].Key == key {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepByID looks a step up by its id.
func (d *WorkflowDefinition) StepByID(id string) (*WorkflowStep, bool) {
	if id == "" {
		return nil, false
	}
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// NextByPosition returns the step that follows step in position order.
func (d *WorkflowDefinition) NextByPosition(step *WorkflowStep) (*WorkflowStep, bool) {
	var next *WorkflowStep
	passed := false
	for i := range d.Steps {
		cand := &d.Steps[i]
		if cand.Key == step.Key {
			passed = true
			continue
		}
		// Equal positions fall back to authoring order.
		after := cand.Position > step.Position || (cand.Position == step.Position && passed)
		if !after {
			continue
		}
		if next == nil || cand.Position < next.Position {
			next = cand
		}
	}
	return next, next != nil
}

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionAbandoned  ExecutionStatus = "abandoned"
)

// WorkflowExecution is the runtime cursor of one session through a workflow.
type WorkflowExecution struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	WorkflowID     string          `json:"workflow_id"`
	CurrentStepID  string          `json:"current_step_id,omitempty"`
	CurrentStepKey string          `json:"current_step_key,omitempty"`
	Variables      Variables       `json:"variables"`
	Status         ExecutionStatus `json:"status"`
	AwaitingInput  bool            `json:"awaiting_input"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InProgress reports whether the execution is still running.
func (e *WorkflowExecution) InProgress() bool {
	return e != nil && e.Status == ExecutionInProgress
}

// MoveTo points the execution at step, or finishes it when step is nil.
func (e *WorkflowExecution) MoveTo(step *WorkflowStep, now time.Time) {
	e.AwaitingInput = false
	e.UpdatedAt = now
	if step == nil {
		e.Finish(ExecutionCompleted, now)
		return
	}
	e.CurrentStepID = step.ID
	e.CurrentStepKey = step.Key
}

// Finish sets a terminal status.
func (e *WorkflowExecution) Finish(status ExecutionStatus, now time.Time) {
	e.Status = status
	e.AwaitingInput = false
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// Clone returns a copy that shares no mutable state with e.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Variables = e.Variables.Clone()
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
