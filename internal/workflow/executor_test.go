package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ConvoPipe/internal/actions"
	"github.com/BTreeMap/ConvoPipe/internal/models"
)

type recordingDispatcher struct {
	calls  []string
	params []map[string]any
	result actions.Result
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, key string, params map[string]any) actions.Result {
	d.calls = append(d.calls, key)
	d.params = append(d.params, params)
	res := d.result
	res.Key = key
	return res
}

func step(key string, typ models.StepType, pos int, cfg models.StepConfig) models.WorkflowStep {
	return models.WorkflowStep{ID: "stp_" + key, Key: key, Name: key, Type: typ, Position: pos, Config: cfg}
}

func newDef(steps ...models.WorkflowStep) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{ID: "wf_test", Name: "test", Active: true, Steps: steps}
}

func newExec() *models.WorkflowExecution {
	return &models.WorkflowExecution{ID: "exe_test", Status: models.ExecutionInProgress, Variables: models.Variables{}}
}

var turnTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRunTurn_MessageThenQuestionInOneTurn(t *testing.T) {
	def := newDef(
		step("welcome", models.StepTypeMessage, 1, models.StepConfig{"text": "Welcome {{customer_name}}!"}),
		step("ask_name", models.StepTypeQuestion, 2, models.StepConfig{"prompt": "What is your name?", "variable": "customer_name"}),
	)
	exec := newExec()
	e := NewExecutor(nil)

	res := e.RunTurn(context.Background(), def, exec, models.Variables{}, "hi", turnTime)
	assert.Equal(t, []string{"Welcome !", "What is your name?"}, res.Messages)
	assert.False(t, res.Completed)
	assert.Equal(t, "ask_name", exec.CurrentStepKey)
	assert.Equal(t, "stp_ask_name", exec.CurrentStepID)
	assert.True(t, exec.AwaitingInput)
	assert.Equal(t, 2, res.Hops)
}

func TestRunTurn_RequiredQuestionNeverAdvancesOnEmptyInput(t *testing.T) {
	def := newDef(
		step("ask", models.StepTypeQuestion, 1, models.StepConfig{
			"prompt":     "Your name?",
			"variable":   "customer_name",
			"validation": map[string]any{"required": true},
		}),
		step("after", models.StepTypeMessage, 2, models.StepConfig{"text": "thanks"}),
	)
	e := NewExecutor(nil)
	exec := newExec()
	e.RunTurn(context.Background(), def, exec, nil, "start", turnTime)
	require.Equal(t, "ask", exec.CurrentStepKey)

	for _, in := range []string{"", "   ", "\n\t"} {
		res := e.RunTurn(context.Background(), def, exec, nil, in, turnTime)
		assert.Equal(t, "ask", exec.CurrentStepKey, "input %q advanced the pointer", in)
		assert.True(t, exec.AwaitingInput)
		assert.Equal(t, []string{DefaultRetryPrompt + " Your name?"}, res.Messages)
		assert.Empty(t, res.Merged)
		assert.NotContains(t, exec.Variables, "customer_name")
	}
}

func TestRunTurn_EmailQuestionScenario(t *testing.T) {
	def := newDef(
		step("ask_email", models.StepTypeQuestion, 1, models.StepConfig{
			"prompt":       "What is your email?",
			"retry_prompt": "That does not look like an email. Please try again.",
			"variable":     models.VarCustomerEmail,
			"validation":   map[string]any{"required": true, "format": "email"},
			"next_step":    "ask_time",
		}),
		step("skipped", models.StepTypeMessage, 2, models.StepConfig{"text": "never sent"}),
		step("ask_time", models.StepTypeQuestion, 3, models.StepConfig{"prompt": "Which time suits you?", "variable": models.VarSelectedTimeSlot}),
	)
	e := NewExecutor(nil)
	exec := newExec()
	ctx := context.Background()

	res := e.RunTurn(ctx, def, exec, nil, "book please", turnTime)
	assert.Equal(t, []string{"What is your email?"}, res.Messages)

	res = e.RunTurn(ctx, def, exec, nil, "", turnTime)
	assert.Equal(t, []string{"That does not look like an email. Please try again."}, res.Messages)
	assert.Equal(t, "ask_email", exec.CurrentStepKey)

	writes := 0
	res = e.RunTurn(ctx, def, exec, nil, " a@b.com ", turnTime)
	if _, ok := res.Merged[models.VarCustomerEmail]; ok {
		writes++
	}
	assert.Equal(t, "a@b.com", exec.Variables[models.VarCustomerEmail])
	assert.Equal(t, "ask_time", exec.CurrentStepKey)
	assert.True(t, exec.AwaitingInput)
	assert.Equal(t, []string{"Which time suits you?"}, res.Messages)
	assert.Equal(t, 1, writes)
}

func TestRunTurn_RetryThenValidWritesOnce(t *testing.T) {
	def := newDef(step("ask", models.StepTypeQuestion, 1, models.StepConfig{
		"prompt":     "Age?",
		"variable":   "age",
		"validation": map[string]any{"required": true, "format": "number"},
	}))
	e := NewExecutor(nil)
	exec := newExec()
	ctx := context.Background()
	e.RunTurn(ctx, def, exec, nil, "", turnTime)

	writes := 0
	for _, in := range []string{"old", "42"} {
		res := e.RunTurn(ctx, def, exec, nil, in, turnTime)
		writes += len(res.Merged)
	}
	assert.Equal(t, 1, writes)
	assert.Equal(t, "42", exec.Variables["age"])
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
}

func conditionDef(operator string) *models.WorkflowDefinition {
	return newDef(
		step("check_contact", models.StepTypeCondition, 1, models.StepConfig{
			"field":      "contact_exists",
			"operator":   operator,
			"value":      true,
			"true_step":  "known",
			"false_step": "unknown",
		}),
		step("unknown", models.StepTypeMessage, 2, models.StepConfig{"text": "Nice to meet you", "next_step": "bye"}),
		step("known", models.StepTypeMessage, 3, models.StepConfig{"text": "Welcome back, {{customer_name}}!", "next_step": "bye"}),
		step("bye", models.StepTypeQuestion, 4, models.StepConfig{"prompt": "Anything else?"}),
	)
}

func TestRunTurn_ConditionScenario(t *testing.T) {
	def := conditionDef("equals")
	exec := newExec()
	exec.CurrentStepID, exec.CurrentStepKey = "stp_check_contact", "check_contact"
	vars := models.Variables{"contact_exists": true, "customer_name": "Ana"}

	res := NewExecutor(nil).RunTurn(context.Background(), def, exec, vars, "1", turnTime)
	require.NotEmpty(t, res.Messages)
	assert.Equal(t, "Welcome back, Ana!", res.Messages[0])
	assert.Empty(t, res.Merged)
	assert.Equal(t, "bye", exec.CurrentStepKey)
	assert.Equal(t, models.Variables{}, exec.Variables)
}

func TestRunTurn_UnknownOperatorTakesFalseBranch(t *testing.T) {
	def := conditionDef("is_truthy")
	exec := newExec()
	vars := models.Variables{"contact_exists": true}

	res := NewExecutor(nil).RunTurn(context.Background(), def, exec, vars, "1", turnTime)
	require.NotEmpty(t, res.Messages)
	assert.Equal(t, "Nice to meet you", res.Messages[0])
}

func TestExecute_ConditionOverridesWin(t *testing.T) {
	def := conditionDef("exists")
	def.Steps[0].OnSuccessStepID = "stp_unknown"
	def.Steps[0].OnFailureStepID = "stp_missing"
	e := NewExecutor(nil)

	res := e.Execute(context.Background(), def, &def.Steps[0], models.Variables{"contact_exists": "x"}, nil)
	require.NotNil(t, res.NextStep)
	assert.Equal(t, "unknown", res.NextStep.Key)

	res = e.Execute(context.Background(), def, &def.Steps[0], models.Variables{}, nil)
	assert.Nil(t, res.NextStep)
	assert.True(t, res.Completed)
}

func TestExecute_ConditionWithoutBranchCompletes(t *testing.T) {
	def := newDef(
		step("c", models.StepTypeCondition, 1, models.StepConfig{"field": "x", "operator": "exists"}),
		step("next", models.StepTypeMessage, 2, models.StepConfig{"text": "unreachable"}),
	)
	res := NewExecutor(nil).Execute(context.Background(), def, &def.Steps[0], models.Variables{"x": 1}, nil)
	assert.Nil(t, res.NextStep)
	assert.True(t, res.Completed)
}

func TestResolve_Order(t *testing.T) {
	def := newDef(
		step("a", models.StepTypeMessage, 1, models.StepConfig{"next_step": "c"}),
		step("b", models.StepTypeMessage, 2, nil),
		step("c", models.StepTypeMessage, 3, nil),
	)
	assert.Equal(t, "c", Resolve(def, &def.Steps[0]).Key, "config key beats position")

	def.Steps[0].NextStepID = "stp_b"
	assert.Equal(t, "b", Resolve(def, &def.Steps[0]).Key, "explicit id beats config key")

	def.Steps[0].NextStepID = "stp_gone"
	assert.Nil(t, Resolve(def, &def.Steps[0]))

	assert.Equal(t, "c", Resolve(def, &def.Steps[1]).Key)
	assert.Nil(t, Resolve(def, &def.Steps[2]))
}

func TestRunTurn_MissingStepKeyCompletes(t *testing.T) {
	def := newDef(
		step("a", models.StepTypeMessage, 1, models.StepConfig{"text": "hello", "next_step": "does_not_exist"}),
		step("b", models.StepTypeMessage, 2, models.StepConfig{"text": "not reached"}),
	)
	exec := newExec()
	res := NewExecutor(nil).RunTurn(context.Background(), def, exec, nil, "hi", turnTime)
	assert.Equal(t, []string{"hello"}, res.Messages)
	assert.True(t, res.Completed)
	assert.False(t, res.Failed)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
}

func TestRunTurn_StalePointerCompletes(t *testing.T) {
	def := newDef(step("a", models.StepTypeMessage, 1, models.StepConfig{"text": "hello"}))
	exec := newExec()
	exec.CurrentStepID, exec.CurrentStepKey = "stp_removed", "removed"
	res := NewExecutor(nil).RunTurn(context.Background(), def, exec, nil, "hi", turnTime)
	assert.True(t, res.Completed)
	assert.Empty(t, res.Messages)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
}

func TestRunTurn_ActionStep(t *testing.T) {
	d := &recordingDispatcher{result: actions.Result{OK: true, Output: map[string]any{"booking_id": "bkg_1"}}}
	def := newDef(
		step("book", models.StepTypeAction, 1, models.StepConfig{
			"action": "create_booking",
			"params": map[string]any{"note": "for {{customer_name}}", "priority": 2},
		}),
		step("done", models.StepTypeMessage, 2, models.StepConfig{"text": "Booked {{booking_id}}"}),
	)
	exec := newExec()
	res := NewExecutor(d).RunTurn(context.Background(), def, exec, models.Variables{"customer_name": "Ana"}, "ok", turnTime)

	require.Equal(t, []string{"create_booking"}, d.calls)
	assert.Equal(t, "Ana", d.params[0]["customer_name"])
	assert.Equal(t, "for Ana", d.params[0]["note"])
	assert.Equal(t, 2, d.params[0]["priority"])
	assert.Equal(t, []string{"Booked bkg_1"}, res.Messages)
	assert.Equal(t, "bkg_1", exec.Variables["booking_id"])
	assert.Equal(t, []string{"create_booking"}, res.ActionKeys())
	assert.True(t, res.Completed)
}

func TestRunTurn_FailedActionStillAdvances(t *testing.T) {
	d := &recordingDispatcher{result: actions.Result{Err: &actions.ActionError{Reason: "down"}}}
	def := newDef(
		step("pay", models.StepTypeAction, 1, models.StepConfig{"action": "send_payment"}),
		step("next", models.StepTypeQuestion, 2, models.StepConfig{"prompt": "Anything else?"}),
	)
	exec := newExec()
	res := NewExecutor(d).RunTurn(context.Background(), def, exec, nil, "ok", turnTime)
	assert.Equal(t, "next", exec.CurrentStepKey)
	assert.Equal(t, []string{"Anything else?"}, res.Messages)
	require.Len(t, res.Actions, 1)
	assert.NotNil(t, res.Actions[0].Err)
	assert.Empty(t, res.Merged)
}

func TestRunTurn_AIResponseDefersAndAdvances(t *testing.T) {
	def := newDef(
		step("intro", models.StepTypeMessage, 1, models.StepConfig{"text": "Hi!", "state": "greeting"}),
		step("chat", models.StepTypeAIResponse, 2, models.StepConfig{"state": "general_question"}),
		step("ask", models.StepTypeQuestion, 3, models.StepConfig{"prompt": "Shall we book?"}),
	)
	exec := newExec()
	res := NewExecutor(nil).RunTurn(context.Background(), def, exec, nil, "hello", turnTime)
	assert.True(t, res.DeferToAI)
	require.NotNil(t, res.DeferredStep)
	assert.Equal(t, "chat", res.DeferredStep.Key)
	assert.Equal(t, []string{"Hi!"}, res.Messages)
	assert.Equal(t, "general_question", res.State)
	assert.Equal(t, "ask", exec.CurrentStepKey)
	assert.False(t, exec.AwaitingInput)
	assert.False(t, res.Completed)

	// The next turn starts at the successor.
	res = NewExecutor(nil).RunTurn(context.Background(), def, exec, nil, "tell me more", turnTime)
	assert.Equal(t, []string{"Shall we book?"}, res.Messages)
	assert.True(t, exec.AwaitingInput)
}

func TestRunTurn_AIResponseAsLastStepCompletes(t *testing.T) {
	def := newDef(step("chat", models.StepTypeAIResponse, 1, nil))
	exec := newExec()
	res := NewExecutor(nil).RunTurn(context.Background(), def, exec, nil, "hello", turnTime)
	assert.True(t, res.DeferToAI)
	assert.True(t, res.Completed)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
}

func TestRunTurn_HopLimitFailsExecution(t *testing.T) {
	def := newDef(
		step("a", models.StepTypeMessage, 1, models.StepConfig{"text": "ping", "next_step": "b"}),
		step("b", models.StepTypeMessage, 2, models.StepConfig{"text": "pong", "next_step": "a"}),
	)
	exec := newExec()
	res := NewExecutor(nil).RunTurn(context.Background(), def, exec, nil, "go", turnTime)
	assert.True(t, res.Failed)
	assert.Equal(t, 4, res.Hops)
	assert.Len(t, res.Messages, 4)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
}

func TestJumpToKey(t *testing.T) {
	def := conditionDef("equals")
	exec := newExec()
	assert.True(t, JumpToKey(def, exec, "bye", turnTime))
	assert.Equal(t, "stp_bye", exec.CurrentStepID)
	assert.False(t, JumpToKey(def, exec, "nowhere", turnTime))
	assert.Equal(t, "bye", exec.CurrentStepKey)
}
