package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ConvoPipe/internal/actions"
	"github.com/BTreeMap/ConvoPipe/internal/decision"
	"github.com/BTreeMap/ConvoPipe/internal/genai"
	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

type deciderFunc func(ctx context.Context, text string, sc decision.SessionContext) models.AIDecision

func (f deciderFunc) Decide(ctx context.Context, text string, sc decision.SessionContext) models.AIDecision {
	return f(ctx, text, sc)
}

func echoDecider(state string) deciderFunc {
	return func(ctx context.Context, text string, sc decision.SessionContext) models.AIDecision {
		return models.AIDecision{State: state, Language: "en", Message: "AI: " + text}
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []models.OutboundMessage
	err  error
}

func (s *fakeSender) Deliver(ctx context.Context, msg models.OutboundMessage) (models.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.SendResult{}, s.err
	}
	s.sent = append(s.sent, msg)
	return models.SendResult{Success: true, ProviderMessageID: fmt.Sprintf("prov_%d", len(s.sent))}, nil
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Text
	}
	return out
}

type recordingActions struct {
	mu     sync.Mutex
	keys   []string
	params []map[string]any
	output map[string]any
}

func (r *recordingActions) Dispatch(ctx context.Context, key string, params map[string]any) actions.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.params = append(r.params, params)
	return actions.Result{Key: key, OK: true, Output: r.output}
}

type conflictStore struct {
	*store.InMemoryStore
}

func (c conflictStore) SaveTurn(ctx context.Context, sess *models.Session, exec *models.WorkflowExecution) error {
	return store.ErrVersionConflict
}

const addr = "+15550001111"

func inbound(id, text string) models.InboundMessage {
	return models.InboundMessage{ID: id, Channel: "whatsapp", From: addr, Text: text}
}

func step(key string, typ models.StepType, pos int, cfg models.StepConfig) models.WorkflowStep {
	return models.WorkflowStep{Key: key, Name: key, Type: typ, Position: pos, Config: cfg}
}

func saveWorkflow(t *testing.T, st *store.InMemoryStore, steps ...models.WorkflowStep) *models.WorkflowDefinition {
	t.Helper()
	def := &models.WorkflowDefinition{Name: "test", Active: true, Steps: steps}
	require.NoError(t, st.SaveWorkflow(context.Background(), def))
	return def
}

func activeSession(t *testing.T, st *store.InMemoryStore) *models.Session {
	t.Helper()
	sess, err := st.GetActiveSession(context.Background(), addr)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess
}

func TestHandleInbound_AIPath(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &fakeSender{}
	decider := deciderFunc(func(ctx context.Context, text string, sc decision.SessionContext) models.AIDecision {
		return models.AIDecision{State: "show_offerings", Language: "es", Message: "Hola Ana", CustomerName: "Ana"}
	})
	o := NewOrchestrator(st, decider, WithSender(sender))
	defer o.Close()

	reply := o.HandleInbound(context.Background(), inbound("m1", "hola, soy Ana"))

	assert.Equal(t, "Hola Ana", reply.Text)
	assert.Equal(t, "show_offerings", reply.State)
	assert.False(t, reply.Fallback)
	assert.True(t, reply.Delivered)
	assert.Equal(t, "prov_1", reply.ProviderMessageID)
	assert.Equal(t, []string{"Hola Ana"}, sender.texts())

	sess := activeSession(t, st)
	assert.Equal(t, reply.SessionID, sess.ID)
	assert.Equal(t, "es", sess.Language)
	assert.Equal(t, "Ana", sess.Variables[models.VarCustomerName])
	require.Len(t, sess.History, 2)
	assert.Equal(t, models.RoleUser, sess.History[0].Role)
	assert.Equal(t, "hola, soy Ana", sess.History[0].Text)
	assert.Equal(t, "Hola Ana", sess.History[1].Text)
	assert.Equal(t, int64(1), sess.Version)
}

func TestHandleInbound_ConditionScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	saveWorkflow(t, st,
		step("check_contact", models.StepTypeCondition, 1, models.StepConfig{
			"field": "contact_exists", "operator": "equals", "value": true,
			"true_step": "welcome_back", "false_step": "new_contact",
		}),
		step("new_contact", models.StepTypeMessage, 2, models.StepConfig{"text": "Nice to meet you!", "next_step": "missing"}),
		step("welcome_back", models.StepTypeMessage, 3, models.StepConfig{"text": "Welcome back, {{customer_name}}!"}),
	)
	sess, _, err := st.LoadOrCreateActiveSession(ctx, addr, "whatsapp", time.Now(), time.Hour)
	require.NoError(t, err)
	sess.Variables = models.Variables{"contact_exists": true, "customer_name": "Ana"}
	require.NoError(t, st.SaveTurn(ctx, sess, nil))

	o := NewOrchestrator(st, echoDecider("greeting"))
	defer o.Close()
	reply := o.HandleInbound(ctx, inbound("m1", "1"))

	assert.Equal(t, "Welcome back, Ana!", reply.Text)
	assert.False(t, reply.Fallback)

	after := activeSession(t, st)
	assert.Equal(t, models.Variables{"contact_exists": true, "customer_name": "Ana"}, after.Variables)
	exec, err := st.GetLatestExecution(ctx, after.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, "welcome_back", exec.CurrentStepKey)
}

func TestHandleInbound_EmailQuestionScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	saveWorkflow(t, st,
		step("ask_email", models.StepTypeQuestion, 1, models.StepConfig{
			"prompt": "What is your email?", "retry_prompt": "That does not look like an email. What is your email?",
			"variable": "customer_email", "validation": map[string]any{"required": true, "format": "email"},
			"next_step": "thanks",
		}),
		step("skipped", models.StepTypeMessage, 2, models.StepConfig{"text": "never shown"}),
		step("thanks", models.StepTypeMessage, 3, models.StepConfig{"text": "Thanks, we will write to {{customer_email}}."}),
	)
	o := NewOrchestrator(st, echoDecider("greeting"))
	defer o.Close()

	first := o.HandleInbound(ctx, inbound("m1", "hi"))
	assert.Equal(t, "What is your email?", first.Text)

	retry := o.HandleInbound(ctx, inbound("m2", ""))
	assert.Equal(t, "That does not look like an email. What is your email?", retry.Text)
	sess := activeSession(t, st)
	assert.NotContains(t, sess.Variables, "customer_email")
	exec, _ := st.GetLatestExecution(ctx, sess.ID)
	assert.Equal(t, "ask_email", exec.CurrentStepKey)
	assert.True(t, exec.AwaitingInput)

	done := o.HandleInbound(ctx, inbound("m3", "a@b.com"))
	assert.Equal(t, "Thanks, we will write to a@b.com.", done.Text)
	sess = activeSession(t, st)
	assert.Equal(t, "a@b.com", sess.Variables["customer_email"])
	exec, _ = st.GetLatestExecution(ctx, sess.ID)
	assert.Equal(t, "a@b.com", exec.Variables["customer_email"])
	assert.Equal(t, "thanks", exec.CurrentStepKey)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)

	// Completed workflows hand the session to the AI engine.
	next := o.HandleInbound(ctx, inbound("m4", "anything else?"))
	assert.Equal(t, "AI: anything else?", next.Text)
}

func TestHandleInbound_AIResponseStep(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	saveWorkflow(t, st,
		step("hello", models.StepTypeMessage, 1, models.StepConfig{"text": "Hi!"}),
		step("chat", models.StepTypeAIResponse, 2, nil),
		step("offer", models.StepTypeMessage, 3, models.StepConfig{"text": "Here are our services."}),
		step("bye", models.StepTypeMessage, 4, models.StepConfig{"text": "Bye."}),
	)

	t.Run("workflow policy keeps successor", func(t *testing.T) {
		o := NewOrchestrator(st, echoDecider("bye"))
		defer o.Close()
		reply := o.HandleInbound(ctx, models.InboundMessage{Channel: "web", From: "web:1", Text: "hey"})
		assert.Equal(t, "Hi!\n\nAI: hey", reply.Text)
		assert.Equal(t, "bye", reply.State)

		sess, _ := st.GetActiveSession(ctx, "web:1")
		exec, _ := st.GetLatestExecution(ctx, sess.ID)
		assert.Equal(t, "offer", exec.CurrentStepKey)
		assert.True(t, exec.InProgress())
	})

	t.Run("ai policy jumps to state key", func(t *testing.T) {
		o := NewOrchestrator(st, echoDecider("bye"), WithDeferPolicy(DeferPolicyAI))
		defer o.Close()
		o.HandleInbound(ctx, models.InboundMessage{Channel: "web", From: "web:2", Text: "hey"})
		sess, _ := st.GetActiveSession(ctx, "web:2")
		exec, _ := st.GetLatestExecution(ctx, sess.ID)
		assert.Equal(t, "bye", exec.CurrentStepKey)

		reply := o.HandleInbound(ctx, models.InboundMessage{Channel: "web", From: "web:2", Text: "ok"})
		assert.Equal(t, "Bye.", reply.Text)
	})
}

func TestHandleInbound_CloseSessionOnComplete(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	saveWorkflow(t, st, step("only", models.StepTypeMessage, 1, models.StepConfig{"text": "Done."}))
	o := NewOrchestrator(st, echoDecider("greeting"), WithCloseSessionOnComplete(true))
	defer o.Close()

	reply := o.HandleInbound(ctx, inbound("m1", "hi"))
	assert.Equal(t, "Done.", reply.Text)
	sess, err := st.GetActiveSession(ctx, addr)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestHandleInbound_DecisionFallbackEscalates(t *testing.T) {
	st := store.NewInMemoryStore()
	notifications := &recordingActions{}
	engine := decision.NewEngine(nil, nil)
	o := NewOrchestrator(st, engine, WithActions(notifications))
	defer o.Close()

	reply := o.HandleInbound(context.Background(), inbound("m1", "hello"))
	assert.True(t, reply.Fallback)
	assert.Equal(t, decision.FallbackMessage("en"), reply.Text)
	assert.Equal(t, "support_escalation", reply.State)
	assert.Equal(t, []string{actions.KeyNotifyStaff}, notifications.keys)
}

func TestHandleInbound_PersistenceErrorSendsApology(t *testing.T) {
	sender := &fakeSender{}
	o := NewOrchestrator(conflictStore{store.NewInMemoryStore()}, echoDecider("greeting"), WithSender(sender))
	defer o.Close()

	reply := o.HandleInbound(context.Background(), inbound("m1", "hi"))
	assert.True(t, reply.Fallback)
	assert.Equal(t, decision.FallbackMessage(""), reply.Text)
	assert.True(t, reply.Delivered, "the apology is still delivered")
	assert.Equal(t, []string{decision.FallbackMessage("")}, sender.texts())
}

func TestHandleInbound_PanicSendsApology(t *testing.T) {
	sender := &fakeSender{}
	decider := deciderFunc(func(context.Context, string, decision.SessionContext) models.AIDecision {
		panic("boom")
	})
	o := NewOrchestrator(store.NewInMemoryStore(), decider, WithSender(sender))
	defer o.Close()

	reply := o.HandleInbound(context.Background(), inbound("m1", "hi"))
	assert.True(t, reply.Fallback)
	assert.Len(t, sender.texts(), 1)

	// The lane survives the panic.
	again := o.HandleInbound(context.Background(), inbound("m2", "hi"))
	assert.True(t, again.Fallback)
}

func TestHandleInbound_InvalidMessage(t *testing.T) {
	o := NewOrchestrator(store.NewInMemoryStore(), echoDecider("greeting"))
	defer o.Close()
	reply := o.HandleInbound(context.Background(), models.InboundMessage{Text: "hi"})
	assert.True(t, reply.Fallback)
	assert.False(t, reply.Delivered)
}

func TestHandleInbound_Dedup(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &fakeSender{}
	o := NewOrchestrator(st, echoDecider("greeting"), WithSender(sender), WithDedup(st))
	defer o.Close()

	first := o.HandleInbound(context.Background(), inbound("SM1", "hi"))
	second := o.HandleInbound(context.Background(), inbound("SM1", "hi"))
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Len(t, sender.texts(), 1)
	assert.Len(t, activeSession(t, st).History, 2)
}

func TestHandleInbound_StateTriggers(t *testing.T) {
	st := store.NewInMemoryStore()
	rec := &recordingActions{output: map[string]any{actions.VarPaymentLink: "https://pay.test/1", actions.VarBookingID: "bkg_1"}}
	o := NewOrchestrator(st, echoDecider("payment"), WithActions(rec))
	defer o.Close()

	reply := o.HandleInbound(context.Background(), inbound("m1", "I want to pay"))
	assert.Equal(t, "AI: I want to pay\n\nhttps://pay.test/1", reply.Text)
	require.Equal(t, []string{actions.KeySendPayment}, rec.keys)
	assert.Equal(t, "payment", rec.params[0][actions.ParamState])
	sess := activeSession(t, st)
	assert.Equal(t, "bkg_1", sess.Variables[actions.VarBookingID])
	require.NotEmpty(t, sess.History)
	last := sess.History[len(sess.History)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, reply.Text, last.Text, "the payment link is part of the recorded reply")

	// Staying in the same state does not trigger again.
	o.HandleInbound(context.Background(), inbound("m2", "still paying"))
	assert.Len(t, rec.keys, 1)
}

func TestHandleInbound_TriggerSkippedWhenActionStepRan(t *testing.T) {
	st := store.NewInMemoryStore()
	saveWorkflow(t, st,
		step("pay", models.StepTypeAction, 1, models.StepConfig{"action": actions.KeySendPayment, "state": "payment"}),
		step("done", models.StepTypeMessage, 2, models.StepConfig{"text": "Check your link."}),
	)
	rec := &recordingActions{}
	o := NewOrchestrator(st, echoDecider("greeting"), WithActions(rec))
	defer o.Close()

	reply := o.HandleInbound(context.Background(), inbound("m1", "pay"))
	assert.Equal(t, "Check your link.", reply.Text)
	assert.Equal(t, "payment", reply.State)
	assert.Equal(t, []string{actions.KeySendPayment}, rec.keys)
}

func TestHandleInbound_DeliveryFailureQueuesOutbox(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	sender := &fakeSender{err: errors.New("provider down")}
	o := NewOrchestrator(st, echoDecider("greeting"), WithSender(sender), WithOutbox(st))
	defer o.Close()

	reply := o.HandleInbound(ctx, inbound("m1", "hi"))
	assert.False(t, reply.Delivered)

	queued, err := st.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, addr, queued[0].Address)
	assert.Equal(t, "AI: hi", queued[0].Body)
	assert.Equal(t, "reply:m1", queued[0].DedupeKey)
}

func TestSubmit_SameAddressKeepsReceiptOrder(t *testing.T) {
	st := store.NewInMemoryStore()
	decider := deciderFunc(func(ctx context.Context, text string, sc decision.SessionContext) models.AIDecision {
		time.Sleep(time.Millisecond)
		return models.AIDecision{State: "general_question", Language: "en", Message: "re " + text,
			Metadata: map[string]any{text: true}}
	})
	o := NewOrchestrator(st, decider)

	const n = 8
	for i := 0; i < n; i++ {
		require.NoError(t, o.Submit(inbound(fmt.Sprintf("m%d", i), fmt.Sprintf("msg%d", i))))
	}
	o.Close()

	sess := activeSession(t, st)
	require.Len(t, sess.History, 2*n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("msg%d", i), sess.History[2*i].Text)
		assert.Equal(t, fmt.Sprintf("re msg%d", i), sess.History[2*i+1].Text)
		assert.Equal(t, true, sess.Variables[fmt.Sprintf("meta_msg%d", i)], "merge of turn %d lost", i)
	}
	assert.Equal(t, int64(n), sess.Version)
}

func TestHandleInbound_ConcurrentCallersNoLostMerge(t *testing.T) {
	st := store.NewInMemoryStore()
	decider := deciderFunc(func(ctx context.Context, text string, sc decision.SessionContext) models.AIDecision {
		return models.AIDecision{State: "general_question", Language: "en", Message: "ok", Metadata: map[string]any{text: text}}
	})
	o := NewOrchestrator(st, decider)
	defer o.Close()

	var wg sync.WaitGroup
	for _, text := range []string{"a", "b"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			reply := o.HandleInbound(context.Background(), inbound("", text))
			assert.False(t, reply.Fallback)
		}(text)
	}
	wg.Wait()

	sess := activeSession(t, st)
	assert.Len(t, sess.History, 4)
	assert.Equal(t, "a", sess.Variables["meta_a"])
	assert.Equal(t, "b", sess.Variables["meta_b"])
}

func TestJanitor_Sweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	_, _, err := st.LoadOrCreateActiveSession(ctx, addr, "whatsapp", start, 10*time.Minute)
	require.NoError(t, err)

	j := NewJanitor(st, time.Minute)
	j.now = func() time.Time { return start.Add(5 * time.Minute) }
	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	j.now = func() time.Time { return start.Add(11 * time.Minute) }
	n, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sess, _ := st.GetActiveSession(ctx, addr)
	assert.Nil(t, sess)
}

type completerFunc func(ctx context.Context, req genai.Request) (string, error)

func (f completerFunc) Complete(ctx context.Context, req genai.Request) (string, error) {
	return f(ctx, req)
}

func TestHandleInbound_TurnTimeoutSendsFallback(t *testing.T) {
	blocking := completerFunc(func(ctx context.Context, req genai.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	sender := &fakeSender{}
	o := NewOrchestrator(store.NewInMemoryStore(), decision.NewEngine(blocking, nil),
		WithSender(sender), WithTurnTimeout(100*time.Millisecond))
	defer o.Close()

	start := time.Now()
	reply := o.HandleInbound(context.Background(), inbound("m1", "hello"))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, reply.Fallback)
	assert.NotEmpty(t, reply.Text)
	assert.Equal(t, []string{reply.Text}, sender.texts())
}

func TestHandleInbound_VersionConflictIsNotRetried(t *testing.T) {
	calls := 0
	decider := deciderFunc(func(ctx context.Context, text string, sc decision.SessionContext) models.AIDecision {
		calls++
		return models.AIDecision{State: "greeting", Language: "en", Message: "hi"}
	})
	o := NewOrchestrator(conflictStore{store.NewInMemoryStore()}, decider)
	defer o.Close()

	reply := o.HandleInbound(context.Background(), inbound("m1", "hi"))
	assert.True(t, reply.Fallback)
	assert.Equal(t, 1, calls, "a conflicting turn is answered with the apology, not decided twice")
}

func TestLaneFullSendsFallback(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &fakeSender{}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	decider := deciderFunc(func(ctx context.Context, text string, sc decision.SessionContext) models.AIDecision {
		once.Do(func() {
			close(started)
			<-release
		})
		return models.AIDecision{State: "greeting", Language: "en", Message: "re " + text}
	})
	o := NewOrchestrator(st, decider, WithSender(sender), WithLaneCapacity(1))

	require.NoError(t, o.Submit(inbound("m1", "first")))
	<-started
	require.NoError(t, o.Submit(inbound("m2", "second")))

	assert.ErrorIs(t, o.Submit(inbound("m3", "third")), ErrLaneFull)
	busy := o.HandleInbound(context.Background(), inbound("m4", "fourth"))
	assert.True(t, busy.Fallback)
	assert.True(t, busy.Delivered)
	assert.Equal(t, decision.FallbackMessage(""), busy.Text)

	close(release)
	o.Close()

	texts := sender.texts()
	require.Len(t, texts, 4)
	assert.Equal(t, []string{decision.FallbackMessage(""), decision.FallbackMessage("")}, texts[:2])
	assert.Equal(t, []string{"re first", "re second"}, texts[2:])
}
