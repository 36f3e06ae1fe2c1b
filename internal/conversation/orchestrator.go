// Package conversation runs conversation turns: it loads the session, lets the
// active workflow or the AI decision engine produce the reply, persists the
// outcome and hands the reply to a transport.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/actions"
	"github.com/BTreeMap/ConvoPipe/internal/decision"
	"github.com/BTreeMap/ConvoPipe/internal/lock"
	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
	"github.com/BTreeMap/ConvoPipe/internal/util"
	"github.com/BTreeMap/ConvoPipe/internal/workflow"
)

// Defaults for Orchestrator.
const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultTurnTimeout     = 45 * time.Second
	DefaultDeliveryTimeout = 10 * time.Second
)

// DeferPolicy decides where an execution goes after an ai_response step.
type DeferPolicy string

const (
	// DeferPolicyWorkflow keeps the workflow's own successor. The AI state
	// only updates the session state.
	DeferPolicyWorkflow DeferPolicy = "workflow"
	// DeferPolicyAI jumps to the step whose key equals the AI state, when
	// there is one.
	DeferPolicyAI DeferPolicy = "ai"
)

// DefaultStateTriggers maps session states to the action dispatched when a
// turn enters them.
func DefaultStateTriggers() map[string]string {
	return map[string]string{
		models.NewState(models.PhasePayment).String():           actions.KeySendPayment,
		models.NewState(models.PhaseCompleted).String():         actions.KeyCreateBooking,
		models.NewState(models.PhaseSupportEscalation).String(): actions.KeyNotifyStaff,
	}
}

// Store is the persistence the orchestrator needs.
type Store interface {
	store.SessionStore
	store.ExecutionStore
	store.TurnStore
	store.WorkflowStore
}

// Decider produces AI decisions. *decision.Engine satisfies it.
type Decider interface {
	Decide(ctx context.Context, inboundText string, sc decision.SessionContext) models.AIDecision
}

// Orchestrator coordinates conversation turns.
type Orchestrator struct {
	store    Store
	decider  Decider
	executor *workflow.Executor
	actions  workflow.Dispatcher
	sender   actions.MessageSender
	outbox   store.OutboxRepo
	dedup    store.DedupRepo
	locker   lock.Locker

	serializer      *Serializer
	laneCapacity    int
	sessionTTL      time.Duration
	turnTimeout     time.Duration
	deliveryTimeout time.Duration
	historyLimit    int
	deferPolicy     DeferPolicy
	closeOnComplete bool
	triggers        map[string]string
	now             func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithActions sets the dispatcher used for action steps and state triggers.
// *actions.Dispatcher and *actions.Queue both qualify.
func WithActions(d workflow.Dispatcher) Option {
	return func(o *Orchestrator) { o.actions = d }
}

// WithExecutor replaces the workflow executor. By default one is built on the
// WithActions dispatcher.
func WithExecutor(e *workflow.Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithSender sets the transport replies are delivered through.
func WithSender(s actions.MessageSender) Option {
	return func(o *Orchestrator) { o.sender = s }
}

// WithOutbox queues replies whose delivery failed for retry.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Orchestrator) { o.outbox = repo }
}

// WithDedup drops inbound messages whose provider id was already seen.
func WithDedup(repo store.DedupRepo) Option {
	return func(o *Orchestrator) { o.dedup = repo }
}

// WithLocker takes a per-address lock around each turn.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithSessionTTL sets the inactivity timeout of sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.sessionTTL = ttl
		}
	}
}

// WithTurnTimeout bounds a whole turn.
func WithTurnTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.turnTimeout = timeout
		}
	}
}

// WithHistoryLimit sets how many history entries a session keeps.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) { o.historyLimit = n }
}

// WithDeferPolicy sets the DeferPolicy.
func WithDeferPolicy(p DeferPolicy) Option {
	return func(o *Orchestrator) {
		if p != "" {
			o.deferPolicy = p
		}
	}
}

// WithCloseSessionOnComplete deactivates the session when its workflow ends.
func WithCloseSessionOnComplete(enabled bool) Option {
	return func(o *Orchestrator) { o.closeOnComplete = enabled }
}

// WithStateTriggers replaces the state-to-action map. A nil map disables
// triggers.
func WithStateTriggers(triggers map[string]string) Option {
	return func(o *Orchestrator) { o.triggers = triggers }
}

// WithLaneCapacity bounds the messages waiting per address.
func WithLaneCapacity(n int) Option {
	return func(o *Orchestrator) { o.laneCapacity = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st Store, decider Decider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           st,
		decider:         decider,
		sessionTTL:      DefaultSessionTTL,
		turnTimeout:     DefaultTurnTimeout,
		deliveryTimeout: DefaultDeliveryTimeout,
		historyLimit:    models.DefaultHistoryLimit,
		deferPolicy:     DeferPolicyWorkflow,
		triggers:        DefaultStateTriggers(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.executor == nil {
		o.executor = workflow.NewExecutor(o.actions)
	}
	if o.locker == nil {
		o.locker = lock.NewLocalLocker()
	}
	o.serializer = NewSerializer(o.laneCapacity)
	return o
}

// HandleInbound runs one turn for msg and returns its reply. Turns for the
// same address run one at a time in arrival order. If ctx ends while the turn
// is still queued, the turn runs later and the returned reply is empty.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg models.InboundMessage) models.Reply {
	if reply, ok := o.admit(ctx, &msg); !ok {
		return reply
	}
	var reply models.Reply
	err := o.serializer.Do(ctx, msg.From, func() {
		reply = o.turn(ctx, msg)
	})
	if errors.Is(err, ErrLaneFull) {
		return o.rejectBusy(ctx, msg)
	}
	if err != nil {
		slog.Warn("Orchestrator.HandleInbound: turn not completed in time", "address", msg.From, "error", err)
		return models.Reply{Address: msg.From, Channel: msg.Channel}
	}
	return reply
}

// Submit queues a turn for msg without waiting for it. The reply is only
// delivered through the sender.
func (o *Orchestrator) Submit(msg models.InboundMessage) error {
	if _, ok := o.admit(context.Background(), &msg); !ok {
		return nil
	}
	err := o.serializer.Submit(msg.From, func() {
		o.turn(context.Background(), msg)
	})
	if errors.Is(err, ErrLaneFull) {
		o.rejectBusy(context.Background(), msg)
	}
	return err
}

// rejectBusy answers a message that found its address lane full with the
// apology reply so the customer is never left without an answer.
func (o *Orchestrator) rejectBusy(ctx context.Context, msg models.InboundMessage) models.Reply {
	slog.Warn("Orchestrator.rejectBusy: lane full, sending fallback", "address", msg.From, "message_id", msg.ID)
	reply := models.Reply{
		Address:  msg.From,
		Channel:  msg.Channel,
		Fallback: true,
		Text:     decision.FallbackMessage(o.languageHint(msg.From)),
	}
	o.deliver(ctx, &reply, msg.ID)
	return reply
}

// Close waits for queued turns to finish.
func (o *Orchestrator) Close() {
	o.serializer.Close()
}

// admit validates msg and filters duplicates.
func (o *Orchestrator) admit(ctx context.Context, msg *models.InboundMessage) (models.Reply, bool) {
	msg.From = strings.TrimSpace(msg.From)
	reply := models.Reply{Address: msg.From, Channel: msg.Channel}
	if err := msg.Validate(); err != nil {
		slog.Warn("Orchestrator.admit: rejecting inbound message", "error", err)
		reply.Fallback = true
		reply.Text = decision.FallbackMessage("")
		return reply, false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = o.now()
	}
	if o.dedup == nil || msg.ID == "" {
		return reply, true
	}
	fresh, err := o.dedup.RecordInbound(ctx, msg.ID, msg.From)
	if err != nil {
		slog.Error("Orchestrator.admit: dedup check failed, processing anyway", "message_id", msg.ID, "error", err)
		return reply, true
	}
	if !fresh {
		slog.Info("Orchestrator.admit: duplicate inbound message ignored", "message_id", msg.ID, "address", msg.From)
		reply.Duplicate = true
		return reply, false
	}
	return reply, true
}

// turnOutcome is what a successful turn produced.
type turnOutcome struct {
	session *models.Session
	text    string
	state   string
	aiUsed  bool
	// fallback is set when the AI decision was the fixed fallback.
	fallback bool
}

// turn runs one turn under the address lock and delivers its reply. It never
// fails: any error becomes the apology reply.
func (o *Orchestrator) turn(parent context.Context, msg models.InboundMessage) models.Reply {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.turnTimeout)
	defer cancel()

	reply := models.Reply{Address: msg.From, Channel: msg.Channel}
	out, err := o.lockedTurn(ctx, msg)
	if err != nil {
		slog.Error("Orchestrator.turn: turn failed, sending fallback", "address", msg.From, "error", err)
		reply.Fallback = true
		reply.Text = decision.FallbackMessage(o.languageHint(msg.From))
	} else {
		reply.SessionID = out.session.ID
		reply.Text = out.text
		reply.State = out.state
		reply.Fallback = out.fallback
	}

	o.deliver(parent, &reply, msg.ID)
	if o.dedup != nil && msg.ID != "" {
		if err := o.dedup.MarkProcessed(context.WithoutCancel(parent), msg.ID); err != nil {
			slog.Warn("Orchestrator.turn: failed to mark message processed", "message_id", msg.ID, "error", err)
		}
	}
	slog.Info("Orchestrator.turn: turn finished", "address", msg.From, "session_id", reply.SessionID,
		"state", reply.State, "fallback", reply.Fallback, "delivered", reply.Delivered, "elapsed", time.Since(start))
	return reply
}

func (o *Orchestrator) lockedTurn(ctx context.Context, msg models.InboundMessage) (out *turnOutcome, err error) {
	release, err := o.locker.Acquire(ctx, msg.From)
	if err != nil {
		return nil, fmt.Errorf("failed to lock address: %w", err)
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.lockedTurn: panic during turn", "address", msg.From, "panic", r)
			out, err = nil, fmt.Errorf("turn panicked: %v", r)
		}
	}()
	return o.runTurn(ctx, msg)
}

// runTurn loads, advances and persists the session for msg.
func (o *Orchestrator) runTurn(ctx context.Context, msg models.InboundMessage) (*turnOutcome, error) {
	now := o.now().UTC()
	sess, created, err := o.store.LoadOrCreateActiveSession(ctx, msg.From, msg.Channel, now, o.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if created {
		slog.Debug("Orchestrator.runTurn: new session", "session_id", sess.ID, "address", msg.From)
	}
	if sess.Variables == nil {
		sess.Variables = models.Variables{}
	}
	prevState := sess.State
	sess.AppendHistory(models.RoleUser, msg.Text, now, o.historyLimit)
	sess.Touch(now, o.sessionTTL)

	exec, def, err := o.activeExecution(ctx, sess, now)
	if err != nil {
		return nil, err
	}

	ctx = actions.ContextWithParams(ctx, o.turnParams(sess, msg))
	out := &turnOutcome{session: sess}
	var texts []string
	ran := map[string]bool{}

	needAI := exec == nil || def == nil
	if exec != nil && def != nil {
		res := o.executor.RunTurn(ctx, def, exec, sess.Variables, msg.Text, now)
		texts = append(texts, res.Messages...)
		sess.Variables.Merge(res.Merged)
		for _, key := range res.ActionKeys() {
			ran[key] = true
		}
		if res.State != "" {
			sess.State = models.ParseState(res.State)
		}
		needAI = res.DeferToAI || len(texts) == 0
		if (res.Completed || res.Failed) && o.closeOnComplete && !res.DeferToAI {
			sess.Active = false
		}
		slog.Debug("Orchestrator.runTurn: workflow turn", "session_id", sess.ID, "execution_id", exec.ID,
			"hops", res.Hops, "messages", len(res.Messages), "defer", res.DeferToAI, "completed", res.Completed)
	}

	if needAI {
		d := o.decider.Decide(ctx, msg.Text, decision.ContextFromSession(sess))
		o.applyDecision(sess, exec, d)
		texts = append(texts, d.Message)
		out.aiUsed = true
		out.fallback = d.Fallback
		if exec.InProgress() && def != nil && o.deferPolicy == DeferPolicyAI && d.State != "" {
			if workflow.JumpToKey(def, exec, d.State, now) {
				slog.Info("Orchestrator.runTurn: AI state moved workflow", "execution_id", exec.ID, "step", d.State)
			}
		}
		if exec != nil && !exec.InProgress() && o.closeOnComplete {
			sess.Active = false
		}
	}

	out.text = strings.Join(nonEmpty(texts), "\n\n")
	if out.text != "" {
		sess.AppendHistory(models.RoleAssistant, out.text, now, o.historyLimit)
	}
	out.state = sess.State.String()

	if err := o.store.SaveTurn(ctx, sess, exec); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("session %s changed during turn: %w", sess.ID, err)
		}
		return nil, fmt.Errorf("failed to save turn: %w", err)
	}

	if link, changed := o.runTriggers(ctx, sess, prevState, ran); changed {
		if link != "" {
			out.text = strings.Join(nonEmpty([]string{out.text, link}), "\n\n")
			sess.SetLastReply(out.text, now, o.historyLimit)
		}
		if err := o.store.SaveTurn(ctx, sess, nil); err != nil {
			slog.Warn("Orchestrator.runTurn: failed to save triggered action output", "session_id", sess.ID, "error", err)
		}
	}
	return out, nil
}

// activeExecution returns the in-progress execution for sess, starting one
// when a workflow is active and the session never ran one.
func (o *Orchestrator) activeExecution(ctx context.Context, sess *models.Session, now time.Time) (*models.WorkflowExecution, *models.WorkflowDefinition, error) {
	latest, err := o.store.GetLatestExecution(ctx, sess.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load execution: %w", err)
	}
	if latest != nil && !latest.InProgress() {
		return nil, nil, nil
	}

	var def *models.WorkflowDefinition
	if latest != nil {
		def, err = o.store.GetWorkflow(ctx, latest.WorkflowID)
	} else {
		def, err = o.store.GetActiveWorkflow(ctx)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if def == nil {
		if latest != nil {
			slog.Warn("Orchestrator.activeExecution: workflow of execution is gone, abandoning", "execution_id", latest.ID, "workflow_id", latest.WorkflowID)
			latest.Finish(models.ExecutionAbandoned, now)
			return latest, nil, nil
		}
		return nil, nil, nil
	}
	if latest != nil {
		return latest, def, nil
	}

	exec := &models.WorkflowExecution{
		ID:         util.NewID(util.PrefixExecution),
		SessionID:  sess.ID,
		WorkflowID: def.ID,
		Variables:  models.Variables{},
		Status:     models.ExecutionInProgress,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	slog.Info("Orchestrator.activeExecution: starting workflow", "session_id", sess.ID, "workflow_id", def.ID, "execution_id", exec.ID)
	return exec, def, nil
}

// applyDecision folds an AI decision into the session and execution.
func (o *Orchestrator) applyDecision(sess *models.Session, exec *models.WorkflowExecution, d models.AIDecision) {
	vars := d.ExtractedVariables()
	sess.Variables.Merge(vars)
	if exec != nil && len(vars) > 0 {
		if exec.Variables == nil {
			exec.Variables = models.Variables{}
		}
		exec.Variables.Merge(vars)
	}
	if d.Language != "" {
		sess.Language = d.Language
	}
	if d.State != "" {
		sess.State = models.ParseState(d.State)
	}
}

// runTriggers dispatches the action tied to the state the turn entered. When
// the action produced output it is merged into the session, changed is set and
// any payment link is returned for the reply.
func (o *Orchestrator) runTriggers(ctx context.Context, sess *models.Session, prev models.State, ran map[string]bool) (link string, changed bool) {
	if o.actions == nil || len(o.triggers) == 0 || sess.State.Equal(prev) {
		return "", false
	}
	key, ok := o.triggers[sess.State.String()]
	if !ok || ran[key] {
		return "", false
	}

	params := map[string]any(sess.Variables.Clone())
	params[actions.ParamState] = sess.State.String()
	params[actions.ParamLanguage] = sess.Language
	res := o.actions.Dispatch(ctx, key, params)
	switch {
	case res.Err != nil:
		slog.Warn("Orchestrator.runTriggers: triggered action failed", "session_id", sess.ID, "state", sess.State.String(), "action", key, "reason", res.Err.Reason)
		return "", false
	case len(res.Output) == 0:
		return "", false
	}

	sess.Variables.Merge(models.Variables(res.Output))
	link, _ = res.Output[actions.VarPaymentLink].(string)
	return link, true
}

func (o *Orchestrator) turnParams(sess *models.Session, msg models.InboundMessage) actions.Params {
	return actions.Params{
		actions.ParamAddress:     sess.Address,
		actions.ParamChannel:     sess.Channel,
		actions.ParamSessionID:   sess.ID,
		actions.ParamLanguage:    sess.Language,
		actions.ParamState:       sess.State.String(),
		actions.ParamInboundText: msg.Text,
	}
}

// languageHint returns the language of the address's active session, if any.
func (o *Orchestrator) languageHint(address string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := o.store.GetActiveSession(ctx, address)
	if err != nil || sess == nil {
		return ""
	}
	return sess.Language
}

// deliver sends reply through the sender, falling back to the outbox. It uses
// a context detached from the turn deadline.
func (o *Orchestrator) deliver(parent context.Context, reply *models.Reply, inboundID string) {
	if reply.Text == "" || o.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.deliveryTimeout)
	defer cancel()

	res, err := o.sender.Deliver(ctx, models.OutboundMessage{
		Channel:   reply.Channel,
		To:        reply.Address,
		Text:      reply.Text,
		SessionID: reply.SessionID,
	})
	if err == nil && res.Success {
		reply.Delivered = true
		reply.ProviderMessageID = res.ProviderMessageID
		return
	}
	if err == nil {
		err = errors.New("transport reported failure")
	}
	slog.Warn("Orchestrator.deliver: delivery failed", "address", reply.Address, "channel", reply.Channel, "error", err)

	if o.outbox == nil {
		return
	}
	dedupeKey := ""
	if inboundID != "" {
		dedupeKey = "reply:" + inboundID
	}
	id, qerr := o.outbox.EnqueueOutboxMessage(ctx, reply.Address, reply.Channel, reply.Text, dedupeKey)
	if qerr != nil {
		slog.Error("Orchestrator.deliver: failed to queue reply", "address", reply.Address, "error", qerr)
		return
	}
	slog.Info("Orchestrator.deliver: reply queued for retry", "address", reply.Address, "outbox_id", id)
}

func nonEmpty(texts []string) []string {
	out := texts[:0:0]
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}
