package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// JobKindDispatch is the job kind of queued action dispatches.
const JobKindDispatch = "action.dispatch"

type dispatchPayload struct {
	Key    string         `json:"key"`
	Params map[string]any `json:"params"`
}

// Queue runs dispatches asynchronously on the durable job runner, which
// retries failures with backoff and dead-letters them after the last attempt.
// A queued dispatch reports Queued and carries no Output.
type Queue struct {
	jobs       store.JobRepo
	dispatcher *Dispatcher
	notifier   *Notifier
}

// NewQueue creates a Queue. notifier, when non-nil, is told about
// dead-lettered dispatches.
func NewQueue(jobs store.JobRepo, dispatcher *Dispatcher, notifier *Notifier) *Queue {
	return &Queue{jobs: jobs, dispatcher: dispatcher, notifier: notifier}
}

// Dispatch enqueues the action. Unknown keys are skipped without enqueueing.
func (q *Queue) Dispatch(ctx context.Context, key string, params map[string]any) Result {
	if !q.dispatcher.Has(key) {
		slog.Warn("Queue.Dispatch: unknown action key, skipping", "key", key)
		return Result{Key: key, OK: true, Skipped: true}
	}
	payload, err := json.Marshal(dispatchPayload{Key: key, Params: withContextParams(ctx, params)})
	if err != nil {
		return Result{Key: key, Err: &ActionError{Key: key, Reason: "encode params: " + err.Error()}}
	}
	id, err := q.jobs.EnqueueJob(ctx, JobKindDispatch, time.Now(), string(payload), "")
	if err != nil {
		slog.Error("Queue.Dispatch: enqueue failed", "key", key, "error", err)
		return Result{Key: key, Err: &ActionError{Key: key, Reason: "enqueue: " + err.Error()}}
	}
	slog.Debug("Queue.Dispatch: action queued", "key", key, "jobID", id)
	return Result{Key: key, OK: true, Queued: true}
}

// Register installs the queue's job handler on runner.
func (q *Queue) Register(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindDispatch, q.handle)
}

func (q *Queue) handle(ctx context.Context, payload string) error {
	var p dispatchPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("decode dispatch payload: %w", err)
	}
	res := q.dispatcher.Dispatch(ctx, p.Key, p.Params)
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// DeadLetter reports a dispatch that exhausted its attempts. It is meant for
// store.WithDeadLetter.
func (q *Queue) DeadLetter(ctx context.Context, job store.Job, err error) {
	if job.Kind != JobKindDispatch {
		return
	}
	var p dispatchPayload
	_ = json.Unmarshal([]byte(job.PayloadJSON), &p)
	slog.Error("Queue.DeadLetter: action gave up", "jobID", job.ID, "key", p.Key, "error", err)
	if q.notifier == nil || p.Key == KeyNotifyStaff {
		return
	}
	address, _ := p.Params[ParamAddress].(string)
	note := models.Notification{
		Priority:   models.PriorityHigh,
		Title:      "Action failed: " + p.Key,
		Message:    fmt.Sprintf("Action %s for %s failed after %d attempts: %v", p.Key, address, job.MaxAttempts, err),
		RelatedIDs: []string{job.ID},
	}
	if nerr := q.notifier.Notify(ctx, note); nerr != nil {
		slog.Error("Queue.DeadLetter: notify failed", "jobID", job.ID, "error", nerr)
	}
}
