package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's work. It receives the job's payload JSON and
// returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// DeadLetterFunc is called when a job fails its final attempt.
type DeadLetterFunc func(ctx context.Context, job Job, err error)

// JobRunner periodically claims due jobs and dispatches them to registered
// handlers, retrying failures with exponential backoff.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	baseBackoff    time.Duration
	handlerTimeout time.Duration
	onDeadLetter   DeadLetterFunc
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithBaseBackoff sets the delay before the first retry. Later retries double it.
func WithBaseBackoff(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) { r.baseBackoff = d }
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) { r.handlerTimeout = d }
}

// WithDeadLetter registers a callback for jobs that exhaust their attempts.
func WithDeadLetter(fn DeadLetterFunc) JobRunnerOption {
	return func(r *JobRunner) { r.onDeadLetter = fn }
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		baseBackoff:    30 * time.Second,
		handlerTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *JobRunner) poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := r.execute(ctx, handler, job); err != nil {
			slog.Error("JobRunner.poll: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
			// Exponential backoff: base, 2*base, 4*base, ...
			nextRun := now.Add(r.baseBackoff * time.Duration(1<<job.Attempt))
			if ferr := r.repo.FailJob(ctx, job.ID, err.Error(), nextRun); ferr != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", ferr)
				continue
			}
			if job.Attempt+1 >= job.MaxAttempts {
				slog.Warn("JobRunner.poll: job dead-lettered", "id", job.ID, "kind", job.Kind, "attempts", job.Attempt+1)
				if r.onDeadLetter != nil {
					r.onDeadLetter(ctx, job, err)
				}
			}
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.poll: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.poll: job completed", "id", job.ID, "kind", job.Kind)
	}
}

func (r *JobRunner) execute(ctx context.Context, handler JobHandler, job Job) (err error) {
	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("JobRunner.execute: handler panicked", "id", job.ID, "kind", job.Kind, "panic", p)
			err = &panicError{value: p}
		}
	}()
	return handler(hctx, job.PayloadJSON)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "job handler panicked" }
