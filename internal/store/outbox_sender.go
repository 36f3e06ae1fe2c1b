package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one outbox message. A non-nil error schedules a
// retry.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSenderOption configures an OutboxSender.
type OutboxSenderOption func(*OutboxSender)

// WithClaimLimit caps how many messages one poll claims.
func WithClaimLimit(n int) OutboxSenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

// WithStaleAfter sets how long a message may sit in sending before startup
// recovery puts it back in the queue.
func WithStaleAfter(d time.Duration) OutboxSenderOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithRetryBackoff sets the first retry delay and the ceiling it doubles to.
func WithRetryBackoff(base, ceiling time.Duration) OutboxSenderOption {
	return func(s *OutboxSender) {
		if base > 0 {
			s.retryBase = base
		}
		if ceiling >= s.retryBase {
			s.retryCeiling = ceiling
		}
	}
}

// OutboxSender drains the outbound message queue on a ticker. Delivery goes
// through send so the sender stays unaware of channels.
type OutboxSender struct {
	repo         OutboxRepo
	send         OutboxSendFunc
	interval     time.Duration
	staleAfter   time.Duration
	claimLimit   int
	retryBase    time.Duration
	retryCeiling time.Duration
}

func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, interval time.Duration, opts ...OutboxSenderOption) *OutboxSender {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &OutboxSender{
		repo:         repo,
		send:         send,
		interval:     interval,
		staleAfter:   5 * time.Minute,
		claimLimit:   10,
		retryBase:    10 * time.Second,
		retryCeiling: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages left in sending by a previous
// process. Call once before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-s.staleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued", "count", n, "staleAfter", s.staleAfter)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: started", "interval", s.interval, "claimLimit", s.claimLimit)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopped")
			return
		case <-t.C:
			s.poll(ctx)
		}
	}
}

// retryDelay doubles per prior attempt and never exceeds the ceiling.
func (s *OutboxSender) retryDelay(attempts int) time.Duration {
	d := s.retryBase
	for i := 0; i < attempts && d < s.retryCeiling; i++ {
		d *= 2
	}
	if d > s.retryCeiling {
		d = s.retryCeiling
	}
	return d
}

// poll claims one batch and reports how many messages were delivered.
func (s *OutboxSender) poll(ctx context.Context) int {
	now := time.Now()
	batch, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim", "error", err)
		return 0
	}

	delivered := 0
	for _, msg := range batch {
		if err := s.send(ctx, msg); err != nil {
			retryAt := now.Add(s.retryDelay(msg.Attempts))
			slog.Warn("OutboxSender.poll: delivery failed", "id", msg.ID, "channel", msg.Channel, "attempts", msg.Attempts, "retryAt", retryAt, "error", err)
			if ferr := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), retryAt); ferr != nil {
				slog.Error("OutboxSender.poll: record failure", "id", msg.ID, "error", ferr)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.poll: mark sent", "id", msg.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		slog.Debug("OutboxSender.poll: delivered", "count", delivered, "claimed", len(batch))
	}
	return delivered
}
