package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/scheduler"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// DefaultSweepInterval is how often the Janitor looks for idle sessions.
const DefaultSweepInterval = time.Minute

// Janitor deactivates sessions whose expiry has passed. Their in-progress
// executions are abandoned by the store.
type Janitor struct {
	sessions store.SessionStore
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a Janitor sweeping every interval.
func NewJanitor(sessions store.SessionStore, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{sessions: sessions, interval: interval, now: time.Now}
}

// Sweep expires idle sessions once and returns how many were expired.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	n, err := j.sessions.ExpireSessions(ctx, j.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	if n > 0 {
		slog.Info("Janitor.Sweep: expired idle sessions", "count", n)
	}
	return n, nil
}

// Schedule registers the sweep on s.
func (j *Janitor) Schedule(s *scheduler.Scheduler) error {
	return s.Every("session-expiry", j.interval, func(ctx context.Context) error {
		_, err := j.Sweep(ctx)
		return err
	})
}
