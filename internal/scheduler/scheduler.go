// Package scheduler runs ConvoPipe's periodic maintenance jobs, such as the
// session expiry sweep, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling. Descriptors such as
// "@every 1m" are accepted next to 5-field expressions.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task using expr. It returns an error if the expression is
// invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Every schedules a named task every interval. Each run gets a context bounded
// by the interval.
func (s *Scheduler) Every(name string, interval time.Duration, task func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, name)
	}
	return s.AddJob(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := task(ctx); err != nil {
			slog.Error("Scheduler.Every: job failed", "job", name, "error", err)
		}
	})
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
