// Package scheduler runs housekeeping tasks on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultMaintenanceCron runs the daily maintenance at 03:00.
const DefaultMaintenanceCron = "0 3 * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
}

// NewScheduler creates and starts a cron scheduler. A task still running when its
// next tick arrives is skipped for that tick.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c, parser: parser}
}

// Validate reports whether expr is a valid 5-field cron expression.
func (s *Scheduler) Validate(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, func() {
		slog.Debug("Scheduler: running task", "task", name)
		task()
	}); err != nil {
		return fmt.Errorf("schedule %s failed: %w", name, err)
	}
	slog.Info("Scheduler.AddJob: scheduled", "task", name, "expr", expr)
	return nil
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the scheduler and waits for running tasks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: gave up waiting for running tasks")
	}
}
