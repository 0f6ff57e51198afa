// Package maintenance holds the periodic housekeeping tasks of the ledger.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
)

// Task names reported by RunDaily
const (
	TaskResetStale         = "reset-stale-auto-responses"
	TaskReleaseStaleClaims = "release-stale-claims"
)

// Defaults for the daily run
const (
	DefaultRetention     = 24 * time.Hour
	DefaultStaleClaimAge = 15 * time.Minute
)

// Ledger is the part of the store the sweeper changes.
type Ledger interface {
	ResetStale(ctx context.Context, olderThan time.Duration) (int, error)
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithRetention sets the cooldown before a failed message is offered again.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithStaleClaimAge sets how old a claim must be before it is settled.
func WithStaleClaimAge(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleClaimAge = d
		}
	}
}

// Sweeper re-offers failed messages after a cooldown.
type Sweeper struct {
	ledger        Ledger
	retention     time.Duration
	staleClaimAge time.Duration
}

// NewSweeper creates a sweeper.
func NewSweeper(ledger Ledger, opts ...Option) *Sweeper {
	s := &Sweeper{ledger: ledger, retention: DefaultRetention, staleClaimAge: DefaultStaleClaimAge}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured cooldown.
func (s *Sweeper) Retention() time.Duration {
	return s.retention
}

// Sweep resets failed messages older than retention back to pending and returns
// how many were reset. A non-positive retention uses the configured one.
func (s *Sweeper) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = s.retention
	}
	n, err := s.ledger.ResetStale(ctx, retention)
	if err != nil {
		slog.Error("Sweeper.Sweep: reset failed", "retention", retention, "error", err)
		return 0, err
	}
	slog.Info("Sweeper.Sweep: reset stale auto-responses", "retention", retention, "count", n)
	return n, nil
}

// RunDaily runs every maintenance task in order. A failing task does not stop
// the ones after it.
func (s *Sweeper) RunDaily(ctx context.Context) []models.TaskReport {
	tasks := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		// Claims are settled first so that the ones marked failed enter the cooldown.
		{TaskReleaseStaleClaims, func(ctx context.Context) (int, error) {
			return s.ledger.ReleaseStaleClaims(ctx, s.staleClaimAge)
		}},
		{TaskResetStale, func(ctx context.Context) (int, error) {
			return s.Sweep(ctx, s.retention)
		}},
	}

	reports := make([]models.TaskReport, 0, len(tasks))
	for _, task := range tasks {
		start := time.Now()
		n, err := task.run(ctx)
		report := models.TaskReport{
			Task:     task.name,
			Status:   models.TaskStatusOK,
			Count:    n,
			Duration: time.Since(start).Milliseconds(),
		}
		if err != nil {
			report.Status = models.TaskStatusError
			report.Error = err.Error()
			slog.Error("Sweeper.RunDaily: task failed", "task", task.name, "error", err)
		}
		reports = append(reports, report)
	}
	return reports
}

// AllOK reports whether every task succeeded.
func AllOK(reports []models.TaskReport) bool {
	for _, r := range reports {
		if r.Status != models.TaskStatusOK {
			return false
		}
	}
	return true
}
