package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
)

// DefaultStaleClaimAge is how long a claim may be held before it is considered abandoned.
const DefaultStaleClaimAge = 15 * time.Minute

// ClaimReleaser settles claims left behind by a crashed run.
type ClaimReleaser interface {
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)
}

// Runner triggers a drain cycle on a fixed interval.
type Runner struct {
	processor     *Processor
	releaser      ClaimReleaser
	interval      time.Duration
	staleClaimAge time.Duration
	onResult      func(models.ProcessingResult)
	done          chan struct{}
}

// NewRunner creates a runner. A non-positive interval defaults to one minute.
func NewRunner(p *Processor, releaser ClaimReleaser, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		processor:     p,
		releaser:      releaser,
		interval:      interval,
		staleClaimAge: DefaultStaleClaimAge,
		done:          make(chan struct{}),
	}
}

// SetStaleClaimAge overrides DefaultStaleClaimAge. Non-positive values are ignored.
func (r *Runner) SetStaleClaimAge(d time.Duration) {
	if d > 0 {
		r.staleClaimAge = d
	}
}

// OnResult registers fn to receive every run summary.
func (r *Runner) OnResult(fn func(models.ProcessingResult)) {
	r.onResult = fn
}

// RecoverStaleClaims settles claims that were held when the process crashed.
// Should be called once at startup.
func (r *Runner) RecoverStaleClaims(ctx context.Context) error {
	if r.releaser == nil {
		return nil
	}
	n, err := r.releaser.ReleaseStaleClaims(ctx, r.staleClaimAge)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Runner.RecoverStaleClaims: settled stale claims", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled and
// any in-flight run has settled its jobs. Run must be called at most once.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	slog.Info("Runner.Run: starting processor runner", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) tick(ctx context.Context) {
	result := r.processor.ProcessAllPending(ctx)
	if !result.Success {
		slog.Error("Runner.tick: run failed", "error", result.Details.Error)
	}
	if r.onResult != nil {
		r.onResult(result)
	}
}
