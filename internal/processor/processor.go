// Package processor drains pending inbound messages and sends at most one
// automated reply per message.
//
// A run collects a bounded batch from the Redis queue and then from the ledger,
// deduplicates it by message id and processes it with a small worker pool. Each
// job is claimed in the ledger before any reply is generated, so concurrent runs
// and duplicate queue entries never produce a second reply.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
	"github.com/brechohub/autoresponder/internal/reply"
	"github.com/brechohub/autoresponder/internal/store"
	"github.com/brechohub/autoresponder/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Defaults for a processor run
const (
	DefaultBatchSize     = 50
	DefaultWorkers       = 4
	MaxWorkers           = 16
	DefaultJobTimeout    = 30 * time.Second
	DefaultLedgerRetries = 3
	DefaultRetryBase     = 200 * time.Millisecond

	// ledgerTimeout bounds bookkeeping writes made after a job's own deadline.
	ledgerTimeout = 10 * time.Second
	// queueTimeout bounds a failed-list push.
	queueTimeout = 2 * time.Second
)

// Failure reasons recorded in the ledger and the failed list
const (
	ReasonNotInLedger = "message not found in ledger"
	ReasonSuppressed  = "auto-response disabled for partner"
)

// ErrServicesUnavailable is reported when neither Redis nor the database answers.
var ErrServicesUnavailable = errors.New("services unavailable")

// Queue is the fast path. It may be disabled.
type Queue interface {
	Enabled() bool
	DequeueBatch(ctx context.Context, max int) ([]models.QueueJob, error)
	PushFailed(ctx context.Context, job models.QueueJob, reason string) error
}

// Ledger is the part of the store a run writes to.
type Ledger interface {
	ListPending(ctx context.Context, limit int) ([]models.InboundMessage, error)
	Claim(ctx context.Context, id, token string) error
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkSuppressed(ctx context.Context, id, reason string) error
}

// HealthChecker reports backend liveness before a run.
type HealthChecker interface {
	Check(ctx context.Context) models.HealthStatus
}

// Dispatcher sends a reply through the outbound channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.QueueJob, text string) error
}

// FailureNotifier receives every failed job.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, failed models.FailedJob) error
}

// Opts holds processor configuration.
type Opts struct {
	BatchSize     int
	Workers       int
	JobTimeout    time.Duration
	LedgerRetries int
	RetryBase     time.Duration
	Notifier      FailureNotifier
	Tracer        trace.Tracer
	Now           func() time.Time
}

// Option configures a Processor.
type Option func(*Opts)

// WithBatchSize caps how many jobs one run takes on.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithWorkers sets the worker pool size, clamped to 1..MaxWorkers.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithJobTimeout bounds generation plus dispatch of a single job.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Opts) { o.JobTimeout = d }
}

// WithLedgerRetries sets how often MarkSent is retried after a successful send.
func WithLedgerRetries(n int, base time.Duration) Option {
	return func(o *Opts) {
		o.LedgerRetries = n
		o.RetryBase = base
	}
}

// WithNotifier publishes failed jobs in addition to the failed list.
func WithNotifier(n FailureNotifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithTracer overrides the tracer from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Opts) { o.Tracer = t }
}

// WithClock overrides time.Now for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Processor runs drain cycles. It holds no state between runs and is safe for
// concurrent use.
type Processor struct {
	queue      Queue
	ledger     Ledger
	health     HealthChecker
	generator  reply.Generator
	dispatcher Dispatcher
	opts       Opts
}

// New creates a processor.
func New(queue Queue, ledger Ledger, health HealthChecker, generator reply.Generator, dispatcher Dispatcher, opts ...Option) *Processor {
	o := Opts{
		BatchSize:     DefaultBatchSize,
		Workers:       DefaultWorkers,
		JobTimeout:    DefaultJobTimeout,
		LedgerRetries: DefaultLedgerRetries,
		RetryBase:     DefaultRetryBase,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Workers > MaxWorkers {
		o.Workers = MaxWorkers
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.LedgerRetries < 0 {
		o.LedgerRetries = 0
	}
	if o.Tracer == nil {
		o.Tracer = tracing.Tracer()
	}
	return &Processor{
		queue:      queue,
		ledger:     ledger,
		health:     health,
		generator:  generator,
		dispatcher: dispatcher,
		opts:       o,
	}
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeSent
	outcomeFailed
	outcomeSuppressed
)

type sourcedJob struct {
	job    models.QueueJob
	source models.JobSource
}

// run is the state shared by the workers of one drain cycle.
type run struct {
	id string
	// queueUsable starts from the health check and is cleared by the first
	// queue error. Once false the queue is not touched again in this run.
	queueUsable atomic.Bool
}

func (r *run) disableQueue(op string, err error) {
	if r.queueUsable.Swap(false) {
		slog.Warn("Processor: queue disabled for the rest of the run", "run_id", r.id, "op", op, "error", err)
	}
}

type jobOutcome struct {
	source    models.JobSource
	messageID string
	kind      outcomeKind
	reason    string
}

// ProcessAllPending runs one drain cycle. It never returns an error: a total
// backend outage is reported as Success=false, per-job failures as counters.
//
// Cancelling ctx stops new jobs from starting. Jobs already running finish
// under their own timeout so no dispatch is abandoned halfway.
func (p *Processor) ProcessAllPending(ctx context.Context) models.ProcessingResult {
	start := p.opts.Now()
	runID := uuid.NewString()
	ctx, span := p.opts.Tracer.Start(ctx, "processor.ProcessAllPending",
		trace.WithAttributes(attribute.String("run.id", runID), attribute.Int("batch.size", p.opts.BatchSize)))
	defer span.End()

	result := models.ProcessingResult{Success: true, Timestamp: start.UTC()}
	defer func() {
		result.Duration = p.opts.Now().Sub(start).Milliseconds()
	}()

	status := p.health.Check(ctx)
	result.Details.HealthCheck = status
	span.SetAttributes(attribute.Bool("health.redis", status.Redis), attribute.Bool("health.database", status.Database))

	if !status.Redis && !status.Database {
		slog.Error("Processor.ProcessAllPending: both backends unavailable, aborting run", "run_id", runID)
		result.Success = false
		result.Details.Error = ErrServicesUnavailable.Error()
		span.SetStatus(codes.Error, result.Details.Error)
		return result
	}
	if !status.Database {
		// Without the ledger no job can be claimed, and dispatching unclaimed jobs
		// would break at-most-once delivery. Queued jobs stay where they are.
		slog.Warn("Processor.ProcessAllPending: database unavailable, nothing processed", "run_id", runID)
		result.Details.Error = "database unavailable: no jobs claimed"
		return result
	}

	r := &run{id: runID}
	r.queueUsable.Store(status.Redis && p.queue != nil && p.queue.Enabled())

	jobs := p.collect(ctx, r, &result)
	span.SetAttributes(attribute.Int("jobs.collected", len(jobs)))
	slog.Info("Processor.ProcessAllPending: starting run", "run_id", runID, "jobs", len(jobs), "workers", p.opts.Workers)

	outcomes := make(chan jobOutcome, len(jobs))
	go func() {
		defer close(outcomes)
		var g errgroup.Group
		g.SetLimit(p.opts.Workers)
		for _, sj := range jobs {
			if ctx.Err() != nil {
				outcomes <- jobOutcome{source: sj.source, messageID: sj.job.MessageID, kind: outcomeSkipped, reason: "run cancelled"}
				continue
			}
			g.Go(func() error {
				outcomes <- p.processJob(ctx, r, sj)
				return nil
			})
		}
		_ = g.Wait()
	}()

	for o := range outcomes {
		src := result.Details.Source(o.source)
		switch o.kind {
		case outcomeSent:
			result.Stats.Processed++
			result.Stats.Sent++
			src.Attempted++
			src.Sent++
		case outcomeFailed:
			result.Stats.Processed++
			result.Stats.Failed++
			src.Attempted++
			src.Failed++
		case outcomeSuppressed:
			result.Stats.Processed++
			result.Details.Suppressed++
			src.Attempted++
		default:
			src.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("stats.processed", result.Stats.Processed),
		attribute.Int("stats.sent", result.Stats.Sent),
		attribute.Int("stats.failed", result.Stats.Failed),
	)
	slog.Info("Processor.ProcessAllPending: run complete", "run_id", runID,
		"processed", result.Stats.Processed, "sent", result.Stats.Sent, "failed", result.Stats.Failed,
		"suppressed", result.Details.Suppressed, "elapsed", p.opts.Now().Sub(start))
	return result
}

// collect gathers at most BatchSize distinct jobs, queue first.
func (p *Processor) collect(ctx context.Context, r *run, result *models.ProcessingResult) []sourcedJob {
	runID := r.id
	jobs := make([]sourcedJob, 0, p.opts.BatchSize)
	seen := make(map[string]struct{}, p.opts.BatchSize)
	add := func(job models.QueueJob, src models.JobSource) {
		if _, dup := seen[job.MessageID]; dup {
			result.Details.Source(src).Skipped++
			return
		}
		seen[job.MessageID] = struct{}{}
		jobs = append(jobs, sourcedJob{job: job, source: src})
	}

	if r.queueUsable.Load() {
		queued, err := p.queue.DequeueBatch(ctx, p.opts.BatchSize)
		if err != nil {
			// Queue problems only cost throughput; the ledger scan still runs.
			slog.Warn("Processor.collect: dequeue failed, using ledger only", "run_id", runID, "error", err)
			r.disableQueue("dequeue", err)
		}
		for _, job := range queued {
			add(job, models.SourceRedis)
		}
	}

	if remaining := p.opts.BatchSize - len(jobs); remaining > 0 {
		rows, err := p.ledger.ListPending(ctx, remaining)
		if err != nil {
			slog.Error("Processor.collect: list pending failed", "run_id", runID, "error", err)
			result.Details.Error = fmt.Sprintf("list pending failed: %v", err)
		}
		for _, row := range rows {
			add(models.JobFromMessage(row), models.SourceDatabase)
		}
	}
	return jobs
}

// processJob takes one job through claim, generation and dispatch.
func (p *Processor) processJob(ctx context.Context, r *run, sj sourcedJob) jobOutcome {
	job := sj.job
	out := jobOutcome{source: sj.source, messageID: job.MessageID}

	// Detach from the run so a shutdown does not abandon a dispatch in flight.
	base := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(base, p.opts.JobTimeout)
	defer cancel()
	jobCtx, span := p.opts.Tracer.Start(jobCtx, "processor.processJob", trace.WithAttributes(
		attribute.String("message.id", job.MessageID),
		attribute.String("partner.id", job.PartnerID),
		attribute.String("job.source", string(sj.source)),
	))
	defer span.End()

	token := r.id + ":" + job.MessageID
	if err := p.ledger.Claim(jobCtx, job.MessageID, token); err != nil {
		switch {
		case errors.Is(err, store.ErrClaimConflict):
			slog.Debug("Processor.processJob: already claimed, skipping", "message_id", job.MessageID, "source", sj.source)
			out.kind = outcomeSkipped
		case errors.Is(err, store.ErrNotFound):
			slog.Warn("Processor.processJob: queued job has no ledger row", "message_id", job.MessageID)
			p.pushFailed(base, r, job, ReasonNotInLedger)
			out.kind = outcomeSkipped
			out.reason = ReasonNotInLedger
		default:
			slog.Error("Processor.processJob: claim failed", "message_id", job.MessageID, "error", err)
			out.kind = outcomeFailed
			out.reason = "claim failed: " + err.Error()
			p.pushFailed(base, r, job, out.reason)
			p.notify(base, job, out.reason)
		}
		span.SetAttributes(attribute.String("job.outcome", "not_claimed"))
		return out
	}

	text, err := p.generator.Generate(jobCtx, job)
	if errors.Is(err, reply.ErrSuppressed) {
		lctx, lcancel := context.WithTimeout(base, ledgerTimeout)
		defer lcancel()
		if err := p.ledger.MarkSuppressed(lctx, job.MessageID, ReasonSuppressed); err != nil {
			slog.Error("Processor.processJob: mark suppressed failed", "message_id", job.MessageID, "error", err)
		}
		slog.Info("Processor.processJob: suppressed", "message_id", job.MessageID, "partner_id", job.PartnerID)
		span.SetAttributes(attribute.String("job.outcome", "suppressed"))
		out.kind = outcomeSuppressed
		return out
	}
	if err != nil {
		return p.fail(base, r, span, out, job, failureReason("generation", err))
	}

	if err := p.dispatcher.Dispatch(jobCtx, job, text); err != nil {
		return p.fail(base, r, span, out, job, failureReason("dispatch", err))
	}

	p.markSent(base, job.MessageID)
	span.SetAttributes(attribute.String("job.outcome", "sent"))
	out.kind = outcomeSent
	return out
}

// markSent retries the ledger write. The reply is already out, so the job counts
// as sent even if every attempt fails; the stale-claim sweep settles the row.
func (p *Processor) markSent(ctx context.Context, id string) {
	var err error
	for attempt := 0; attempt <= p.opts.LedgerRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.opts.RetryBase * time.Duration(1<<(attempt-1)))
		}
		lctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
		err = p.ledger.MarkSent(lctx, id)
		cancel()
		if err == nil {
			return
		}
		slog.Warn("Processor.markSent: ledger write failed", "message_id", id, "attempt", attempt+1, "error", err)
	}
	slog.Error("Processor.markSent: reply sent but ledger not updated", "message_id", id, "error", err)
}

func (p *Processor) fail(ctx context.Context, r *run, span trace.Span, out jobOutcome, job models.QueueJob, reason string) jobOutcome {
	slog.Warn("Processor.processJob: job failed", "message_id", job.MessageID, "reason", reason)
	span.SetStatus(codes.Error, reason)
	span.SetAttributes(attribute.String("job.outcome", "failed"))

	lctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	if err := p.ledger.MarkFailed(lctx, job.MessageID, reason); err != nil {
		slog.Error("Processor.fail: mark failed failed", "message_id", job.MessageID, "error", err)
	}
	p.pushFailed(ctx, r, job, reason)
	p.notify(ctx, job, reason)

	out.kind = outcomeFailed
	out.reason = reason
	return out
}

func (p *Processor) pushFailed(ctx context.Context, r *run, job models.QueueJob, reason string) {
	if !r.queueUsable.Load() {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, queueTimeout)
	defer cancel()
	if err := p.queue.PushFailed(qctx, job, reason); err != nil {
		slog.Warn("Processor.pushFailed: could not record failed job", "message_id", job.MessageID, "error", err)
		r.disableQueue("push failed", err)
	}
}

func (p *Processor) notify(ctx context.Context, job models.QueueJob, reason string) {
	if p.opts.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	failed := models.FailedJob{Job: job, Reason: reason, FailedAt: p.opts.Now().UTC()}
	if err := p.opts.Notifier.NotifyFailure(nctx, failed); err != nil {
		slog.Warn("Processor.notify: failure notification not delivered", "message_id", job.MessageID, "error", err)
	}
}

func failureReason(stage string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return stage + " timeout"
	}
	return stage + " failed: " + err.Error()
}
