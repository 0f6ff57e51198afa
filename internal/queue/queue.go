// Package queue provides the Redis-backed fast path for auto-response jobs.
//
// The queue is an accelerator, not a source of truth: every job it carries is
// also recorded in the ledger. When Redis is not configured the queue is
// disabled and every operation is a no-op.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
	"github.com/redis/go-redis/v9"
)

// Constants for queue configuration
const (
	// DefaultNamespace prefixes every key the queue touches.
	DefaultNamespace = "brechohub"
	// DefaultFailedListCap bounds the failed list; older entries are trimmed.
	DefaultFailedListCap = 1000
	// ReasonMalformedPayload is recorded for entries that cannot be decoded.
	ReasonMalformedPayload = "malformed payload"
	// DefaultDialTimeout bounds connecting to Redis.
	DefaultDialTimeout = 2 * time.Second
	// DefaultIOTimeout bounds each socket read and write.
	DefaultIOTimeout = 2 * time.Second
)

// ErrDisabled is returned by Ping when no Redis connection is configured.
var ErrDisabled = errors.New("redis queue disabled")

// Opts holds configuration options for the Redis queue.
type Opts struct {
	URL           string
	Namespace     string
	FailedListCap int64
	FullPreviews  bool
	Client        *redis.Client
}

// Option defines a configuration option for the Redis queue.
type Option func(*Opts)

// WithURL sets the Redis connection URL, e.g. redis://:password@host:6379/0.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithNamespace sets the key prefix.
func WithNamespace(ns string) Option {
	return func(o *Opts) { o.Namespace = ns }
}

// WithFailedListCap sets how many failed jobs are retained.
func WithFailedListCap(n int64) Option {
	return func(o *Opts) { o.FailedListCap = n }
}

// WithFullPreviews disables redaction of inspection samples.
func WithFullPreviews() Option {
	return func(o *Opts) { o.FullPreviews = true }
}

// WithClient uses an existing client instead of dialing URL.
func WithClient(c *redis.Client) Option {
	return func(o *Opts) { o.Client = c }
}

// RedisQueue is the fast queue adapter. The zero value is a disabled queue.
type RedisQueue struct {
	client       *redis.Client
	queueKey     string
	failedKey    string
	failedCap    int64
	fullPreviews bool
}

// New creates the queue adapter. Without a URL or client it returns a disabled
// queue and no error. It does not contact Redis.
func New(opts ...Option) (*RedisQueue, error) {
	cfg := Opts{Namespace: DefaultNamespace, FailedListCap: DefaultFailedListCap}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.FailedListCap <= 0 {
		cfg.FailedListCap = DefaultFailedListCap
	}

	q := &RedisQueue{
		queueKey:     fmt.Sprintf("%s:auto-response:queue", cfg.Namespace),
		failedKey:    fmt.Sprintf("%s:auto-response:failed", cfg.Namespace),
		failedCap:    cfg.FailedListCap,
		fullPreviews: cfg.FullPreviews,
	}

	switch {
	case cfg.Client != nil:
		q.client = cfg.Client
	case cfg.URL != "":
		redisOpts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		applyTimeouts(redisOpts)
		q.client = redis.NewClient(redisOpts)
	default:
		slog.Info("RedisQueue.New: REDIS_URL not set, fast queue disabled")
		return q, nil
	}

	slog.Debug("RedisQueue.New: fast queue configured", "queue_key", q.queueKey, "failed_key", q.failedKey, "failed_cap", q.failedCap)
	return q, nil
}

// applyTimeouts makes context deadlines govern socket I/O and fills dial and
// read/write timeouts the URL left unset.
func applyTimeouts(o *redis.Options) {
	o.ContextTimeoutEnabled = true
	if o.DialTimeout == 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultIOTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultIOTimeout
	}
}

// Enabled reports whether a Redis connection is configured.
func (q *RedisQueue) Enabled() bool {
	return q != nil && q.client != nil
}

// QueueKey returns the main queue key.
func (q *RedisQueue) QueueKey() string { return q.queueKey }

// FailedKey returns the failed list key.
func (q *RedisQueue) FailedKey() string { return q.failedKey }

// Ping reports whether Redis answers. A disabled queue returns ErrDisabled.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if !q.Enabled() {
		return ErrDisabled
	}
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Enqueue appends a job to the tail of the main queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.QueueJob) error {
	if !q.Enabled() {
		return nil
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	raw, err := job.Encode()
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.queueKey, raw).Err(); err != nil {
		slog.Warn("RedisQueue.Enqueue: push failed", "message_id", job.MessageID, "error", err)
		return fmt.Errorf("enqueue job %s failed: %w", job.MessageID, err)
	}
	slog.Debug("RedisQueue.Enqueue", "message_id", job.MessageID, "partner_id", job.PartnerID)
	return nil
}

// DequeueBatch removes up to max jobs from the head of the main queue.
// Entries that cannot be decoded are moved to the failed list.
func (q *RedisQueue) DequeueBatch(ctx context.Context, max int) ([]models.QueueJob, error) {
	if !q.Enabled() || max <= 0 {
		return nil, nil
	}
	raws, err := q.client.LPopCount(ctx, q.queueKey, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue batch failed: %w", err)
	}

	jobs := make([]models.QueueJob, 0, len(raws))
	for _, raw := range raws {
		job, derr := models.DecodeQueueJob(raw)
		if derr != nil {
			slog.Warn("RedisQueue.DequeueBatch: dropping undecodable entry", "error", derr)
			q.pushRawFailed(ctx, raw, ReasonMalformedPayload)
			continue
		}
		jobs = append(jobs, job)
	}
	slog.Debug("RedisQueue.DequeueBatch", "requested", max, "popped", len(raws), "decoded", len(jobs))
	return jobs, nil
}

// PushFailed appends a job with its failure reason to the failed list and trims
// the list to its cap.
func (q *RedisQueue) PushFailed(ctx context.Context, job models.QueueJob, reason string) error {
	if !q.Enabled() {
		return nil
	}
	data, err := json.Marshal(models.FailedJob{Job: job, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode failed job %s failed: %w", job.MessageID, err)
	}
	if err := q.appendFailed(ctx, string(data)); err != nil {
		slog.Warn("RedisQueue.PushFailed: push failed", "message_id", job.MessageID, "error", err)
		return fmt.Errorf("push failed job %s failed: %w", job.MessageID, err)
	}
	slog.Debug("RedisQueue.PushFailed", "message_id", job.MessageID, "reason", reason)
	return nil
}

func (q *RedisQueue) pushRawFailed(ctx context.Context, raw, reason string) {
	data, err := json.Marshal(struct {
		Raw      string    `json:"raw"`
		Reason   string    `json:"reason"`
		FailedAt time.Time `json:"failedAt"`
	}{raw, reason, time.Now().UTC()})
	if err != nil {
		return
	}
	if err := q.appendFailed(ctx, string(data)); err != nil {
		slog.Warn("RedisQueue.pushRawFailed: push failed", "error", err)
	}
}

func (q *RedisQueue) appendFailed(ctx context.Context, entry string) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.failedKey, entry)
	pipe.LTrim(ctx, q.failedKey, -q.failedCap, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	if !q.Enabled() {
		return nil
	}
	return q.client.Close()
}
