// Package store provides the idempotency ledger for inbound customer messages.
//
// The ledger is the durable source of truth for whether an inbound message has
// been auto-answered. It is backed by PostgreSQL in production and SQLite for
// local runs and tests; both share one sqlx implementation.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
)

// Driver names as registered with database/sql.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Error variables for callers that branch on ledger outcomes
var (
	// ErrClaimConflict means another worker already holds or finished the message.
	ErrClaimConflict = errors.New("message already claimed or answered")
	// ErrNotFound means no row exists for the given id.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadySent means a failure was reported for a message that was already answered.
	ErrAlreadySent = errors.New("message already answered")
)

// Opts holds configuration options for ledger stores.
type Opts struct {
	DSN            string
	SkipMigrations bool
	Now            func() time.Time
}

// Option defines a configuration option for ledger stores.
type Option func(*Opts)

// WithDSN sets the database connection string. The driver is detected from it.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithoutMigrations skips schema migrations on open, for deployments that run
// the migrate command separately.
func WithoutMigrations() Option {
	return func(o *Opts) {
		o.SkipMigrations = true
	}
}

// WithClock overrides the time source used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Ledger is what the queue processor, health monitor and sweeper need from the store.
type Ledger interface {
	// ListPending returns up to limit inbound messages in the pending state, oldest first.
	ListPending(ctx context.Context, limit int) ([]models.InboundMessage, error)

	// Claim moves a pending message to claimed. It returns ErrClaimConflict when
	// the message is no longer pending and ErrNotFound when it does not exist.
	Claim(ctx context.Context, id, token string) error

	// MarkSent records a dispatched reply. It is idempotent.
	MarkSent(ctx context.Context, id string) error

	// MarkFailed records a failed attempt. It never overwrites a sent message.
	MarkFailed(ctx context.Context, id, reason string) error

	// MarkSuppressed records that the message must never be auto-answered.
	MarkSuppressed(ctx context.Context, id, reason string) error

	// ResetStale re-offers failed messages older than olderThan and returns how many.
	ResetStale(ctx context.Context, olderThan time.Duration) (int, error)

	// ReleaseStaleClaims fails claims held longer than olderThan, typically left by a crash.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)

	// Ping reports whether the ledger is reachable.
	Ping(ctx context.Context) error
}

// MessageRecorder is the write path used by ingestion and the dispatcher.
type MessageRecorder interface {
	// RecordInbound inserts a new inbound message. It returns false if the id was already recorded.
	RecordInbound(ctx context.Context, msg models.InboundMessage) (bool, error)

	// RecordOutbound stores a reply that was handed to the transport.
	RecordOutbound(ctx context.Context, msg models.OutboundMessage) error
}

// PartnerRepo gives access to partner auto-response configuration.
type PartnerRepo interface {
	GetPartner(ctx context.Context, id string) (models.Partner, error)
	UpsertPartner(ctx context.Context, p models.Partner) error
}

// DetectDSNType returns the database/sql driver name for a DSN.
// Anything that does not look like a PostgreSQL DSN is treated as a SQLite path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DriverPostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DriverPostgres
	}
	return DriverSQLite
}
