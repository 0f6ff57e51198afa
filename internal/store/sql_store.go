package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// DefaultSQLiteBusyTimeoutMs is how long SQLite waits on a locked database.
	DefaultSQLiteBusyTimeoutMs = 5000
)

// SQLStore implements Ledger, MessageRecorder and PartnerRepo on PostgreSQL or SQLite.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Compile-time checks that SQLStore implements the store interfaces.
var (
	_ Ledger          = (*SQLStore)(nil)
	_ MessageRecorder = (*SQLStore)(nil)
	_ PartnerRepo     = (*SQLStore)(nil)
)

// NewSQLStore opens the ledger database described by the DSN option,
// applies migrations and configures the connection pool.
func NewSQLStore(opts ...Option) (*SQLStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLStore.NewSQLStore: creating ledger store", "DSN_set", cfg.DSN != "", "skip_migrations", cfg.SkipMigrations)

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	driver := DetectDSNType(dsn)
	if driver == DriverSQLite {
		var err error
		if dsn, err = prepareSQLiteDSN(dsn); err != nil {
			return nil, err
		}
	}

	if !cfg.SkipMigrations {
		if err := Migrate(dsn); err != nil {
			slog.Error("SQLStore.NewSQLStore: migrations failed", "driver", driver, "error", err)
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		slog.Error("Failed to open ledger connection", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	if driver == DriverPostgres {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	} else {
		// SQLite allows one writer; a single connection turns lock contention into queueing.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("Ledger ping failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	slog.Info("SQLStore.NewSQLStore: ledger ready", "driver", driver)
	return &SQLStore{db: db, driver: driver, now: func() time.Time { return now().UTC() }}, nil
}

// prepareSQLiteDSN ensures the database directory exists and a busy timeout is set.
func prepareSQLiteDSN(dsn string) (string, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != "" && path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, DefaultSQLiteBusyTimeoutMs)
	}
	return dsn, nil
}

// Driver returns the database/sql driver name in use.
func (s *SQLStore) Driver() string {
	return s.driver
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ledger ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	slog.Debug("SQLStore.Close: closing ledger", "driver", s.driver)
	return s.db.Close()
}
