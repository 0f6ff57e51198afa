// Package health probes the fast queue and the ledger.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultProbeTimeout bounds each probe.
const DefaultProbeTimeout = 2 * time.Second

// Pinger is anything that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor checks both backing stores.
type Monitor struct {
	redis    Pinger
	database Pinger
	timeout  time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewMonitor creates a monitor. A nil pinger is always reported down.
func NewMonitor(redis, database Pinger, opts ...Option) *Monitor {
	m := &Monitor{redis: redis, database: database, timeout: DefaultProbeTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check probes both stores concurrently. It never fails; an unreachable or
// unconfigured store is reported as false.
func (m *Monitor) Check(ctx context.Context) models.HealthStatus {
	var status models.HealthStatus
	var g errgroup.Group
	g.Go(func() error {
		status.Redis = m.probe(ctx, "redis", m.redis)
		return nil
	})
	g.Go(func() error {
		status.Database = m.probe(ctx, "database", m.database)
		return nil
	})
	_ = g.Wait()
	slog.Debug("health.Monitor.Check", "redis", status.Redis, "database", status.Database)
	return status
}

func (m *Monitor) probe(ctx context.Context, name string, p Pinger) (ok bool) {
	if p == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("health.Monitor.probe: probe panicked", "service", name, "panic", r)
			ok = false
		}
	}()
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := p.Ping(probeCtx); err != nil {
		slog.Debug("health.Monitor.probe: service down", "service", name, "error", err)
		return false
	}
	return true
}
