// Package api exposes the processor, health and maintenance over HTTP.
//
// Routing uses gorilla/mux; every route passes through an alice chain that
// recovers panics and logs the request.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
	"github.com/brechohub/autoresponder/internal/queue"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 30 * time.Second

// Processor runs one drain cycle.
type Processor interface {
	ProcessAllPending(ctx context.Context) models.ProcessingResult
}

// HealthChecker reports backend liveness.
type HealthChecker interface {
	Check(ctx context.Context) models.HealthStatus
}

// QueueInspector gives read-only access to the queue lists.
type QueueInspector interface {
	Inspect(ctx context.Context, sampleSize int) (queue.Inspection, error)
}

// Maintenance runs the daily housekeeping tasks.
type Maintenance interface {
	RunDaily(ctx context.Context) []models.TaskReport
}

// Ingestor records inbound messages.
type Ingestor interface {
	Ingest(ctx context.Context, msg models.InboundMessage) (bool, error)
}

// Opts holds server configuration.
type Opts struct {
	Addr       string
	JobsSecret string
	CronSecret string
	Ingestor   Ingestor
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithJobsSecret requires a bearer token on the job and debug endpoints.
func WithJobsSecret(secret string) Option {
	return func(o *Opts) { o.JobsSecret = secret }
}

// WithCronSecret requires a bearer token on the cron endpoint.
func WithCronSecret(secret string) Option {
	return func(o *Opts) { o.CronSecret = secret }
}

// WithIngestor enables POST /messages/inbound.
func WithIngestor(in Ingestor) Option {
	return func(o *Opts) { o.Ingestor = in }
}

// Server is the HTTP trigger layer.
type Server struct {
	processor   Processor
	health      HealthChecker
	inspector   QueueInspector
	maintenance Maintenance
	opts        Opts
	router      *mux.Router
	now         func() time.Time
}

// NewServer creates a server and registers its routes.
func NewServer(processor Processor, health HealthChecker, inspector QueueInspector, maintenance Maintenance, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		processor:   processor,
		health:      health,
		inspector:   inspector,
		maintenance: maintenance,
		opts:        o,
		router:      mux.NewRouter(),
		now:         time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	base := alice.New(s.recoverPanics, s.logRequests)
	jobs := base.Append(s.requireBearer("jobs", s.opts.JobsSecret))
	cron := base.Append(s.requireBearer("cron", s.opts.CronSecret))

	s.router.Handle("/jobs/whatsapp-autoresponse", jobs.Then(s.handleProcess())).Methods(http.MethodPost)
	s.router.Handle("/jobs/health", base.Then(s.handleHealth())).Methods(http.MethodGet)
	s.router.Handle("/jobs/redis-debug", jobs.Then(s.handleRedisDebug())).Methods(http.MethodGet)
	s.router.Handle("/cron", cron.Then(s.handleCron())).Methods(http.MethodGet)
	if s.opts.Ingestor != nil {
		s.router.Handle("/messages/inbound", jobs.Then(s.handleInbound())).Methods(http.MethodPost)
	}

	s.router.NotFoundHandler = base.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	})
	s.router.MethodNotAllowedHandler = base.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully so that a run
// triggered over HTTP can finish.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
