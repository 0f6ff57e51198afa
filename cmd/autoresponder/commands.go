package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brechohub/autoresponder/internal/api"
	"github.com/brechohub/autoresponder/internal/ingest"
	"github.com/brechohub/autoresponder/internal/maintenance"
	"github.com/brechohub/autoresponder/internal/processor"
	"github.com/brechohub/autoresponder/internal/recovery"
	"github.com/brechohub/autoresponder/internal/scheduler"
	"github.com/brechohub/autoresponder/internal/store"
	"github.com/spf13/cobra"
)

// maintenanceTask is the scheduler entry for the daily sweep.
const maintenanceTask = "daily-maintenance"

func rootCmd() *cobra.Command {
	cfg := loadEnvironmentConfig()

	root := &cobra.Command{
		Use:           "autoresponder",
		Short:         "WhatsApp auto-response queue processor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initializeLogger(cfg.LogLevel, cfg.LogFormat)
			cfg.resolveDefaults()
			slog.Debug("Final configuration", "state_dir", cfg.StateDir, "db_driver", store.DetectDSNType(cfg.DatabaseURL),
				"redis_set", cfg.RedisURL != "", "provider", cfg.Provider, "api_addr", cfg.APIAddr)
			return cfg.validate()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	flags.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for local data (overrides $STATE_DIR)")
	flags.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "ledger database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)")
	flags.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the fast queue (overrides $REDIS_URL)")
	flags.StringVar(&cfg.Provider, "provider", cfg.Provider, "outbound provider: cloudapi, twilio, whatsmeow or mock (overrides $WHATSAPP_PROVIDER)")
	flags.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	flags.StringVar(&cfg.QROutput, "qr-output", "", "path to write the whatsmeow login QR code")
	flags.BoolVar(&cfg.NumericCode, "numeric-code", false, "print the whatsmeow pairing code instead of a QR code")

	root.AddCommand(
		serveCmd(&cfg),
		processCmd(&cfg),
		sweepCmd(&cfg),
		healthCmd(&cfg),
		migrateCmd(&cfg),
	)
	return root
}

func serveCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job endpoints, the scheduler and the optional processor loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	cmd.Flags().DurationVar(&cfg.ProcessorInterval, "interval", cfg.ProcessorInterval, "drain the queue on this interval, 0 leaves draining to the HTTP trigger (overrides $PROCESSOR_INTERVAL)")
	cmd.Flags().StringVar(&cfg.MaintenanceCron, "maintenance-cron", cfg.MaintenanceCron, "cron expression for daily maintenance, empty disables it (overrides $MAINTENANCE_CRON)")
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	a, err := newApp(ctx, cfg, "serve", true)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := processor.NewRunner(a.processor, a.store, cfg.ProcessorInterval)
	runner.SetStaleClaimAge(cfg.StaleClaimAge)

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.Func(maintenance.TaskReleaseStaleClaims, runner.RecoverStaleClaims))
	rm.RegisterRecoverable(recovery.Func(maintenance.TaskResetStale, func(ctx context.Context) error {
		_, err := a.sweeper.Sweep(ctx, 0)
		return err
	}))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("serve: startup recovery incomplete", "error", err)
	}
	if cfg.ProcessorInterval > 0 {
		runCtx, stopRunner := context.WithCancel(ctx)
		go runner.Run(runCtx)
		// Runs before a.Close so in-flight jobs settle against an open store.
		defer func() {
			stopRunner()
			<-runner.Done()
			slog.Info("serve: processor runner stopped")
		}()
	} else {
		slog.Info("serve: PROCESSOR_INTERVAL not set, runs are triggered over HTTP only")
	}

	sched := scheduler.NewScheduler()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
	}()
	if cfg.MaintenanceCron != "" {
		if err := sched.AddJob(maintenanceTask, cfg.MaintenanceCron, func() {
			reports := a.sweeper.RunDaily(ctx)
			if !maintenance.AllOK(reports) {
				slog.Error("serve: scheduled maintenance reported failures", "reports", reports)
			}
		}); err != nil {
			return err
		}
	}

	if a.waClient != nil {
		if cfg.WhatsAppPartner != "" {
			a.waClient.OnText(a.ingestor.WhatsAppHandler(ctx, cfg.WhatsAppPartner))
		} else {
			slog.Warn("serve: WHATSAPP_PARTNER_ID not set, inbound whatsmeow messages are ignored")
		}
	}

	server := api.NewServer(a.processor, a.health, a.queue, a.sweeper, buildAPIOptions(cfg, a.ingestor)...)
	return server.Run(ctx)
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg Config, ingestor *ingest.Ingestor) []api.Option {
	var opts []api.Option
	if cfg.APIAddr != "" {
		opts = append(opts, api.WithAddr(cfg.APIAddr))
	}
	if cfg.JobsSecret != "" {
		opts = append(opts, api.WithJobsSecret(cfg.JobsSecret))
	} else {
		slog.Warn("JOBS_SECRET not set, job endpoints are unauthenticated")
	}
	if cfg.CronSecret != "" {
		opts = append(opts, api.WithCronSecret(cfg.CronSecret))
	} else {
		slog.Warn("CRON_SECRET not set, /cron is unauthenticated")
	}
	if ingestor != nil {
		opts = append(opts, api.WithIngestor(ingestor))
	}
	return opts
}

func processCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Drain the auto-response queue once and print the run summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, *cfg, "process", true)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.processor.ProcessAllPending(ctx)
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("processing failed: %s", result.Details.Error)
			}
			return nil
		},
	}
}

func sweepCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the daily maintenance tasks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfg, "sweep", false)
			if err != nil {
				return err
			}
			defer a.Close()

			reports := a.sweeper.RunDaily(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if !maintenance.AllOK(reports) {
				return errors.New("one or more maintenance tasks failed")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&cfg.Retention, "retention", cfg.Retention, "cooldown before failed replies are retried (overrides $AUTO_RESPONSE_RETENTION)")
	return cmd
}

func healthCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe Redis and the ledger database",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfg, "health", false)
			if err != nil {
				return err
			}
			defer a.Close()

			status := a.health.Check(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if !status.Redis && !status.Database {
				return processor.ErrServicesUnavailable
			}
			return nil
		},
	}
}

func migrateCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDirectoriesExist(*cfg); err != nil {
				return fmt.Errorf("failed to create state directory: %w", err)
			}
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			return printVersion(cmd.OutOrStdout(), cfg.DatabaseURL)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive, got %d", steps)
			}
			if err := store.MigrateDown(cfg.DatabaseURL, steps); err != nil {
				return err
			}
			return printVersion(cmd.OutOrStdout(), cfg.DatabaseURL)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(cmd.OutOrStdout(), cfg.DatabaseURL)
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func printVersion(w io.Writer, dsn string) error {
	v, dirty, err := store.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]any{"version": v, "dirty": dirty})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
