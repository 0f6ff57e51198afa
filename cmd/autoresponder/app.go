package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brechohub/autoresponder/internal/cloudapi"
	"github.com/brechohub/autoresponder/internal/genai"
	"github.com/brechohub/autoresponder/internal/health"
	"github.com/brechohub/autoresponder/internal/ingest"
	"github.com/brechohub/autoresponder/internal/lockfile"
	"github.com/brechohub/autoresponder/internal/maintenance"
	"github.com/brechohub/autoresponder/internal/messaging"
	"github.com/brechohub/autoresponder/internal/notify"
	"github.com/brechohub/autoresponder/internal/processor"
	"github.com/brechohub/autoresponder/internal/queue"
	"github.com/brechohub/autoresponder/internal/reply"
	"github.com/brechohub/autoresponder/internal/store"
	"github.com/brechohub/autoresponder/internal/tracing"
	"github.com/brechohub/autoresponder/internal/twiliowhatsapp"
	"github.com/brechohub/autoresponder/internal/whatsapp"
)

// app is the wired set of components shared by the subcommands.
type app struct {
	cfg Config

	store      *store.SQLStore
	queue      *queue.RedisQueue
	health     *health.Monitor
	notifier   *notify.Publisher
	replies    *reply.Service
	dispatcher *messaging.Dispatcher
	processor  *processor.Processor
	sweeper    *maintenance.Sweeper
	ingestor   *ingest.Ingestor

	// waClient is set only for the whatsmeow provider.
	waClient *whatsapp.Client
	lock     *lockfile.Lock

	shutdownTracing tracing.ShutdownFunc
}

// newApp builds every component. withSender controls whether an outbound
// WhatsApp transport is opened; commands that never send skip it.
func newApp(ctx context.Context, cfg Config, owner string, withSender bool) (*app, error) {
	if err := ensureDirectoriesExist(cfg); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	shutdown, err := tracing.Setup(ctx, buildTracingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("tracing setup failed: %w", err)
	}
	a.shutdownTracing = shutdown

	a.store, err = store.NewSQLStore(buildStoreOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	a.queue, err = queue.New(buildQueueOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to configure redis queue: %w", err)
	}

	a.health = health.NewMonitor(a.queue, a.store)

	a.notifier, err = notify.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		// Notifications are optional.
		slog.Warn("newApp: failure notifications disabled", "error", err)
		a.notifier, _ = notify.NewPublisher("", cfg.RabbitQueue)
	}

	replyOpts, err := buildReplyOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.replies = reply.NewService(a.store, replyOpts...)

	a.sweeper = maintenance.NewSweeper(a.store,
		maintenance.WithRetention(cfg.Retention),
		maintenance.WithStaleClaimAge(cfg.StaleClaimAge))
	a.ingestor = ingest.NewIngestor(a.store, a.queue)

	var sender messaging.Sender = unavailableSender{provider: cfg.Provider}
	if withSender {
		sender, err = a.buildSender(ctx, owner)
		if err != nil {
			return nil, err
		}
	}
	a.dispatcher = messaging.NewDispatcher(sender,
		messaging.WithProvider(cfg.Provider),
		messaging.WithRateLimit(cfg.OutboundRate, cfg.OutboundBurst),
		messaging.WithRecorder(a.store))

	a.processor = processor.New(a.queue, a.store, a.health, a.replies, a.dispatcher, buildProcessorOptions(cfg, a.notifier)...)

	ok = true
	return a, nil
}

// buildSender opens the configured outbound transport.
func (a *app) buildSender(ctx context.Context, owner string) (messaging.Sender, error) {
	cfg := a.cfg
	switch cfg.Provider {
	case ProviderCloudAPI:
		client, err := cloudapi.NewClient(buildCloudAPIOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create cloud api client: %w", err)
		}
		return client, nil
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		return client, nil
	case ProviderWhatsmeow:
		// A whatsmeow session cannot be shared between processes.
		lock, err := lockfile.AcquireLock(cfg.StateDir, owner)
		if err != nil {
			return nil, err
		}
		a.lock = lock
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		a.waClient = client
		return client, nil
	case ProviderMock:
		slog.Warn("newApp: using mock WhatsApp sender, replies are not delivered")
		return whatsapp.NewMockClient(), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

// Close releases every resource held by the app.
func (a *app) Close() error {
	var errs []error
	if a.waClient != nil {
		a.waClient.Disconnect()
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(context.Background()))
	}
	return errors.Join(errs...)
}

// unavailableSender stands in for the transport in commands that never dispatch.
type unavailableSender struct {
	provider string
}

func (s unavailableSender) SendMessage(ctx context.Context, to, body string) error {
	return fmt.Errorf("%s sender is not open in this command", s.provider)
}

// buildStoreOptions constructs ledger configuration options
func buildStoreOptions(cfg Config) []store.Option {
	var opts []store.Option
	if cfg.DatabaseURL != "" {
		slog.Debug("Configuring ledger", "driver", store.DetectDSNType(cfg.DatabaseURL))
		opts = append(opts, store.WithDSN(cfg.DatabaseURL))
	}
	return opts
}

// buildQueueOptions constructs Redis queue configuration options
func buildQueueOptions(cfg Config) []queue.Option {
	var opts []queue.Option
	if cfg.RedisURL != "" {
		opts = append(opts, queue.WithURL(cfg.RedisURL))
	}
	if cfg.RedisNamespace != "" {
		opts = append(opts, queue.WithNamespace(cfg.RedisNamespace))
	}
	if cfg.FullPreviews {
		opts = append(opts, queue.WithFullPreviews())
	}
	return opts
}

// buildReplyOptions attaches the OpenAI completer when a key is configured.
func buildReplyOptions(cfg Config) ([]reply.Option, error) {
	if cfg.OpenAIKey == "" {
		slog.Info("OPENAI_API_KEY not set, replies use partner templates only")
		return nil, nil
	}
	client, err := genai.NewClient(buildGenAIOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return []reply.Option{reply.WithCompleter(client)}, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg Config) []genai.Option {
	var opts []genai.Option
	if cfg.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	return opts
}

// buildCloudAPIOptions constructs WhatsApp Cloud API options
func buildCloudAPIOptions(cfg Config) []cloudapi.Option {
	opts := []cloudapi.Option{
		cloudapi.WithAccessToken(cfg.CloudToken),
		cloudapi.WithPhoneNumberID(cfg.CloudPhoneID),
		cloudapi.WithTimeout(cfg.JobTimeout),
	}
	if cfg.CloudBaseURL != "" {
		opts = append(opts, cloudapi.WithBaseURL(cfg.CloudBaseURL))
	}
	if cfg.CloudAPIVersion != "" {
		opts = append(opts, cloudapi.WithAPIVersion(cfg.CloudAPIVersion))
	}
	return opts
}

// buildTwilioOptions constructs Twilio options. Unset values fall back to the
// TWILIO_* environment inside the client.
func buildTwilioOptions(cfg Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if cfg.TwilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(cfg.TwilioSID))
	}
	if cfg.TwilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(cfg.TwilioToken))
	}
	if cfg.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(cfg.TwilioFrom))
	}
	if cfg.TwilioService != "" {
		opts = append(opts, twiliowhatsapp.WithMessagingServiceSID(cfg.TwilioService))
	}
	if cfg.TwilioCallback != "" {
		opts = append(opts, twiliowhatsapp.WithStatusCallback(cfg.TwilioCallback))
	}
	return opts
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	var opts []whatsapp.Option
	if cfg.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
	}
	if cfg.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	if cfg.WhatsAppDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(cfg.WhatsAppDSN))
	}
	return opts
}

// buildProcessorOptions constructs processor options
func buildProcessorOptions(cfg Config, notifier processor.FailureNotifier) []processor.Option {
	opts := []processor.Option{
		processor.WithBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
		processor.WithJobTimeout(cfg.JobTimeout),
		processor.WithTracer(tracing.Tracer()),
	}
	if notifier != nil {
		opts = append(opts, processor.WithNotifier(notifier))
	}
	return opts
}

// buildTracingConfig maps OTEL_* settings onto the exporter config.
func buildTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		Protocol:    cfg.OTelProtocol,
		Insecure:    cfg.OTelInsecure,
		ServiceName: "autoresponder",
		Headers:     tracing.ParseHeaders(cfg.OTelHeaders),
	}
}
