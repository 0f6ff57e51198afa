package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brechohub/autoresponder/internal/maintenance"
	"github.com/brechohub/autoresponder/internal/processor"
	"github.com/brechohub/autoresponder/internal/queue"
	"github.com/brechohub/autoresponder/internal/scheduler"
	"github.com/brechohub/autoresponder/internal/store"
	"github.com/brechohub/autoresponder/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir holds the SQLite ledger, the whatsmeow session and the lock file.
	DefaultStateDir = "/var/lib/autoresponder"
	// DefaultDBFileName is the SQLite ledger used when DATABASE_URL is unset.
	DefaultDBFileName = "autoresponder.db"
	// DefaultWhatsAppDBFileName is the whatsmeow session store used when WHATSAPP_DB_DSN is unset.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Outbound providers
const (
	ProviderCloudAPI  = "cloudapi"
	ProviderTwilio    = "twilio"
	ProviderWhatsmeow = "whatsmeow"
	ProviderMock      = "mock"
)

// Config holds environment configuration. Command line flags override it.
type Config struct {
	LogLevel  string
	LogFormat string

	StateDir    string
	DatabaseURL string

	RedisURL       string
	RedisNamespace string
	FullPreviews   bool

	APIAddr    string
	JobsSecret string
	CronSecret string

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	Provider        string
	CloudToken      string
	CloudPhoneID    string
	CloudBaseURL    string
	CloudAPIVersion string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	TwilioService   string
	TwilioCallback  string
	WhatsAppDSN     string
	WhatsAppPartner string
	QROutput        string
	NumericCode     bool

	BatchSize         int
	Workers           int
	JobTimeout        time.Duration
	OutboundRate      float64
	OutboundBurst     int
	ProcessorInterval time.Duration
	MaintenanceCron   string
	Retention         time.Duration
	StaleClaimAge     time.Duration

	RabbitURL   string
	RabbitQueue string

	OTelEnabled  bool
	OTelEndpoint string
	OTelProtocol string
	OTelInsecure bool
	OTelHeaders  string
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:  util.StringEnv("LOG_LEVEL", "info"),
		LogFormat: util.StringEnv("LOG_FORMAT", "text"),

		StateDir:    util.StringEnv("STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisURL:       os.Getenv("REDIS_URL"),
		RedisNamespace: util.StringEnv("REDIS_NAMESPACE", queue.DefaultNamespace),
		FullPreviews:   util.ParseBoolEnv("DEBUG_FULL_PREVIEWS", false),

		APIAddr:    util.StringEnv("API_ADDR", ":8080"),
		JobsSecret: os.Getenv("JOBS_SECRET"),
		CronSecret: os.Getenv("CRON_SECRET"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		Provider:        strings.ToLower(util.StringEnv("WHATSAPP_PROVIDER", ProviderCloudAPI)),
		CloudToken:      os.Getenv("WHATSAPP_CLOUD_TOKEN"),
		CloudPhoneID:    os.Getenv("WHATSAPP_CLOUD_PHONE_ID"),
		CloudBaseURL:    os.Getenv("WHATSAPP_CLOUD_BASE_URL"),
		CloudAPIVersion: os.Getenv("WHATSAPP_CLOUD_API_VERSION"),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioService:   os.Getenv("TWILIO_MESSAGING_SERVICE_SID"),
		TwilioCallback:  os.Getenv("TWILIO_STATUS_CALLBACK_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		WhatsAppPartner: os.Getenv("WHATSAPP_PARTNER_ID"),

		BatchSize:         util.ParseIntEnv("BATCH_SIZE", processor.DefaultBatchSize),
		Workers:           util.ParseIntEnv("WORKERS", processor.DefaultWorkers),
		JobTimeout:        util.ParseDurationEnv("JOB_TIMEOUT", processor.DefaultJobTimeout),
		OutboundRate:      util.ParseFloatEnv("OUTBOUND_RATE_PER_SEC", 10),
		OutboundBurst:     util.ParseIntEnv("OUTBOUND_BURST", 5),
		ProcessorInterval: util.ParseDurationEnv("PROCESSOR_INTERVAL", 0),
		MaintenanceCron:   util.StringEnv("MAINTENANCE_CRON", scheduler.DefaultMaintenanceCron),
		Retention:         util.ParseDurationEnv("AUTO_RESPONSE_RETENTION", maintenance.DefaultRetention),
		StaleClaimAge:     util.ParseDurationEnv("STALE_CLAIM_AGE", maintenance.DefaultStaleClaimAge),

		RabbitURL:   os.Getenv("RABBITMQ_URL"),
		RabbitQueue: os.Getenv("RABBITMQ_FAILED_QUEUE"),

		OTelEnabled:  util.ParseBoolEnv("OTEL_ENABLED", false),
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelProtocol: util.StringEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
		OTelInsecure: util.ParseBoolEnv("OTEL_INSECURE", false),
		OTelHeaders:  os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
	}

	slog.Debug("environment variables loaded",
		"STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"JOBS_SECRET_SET", config.JobsSecret != "",
		"CRON_SECRET_SET", config.CronSecret != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"WHATSAPP_PROVIDER", config.Provider,
		"RABBITMQ_URL_SET", config.RabbitURL != "",
		"OTEL_ENABLED", config.OTelEnabled)
	return config
}

// resolveDefaults fills values derived from other settings. It runs after flags are parsed.
func (c *Config) resolveDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", c.DatabaseURL)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
}

// validate checks settings that would otherwise fail deep inside a component.
func (c *Config) validate() error {
	switch c.Provider {
	case ProviderCloudAPI, ProviderTwilio, ProviderWhatsmeow, ProviderMock:
	default:
		return fmt.Errorf("unknown WHATSAPP_PROVIDER %q (want %s, %s, %s or %s)",
			c.Provider, ProviderCloudAPI, ProviderTwilio, ProviderWhatsmeow, ProviderMock)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive, got %s", c.JobTimeout)
	}
	if c.ProcessorInterval < 0 {
		return fmt.Errorf("PROCESSOR_INTERVAL cannot be negative, got %s", c.ProcessorInterval)
	}
	return nil
}

// ensureDirectoriesExist creates the state directory when any file-based store lives in it.
func ensureDirectoriesExist(c Config) error {
	if store.DetectDSNType(c.DatabaseURL) == store.DriverPostgres && c.Provider != ProviderWhatsmeow {
		return nil
	}
	slog.Debug("Creating state directory", "state_dir", c.StateDir)
	if err := os.MkdirAll(c.StateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", c.StateDir)
		return err
	}
	if store.DetectDSNType(c.DatabaseURL) == store.DriverSQLite && !strings.HasPrefix(c.DatabaseURL, "file:") {
		if err := os.MkdirAll(filepath.Dir(c.DatabaseURL), 0755); err != nil {
			return err
		}
	}
	return nil
}
