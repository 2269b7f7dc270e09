package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the dispatch pipeline. Each
// binary loads the whole struct and declares which optional backends it
// needs through Requirements.
type Config struct {
	App          AppConfig
	Dispatch     DispatchConfig
	Storage      StorageConfig
	Queue        QueueConfig
	Postgres     PostgresConfig
	Records      RecordsConfig
	Kafka        KafkaConfig
	Events       EventsConfig
	Provider     ProviderConfig
	Worker       WorkerConfig
	Orchestrator OrchestratorConfig
	Metrics      MetricsConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string `env:"APP_ENV"`
	HTTPPort int    `env:"HTTP_PORT" validate:"gte=0,lte=65535"`
	LogLevel string `env:"LOG_LEVEL"`
}

// DispatchConfig holds the rate limit and window sizing.
type DispatchConfig struct {
	Rate             int   `env:"DISPATCH_RATE" validate:"gt=0"`
	WindowSeconds    int   `env:"WINDOW_DURATION_SECONDS" validate:"gt=0"`
	Concurrency      int   `env:"DISPATCH_CONCURRENCY" validate:"gte=1"`
	ManifestMaxBytes int64 `env:"MANIFEST_MAX_BYTES" validate:"gt=0"`
}

// StorageConfig names the blob store root and buckets.
type StorageConfig struct {
	Root              string `env:"BLOB_ROOT" validate:"required"`
	SourceBucket      string `env:"SOURCE_BUCKET" validate:"required,excludesall=/\\"`
	HoldingBucket     string `env:"HOLDING_BUCKET" validate:"required,excludesall=/\\"`
	ProcessBucket     string `env:"PROCESS_BUCKET" validate:"required,excludesall=/\\"`
	DestinationBucket string `env:"DESTINATION_BUCKET" validate:"required,excludesall=/\\"`
	WatchSettleMs     int    `env:"WATCH_SETTLE_MS" validate:"gt=0"`
}

// QueueConfig configures the delay queue.
type QueueConfig struct {
	Driver                   string `env:"QUEUE_DRIVER" validate:"oneof=postgres memory"`
	Name                     string `env:"QUEUE_NAME" validate:"required"`
	VisibilityTimeoutSeconds int    `env:"QUEUE_VISIBILITY_TIMEOUT_SECONDS" validate:"gt=0"`
	BatchSize                int    `env:"QUEUE_BATCH_SIZE" validate:"gte=1,lte=10"`
	PollIntervalMs           int    `env:"QUEUE_POLL_INTERVAL_MS" validate:"gt=0"`
}

// PostgresConfig holds the shared database connection.
type PostgresConfig struct {
	DSN      string `env:"POSTGRES_DSN"`
	MaxConns int    `env:"POSTGRES_MAX_CONNS" validate:"gte=1"`
}

// RecordsConfig selects the response record store.
type RecordsConfig struct {
	Driver     string `env:"RECORDS_DRIVER" validate:"oneof=postgres sqlite"`
	Table      string `env:"RECORDS_TABLE" validate:"required"`
	SQLitePath string `env:"SQLITE_PATH"`
}

// KafkaConfig defines the notification bus.
type KafkaConfig struct {
	Brokers             []string `env:"KAFKA_BROKERS"`
	ResponseTopic       string   `env:"RESPONSE_TOPIC"`
	ClassifierGroup     string   `env:"CLASSIFIER_CONSUMER_GROUP"`
	CommitOnSuccessOnly bool     `env:"COMMIT_ON_SUCCESS_ONLY"`
}

// EventsConfig defines the escalation event bus.
type EventsConfig struct {
	NATSURL    string `env:"NATS_URL"`
	BusName    string `env:"EVENT_BUS_NAME" validate:"required,excludesall=.*> "`
	Source     string `env:"EVENT_SOURCE_NAME" validate:"required"`
	DetailType string `env:"EVENT_DETAIL_TYPE" validate:"required"`
	RulesPath  string `env:"ESCALATION_RULES_PATH"`
	QueueGroup string `env:"ESCALATION_QUEUE_GROUP"`
}

// ProviderConfig configures the messaging API client.
type ProviderConfig struct {
	Backend        string `env:"PROVIDER_BACKEND" validate:"oneof=twilio mock"`
	AccountSID     string `env:"TWILIO_ACCOUNT_SID"`
	APIKey         string `env:"TWILIO_API_KEY"`
	APISecret      string `env:"TWILIO_API_SECRET"`
	BaseURL        string `env:"TWILIO_BASE_URL" validate:"omitempty,url"`
	TimeoutSeconds int    `env:"PROVIDER_TIMEOUT_SECONDS" validate:"gt=0"`
	MockScenario   string `env:"MOCK_SCENARIO"`
}

// WorkerConfig controls the API call worker.
type WorkerConfig struct {
	Concurrency int `env:"WORKER_CONCURRENCY" validate:"gte=1"`
}

// OrchestratorConfig controls window pacing and release retries.
type OrchestratorConfig struct {
	ReleaseIntervalSeconds int `env:"RELEASE_INTERVAL_SECONDS" validate:"gte=0"`
	RetryBaseMs            int `env:"RELEASE_RETRY_BASE_MS" validate:"gte=0"`
	RetryMaxMs             int `env:"RELEASE_RETRY_MAX_MS" validate:"gte=0"`
	DrainTimeoutSeconds    int `env:"DRAIN_TIMEOUT_SECONDS" validate:"gte=0"`
}

// MetricsConfig controls periodic sampling.
type MetricsConfig struct {
	QueueDepthSchedule string `env:"QUEUE_DEPTH_SCHEDULE"`
}

// Requirement marks an optional backend as mandatory for the calling binary.
type Requirement string

const (
	NeedKafka    Requirement = "kafka"
	NeedPostgres Requirement = "postgres"
	NeedNATS     Requirement = "nats"
	NeedProvider Requirement = "provider"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Load reads environment variables (and an optional .env file), applies
// defaults, validates the result and returns a populated Config.
func Load(reqs ...Requirement) (*Config, error) {
	_ = godotenv.Load()

	need := make(map[Requirement]bool, len(reqs))
	for _, r := range reqs {
		need[r] = true
	}

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.HTTPPort = ldr.getInt("HTTP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Dispatch.Rate = ldr.getInt("DISPATCH_RATE", 1, false)
	cfg.Dispatch.WindowSeconds = ldr.getInt("WINDOW_DURATION_SECONDS", 900, false)
	cfg.Dispatch.Concurrency = ldr.getInt("DISPATCH_CONCURRENCY", 16, false)
	cfg.Dispatch.ManifestMaxBytes = int64(ldr.getInt("MANIFEST_MAX_BYTES", 64<<20, false))

	cfg.Storage.Root = ldr.getString("BLOB_ROOT", "./data", false)
	cfg.Storage.SourceBucket = ldr.getString("SOURCE_BUCKET", "source", false)
	cfg.Storage.HoldingBucket = ldr.getString("HOLDING_BUCKET", "holding", false)
	cfg.Storage.ProcessBucket = ldr.getString("PROCESS_BUCKET", "process", false)
	cfg.Storage.DestinationBucket = ldr.getString("DESTINATION_BUCKET", "destination", false)
	cfg.Storage.WatchSettleMs = ldr.getInt("WATCH_SETTLE_MS", 500, false)

	cfg.Queue.Driver = strings.ToLower(ldr.getString("QUEUE_DRIVER", "postgres", false))
	cfg.Queue.Name = ldr.getString("QUEUE_NAME", "send-queue", false)
	cfg.Queue.VisibilityTimeoutSeconds = ldr.getInt("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 30, false)
	cfg.Queue.BatchSize = ldr.getInt("QUEUE_BATCH_SIZE", 10, false)
	cfg.Queue.PollIntervalMs = ldr.getInt("QUEUE_POLL_INTERVAL_MS", 1000, false)

	cfg.Postgres.DSN = ldr.getString("POSTGRES_DSN", "", need[NeedPostgres])
	cfg.Postgres.MaxConns = ldr.getInt("POSTGRES_MAX_CONNS", 10, false)

	cfg.Records.Driver = strings.ToLower(ldr.getString("RECORDS_DRIVER", "postgres", false))
	cfg.Records.Table = ldr.getString("RECORDS_TABLE", "api_responses", false)
	cfg.Records.SQLitePath = ldr.getString("SQLITE_PATH", "./data/records.db", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", need[NeedKafka])
	cfg.Kafka.ResponseTopic = ldr.getString("RESPONSE_TOPIC", "api-responses", false)
	cfg.Kafka.ClassifierGroup = ldr.getString("CLASSIFIER_CONSUMER_GROUP", "response-classifier", false)
	cfg.Kafka.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)

	cfg.Events.NATSURL = ldr.getString("NATS_URL", "", need[NeedNATS])
	cfg.Events.BusName = ldr.getString("EVENT_BUS_NAME", "messaging-errors", false)
	cfg.Events.Source = ldr.getString("EVENT_SOURCE_NAME", "bulk-dispatch.response-classifier", false)
	cfg.Events.DetailType = ldr.getString("EVENT_DETAIL_TYPE", "MessageSendFailure", false)
	cfg.Events.RulesPath = ldr.getString("ESCALATION_RULES_PATH", "", false)
	cfg.Events.QueueGroup = ldr.getString("ESCALATION_QUEUE_GROUP", "escalation-handlers", false)

	cfg.Provider.Backend = strings.ToLower(ldr.getString("PROVIDER_BACKEND", "twilio", false))
	requireCreds := need[NeedProvider] && cfg.Provider.Backend == "twilio"
	cfg.Provider.AccountSID = ldr.getString("TWILIO_ACCOUNT_SID", "", requireCreds)
	cfg.Provider.APIKey = ldr.getString("TWILIO_API_KEY", "", requireCreds)
	cfg.Provider.APISecret = ldr.getString("TWILIO_API_SECRET", "", requireCreds)
	cfg.Provider.BaseURL = ldr.getString("TWILIO_BASE_URL", "", false)
	cfg.Provider.TimeoutSeconds = ldr.getInt("PROVIDER_TIMEOUT_SECONDS", 30, false)
	cfg.Provider.MockScenario = ldr.getString("MOCK_SCENARIO", "success", false)

	cfg.Worker.Concurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)

	cfg.Orchestrator.ReleaseIntervalSeconds = ldr.getInt("RELEASE_INTERVAL_SECONDS", cfg.Dispatch.WindowSeconds, false)
	cfg.Orchestrator.RetryBaseMs = ldr.getInt("RELEASE_RETRY_BASE_MS", 500, false)
	cfg.Orchestrator.RetryMaxMs = ldr.getInt("RELEASE_RETRY_MAX_MS", 30000, false)
	cfg.Orchestrator.DrainTimeoutSeconds = ldr.getInt("DRAIN_TIMEOUT_SECONDS", 600, false)

	cfg.Metrics.QueueDepthSchedule = ldr.getString("QUEUE_DEPTH_SCHEDULE", "@every 30s", false)

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		for _, fe := range verrs {
			ldr.addError(describe(fe))
		}
	}

	checkPacing(cfg, ldr)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Require re-checks backends that only become mandatory after the rest of
// the config is known, for example when the queue driver decides whether
// the service also runs the API call worker.
func (c *Config) Require(reqs ...Requirement) error {
	ldr := &envLoader{}
	for _, r := range reqs {
		switch r {
		case NeedPostgres:
			if c.Postgres.DSN == "" {
				ldr.addError("POSTGRES_DSN is required")
			}
		case NeedKafka:
			if len(c.Kafka.Brokers) == 0 {
				ldr.addError("KAFKA_BROKERS is required")
			}
		case NeedNATS:
			if c.Events.NATSURL == "" {
				ldr.addError("NATS_URL is required")
			}
		case NeedProvider:
			if c.Provider.Backend != "twilio" {
				continue
			}
			if c.Provider.AccountSID == "" {
				ldr.addError("TWILIO_ACCOUNT_SID is required")
			}
			if c.Provider.APIKey == "" {
				ldr.addError("TWILIO_API_KEY is required")
			}
			if c.Provider.APISecret == "" {
				ldr.addError("TWILIO_API_SECRET is required")
			}
		}
	}
	return ldr.validate()
}

// checkPacing rejects orchestrator settings that would let two windows
// overlap or let release retries back off without bound.
func checkPacing(cfg *Config, ldr *envLoader) {
	o := cfg.Orchestrator
	if cfg.Dispatch.WindowSeconds > 0 && o.ReleaseIntervalSeconds < cfg.Dispatch.WindowSeconds {
		ldr.addError(fmt.Sprintf("RELEASE_INTERVAL_SECONDS must be at least WINDOW_DURATION_SECONDS (%d)", cfg.Dispatch.WindowSeconds))
	}
	if o.RetryBaseMs > 0 && o.RetryMaxMs <= 0 {
		ldr.addError("RELEASE_RETRY_MAX_MS must be set when RELEASE_RETRY_BASE_MS is")
	}
	if o.RetryMaxMs > 0 && o.RetryMaxMs < o.RetryBaseMs {
		ldr.addError("RELEASE_RETRY_MAX_MS must not be below RELEASE_RETRY_BASE_MS")
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "excludesall":
		return fmt.Sprintf("%s contains a forbidden character", fe.Field())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag())
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	val, ok := os.LookupEnv(key)
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		if required {
			l.addError(fmt.Sprintf("%s is required", key))
		}
		return "", false
	}
	return val, true
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
