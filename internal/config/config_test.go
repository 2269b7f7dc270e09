package config_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Dispatch.WindowSeconds != 900 {
		t.Fatalf("expected default window of 900s, got %d", cfg.Dispatch.WindowSeconds)
	}
	if cfg.Orchestrator.ReleaseIntervalSeconds != 900 {
		t.Fatalf("expected release interval to follow window size, got %d", cfg.Orchestrator.ReleaseIntervalSeconds)
	}
	if cfg.Queue.BatchSize != 10 || cfg.Queue.VisibilityTimeoutSeconds != 30 {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Provider.Backend != "twilio" {
		t.Fatalf("expected twilio backend, got %s", cfg.Provider.Backend)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DISPATCH_RATE", "25")
	t.Setenv("WINDOW_DURATION_SECONDS", "60")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("QUEUE_DRIVER", "MEMORY")
	t.Setenv("RECORDS_DRIVER", "sqlite")

	cfg, err := config.Load(config.NeedKafka)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("expected brokers %v, got %v", wantBrokers, cfg.Kafka.Brokers)
	}
	if cfg.Dispatch.Rate != 25 || cfg.Dispatch.WindowSeconds != 60 {
		t.Fatalf("unexpected dispatch config %+v", cfg.Dispatch)
	}
	if cfg.Orchestrator.ReleaseIntervalSeconds != 60 {
		t.Fatalf("expected release interval 60, got %d", cfg.Orchestrator.ReleaseIntervalSeconds)
	}
	if cfg.Queue.Driver != "memory" || cfg.Records.Driver != "sqlite" {
		t.Fatalf("expected lower-cased drivers, got %s/%s", cfg.Queue.Driver, cfg.Records.Driver)
	}
}

func TestLoadRequirements(t *testing.T) {
	_, err := config.Load(config.NeedKafka, config.NeedPostgres, config.NeedNATS, config.NeedProvider)
	if err == nil {
		t.Fatalf("expected missing requirements to fail")
	}
	for _, key := range []string{"KAFKA_BROKERS", "POSTGRES_DSN", "NATS_URL", "TWILIO_ACCOUNT_SID", "TWILIO_API_KEY", "TWILIO_API_SECRET"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to mention %s, got %v", key, err)
		}
	}
}

func TestLoadMockProviderNeedsNoCredentials(t *testing.T) {
	t.Setenv("PROVIDER_BACKEND", "mock")
	if _, err := config.Load(config.NeedProvider); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("DISPATCH_RATE", "0")
	t.Setenv("QUEUE_BATCH_SIZE", "11")
	t.Setenv("QUEUE_DRIVER", "sqs")
	t.Setenv("HOLDING_BUCKET", "a/b")
	t.Setenv("WORKER_CONCURRENCY", "many")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"DISPATCH_RATE must satisfy gt=0",
		"QUEUE_BATCH_SIZE must satisfy lte=10",
		"QUEUE_DRIVER must be one of [postgres memory]",
		"HOLDING_BUCKET contains a forbidden character",
		"WORKER_CONCURRENCY must be a valid integer",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestRequireAfterLoad(t *testing.T) {
	t.Setenv("QUEUE_DRIVER", "memory")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = cfg.Require(config.NeedKafka, config.NeedProvider)
	if err == nil || !strings.Contains(err.Error(), "KAFKA_BROKERS") || !strings.Contains(err.Error(), "TWILIO_API_KEY") {
		t.Fatalf("expected kafka and provider errors, got %v", err)
	}

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Provider.Backend = "mock"
	if err := cfg.Require(config.NeedKafka, config.NeedProvider); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsOverlappingWindows(t *testing.T) {
	t.Setenv("WINDOW_DURATION_SECONDS", "600")
	t.Setenv("RELEASE_INTERVAL_SECONDS", "0")
	t.Setenv("RELEASE_RETRY_MAX_MS", "0")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected pacing error")
	}
	for _, want := range []string{
		"RELEASE_INTERVAL_SECONDS must be at least WINDOW_DURATION_SECONDS (600)",
		"RELEASE_RETRY_MAX_MS must be set",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}

	t.Setenv("RELEASE_INTERVAL_SECONDS", "900")
	t.Setenv("RELEASE_RETRY_MAX_MS", "1000")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestrator.ReleaseIntervalSeconds != 900 {
		t.Fatalf("expected release interval 900, got %d", cfg.Orchestrator.ReleaseIntervalSeconds)
	}
}
