package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/caller"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/config"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/database"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/kafka/producer"
	kafkapublisher "github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/kafka/publisher"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/logger"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/providers/twilio"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.NeedKafka, config.NeedPostgres, config.NeedProvider)
	if err != nil {
		fail("config load", err)
	}
	if cfg.Queue.Driver != "postgres" {
		fail("config load", errors.New("api-call-worker needs QUEUE_DRIVER=postgres; the memory queue runs inside dispatch-service"))
	}

	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel, "api-call-worker")
	if err != nil {
		fail("logger init", err)
	}

	pool, err := database.NewPool(ctx, cfg.Postgres.DSN, database.PoolConfig{MaxConns: int32(cfg.Postgres.MaxConns)})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	q, err := queue.NewPostgres(pool, cfg.Queue.Name, log.With().Str("component", "queue").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise queue")
	}
	if err := q.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create queue schema")
	}

	prod, err := producer.New(cfg.Kafka.Brokers, cfg.Kafka.ResponseTopic, log.With().Str("component", "kafka").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}()

	envelopes := kafkapublisher.NewEnvelopePublisher(prod, log.With().Str("component", "envelope-publisher").Logger())
	if envelopes == nil {
		log.Fatal().Msg("failed to create envelope publisher")
	}

	provider, err := twilio.New(cfg.Provider, log.With().
		Str("component", "provider").
		Str("backend", cfg.Provider.Backend).
		Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise provider")
	}

	worker, err := caller.New(caller.Config{
		BatchSize:         cfg.Queue.BatchSize,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeoutSeconds) * time.Second,
		PollInterval:      time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		Concurrency:       cfg.Worker.Concurrency,
	}, caller.Dependencies{
		Queue:     q,
		Provider:  provider,
		Publisher: envelopes,
		Logger:    log.With().Str("component", "caller").Logger(),
		Now:       time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise api call worker")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("queue", cfg.Queue.Name).
		Str("response_topic", cfg.Kafka.ResponseTopic).
		Msg("api call worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("api call worker terminated with error")
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("api call worker init failed")
}
