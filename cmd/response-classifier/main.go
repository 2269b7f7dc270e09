package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/archive"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/classifier"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/config"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/database"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/escalation"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/kafka/consumer"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/logger"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/metrics"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/records"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.NeedKafka, config.NeedNATS)
	if err != nil {
		fail("config load", err)
	}
	if cfg.Records.Driver == "postgres" {
		if err := cfg.Require(config.NeedPostgres); err != nil {
			fail("config requirements", err)
		}
	}

	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel, "response-classifier")
	if err != nil {
		fail("logger init", err)
	}

	var store classifier.RecordStore
	switch cfg.Records.Driver {
	case "sqlite":
		lite, err := records.OpenSQLite(ctx, cfg.Records.SQLitePath, cfg.Records.Table, log.With().Str("component", "records").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open sqlite record store")
		}
		defer func() {
			if err := lite.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close sqlite record store")
			}
		}()
		store = lite
	default:
		pool, err := database.NewPool(ctx, cfg.Postgres.DSN, database.PoolConfig{MaxConns: int32(cfg.Postgres.MaxConns)})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		pg, err := records.NewPostgres(pool, cfg.Records.Table, log.With().Str("component", "records").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise record store")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to create record table")
		}
		store = pg
	}

	blobs, err := blobstore.NewFS(cfg.Storage.Root, log.With().Str("component", "blobstore").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open blob store")
	}
	archiver, err := archive.New(blobs, cfg.Storage.DestinationBucket, log.With().Str("component", "archive").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise archiver")
	}

	nc, err := escalation.Connect(cfg.Events.NATSURL, "response-classifier", log.With().Str("component", "nats").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()

	escalator, err := escalation.NewPublisher(nc, escalation.EventConfig{
		BusName:    cfg.Events.BusName,
		Source:     cfg.Events.Source,
		DetailType: cfg.Events.DetailType,
	}, log.With().Str("component", "escalation").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise escalation publisher")
	}

	cls, err := classifier.New(classifier.Dependencies{
		Records:   store,
		Archive:   archiver,
		Escalator: escalator,
		Logger:    log.With().Str("component", "classifier").Logger(),
		Now:       time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise classifier")
	}

	cons, err := consumer.New(consumer.Config{
		Brokers:             cfg.Kafka.Brokers,
		GroupID:             cfg.Kafka.ClassifierGroup,
		CommitOnSuccessOnly: cfg.Kafka.CommitOnSuccessOnly,
		OnSkip: func(rec *consumer.Record, err error) {
			metrics.BusRecordsSkipped.WithLabelValues(rec.Topic).Inc()
		},
	}, log.With().Str("component", "consumer").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Consume(ctx, []string{cfg.Kafka.ResponseTopic}, cls.KafkaHandler()); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("response_topic", cfg.Kafka.ResponseTopic).
		Str("records_driver", cfg.Records.Driver).
		Str("bus", cfg.Events.BusName).
		Msg("response classifier started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("response classifier init failed")
}
