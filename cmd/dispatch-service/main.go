package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/caller"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/config"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/database"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/dispatcher"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/httpapi"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/ingest"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/kafka/producer"
	kafkapublisher "github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/kafka/publisher"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/logger"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/metrics"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/orchestrator"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/providers/twilio"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/queue"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/windowstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}
	// The memory queue lives in this process, so the API call worker has to
	// run here as well.
	inProcessWorker := cfg.Queue.Driver == "memory"
	if inProcessWorker {
		err = cfg.Require(config.NeedKafka, config.NeedProvider)
	} else {
		err = cfg.Require(config.NeedPostgres)
	}
	if err != nil {
		fail("config requirements", err)
	}

	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel, "dispatch-service")
	if err != nil {
		fail("logger init", err)
	}

	blobs, err := blobstore.NewFS(cfg.Storage.Root, log.With().Str("component", "blobstore").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open blob store")
	}
	for _, b := range []string{cfg.Storage.SourceBucket, cfg.Storage.HoldingBucket, cfg.Storage.ProcessBucket} {
		if err := blobs.EnsureBucket(b); err != nil {
			log.Fatal().Err(err).Str("bucket", b).Msg("failed to create bucket")
		}
	}

	var (
		q      queue.Queue
		health func(context.Context) error
	)
	if inProcessWorker {
		q = queue.NewMemory(time.Now)
	} else {
		pool, err := database.NewPool(ctx, cfg.Postgres.DSN, database.PoolConfig{MaxConns: int32(cfg.Postgres.MaxConns)})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		pq, err := queue.NewPostgres(pool, cfg.Queue.Name, log.With().Str("component", "queue").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise queue")
		}
		if err := pq.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to create queue schema")
		}
		q = pq
		health = pool.Ping
	}

	windows, err := windowstore.New(blobs, cfg.Storage.HoldingBucket, log.With().Str("component", "windowstore").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise window store")
	}

	disp, err := dispatcher.New(dispatcher.Config{
		ProcessBucket: cfg.Storage.ProcessBucket,
		Concurrency:   cfg.Dispatch.Concurrency,
	}, dispatcher.Dependencies{
		Blobs:  blobs,
		Queue:  q,
		Logger: log.With().Str("component", "dispatcher").Logger(),
		Now:    time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dispatcher")
	}

	runner, err := orchestrator.New(orchestrator.Config{
		HoldingBucket:   cfg.Storage.HoldingBucket,
		ProcessBucket:   cfg.Storage.ProcessBucket,
		ReleaseInterval: time.Duration(cfg.Orchestrator.ReleaseIntervalSeconds) * time.Second,
		RetryBase:       time.Duration(cfg.Orchestrator.RetryBaseMs) * time.Millisecond,
		RetryMax:        time.Duration(cfg.Orchestrator.RetryMaxMs) * time.Millisecond,
		DrainTimeout:    time.Duration(cfg.Orchestrator.DrainTimeoutSeconds) * time.Second,
	}, orchestrator.Dependencies{
		Copier: blobs,
		Drains: disp.Tracker(),
		Store:  orchestrator.NewBlobExecutionStore(blobs, cfg.Storage.HoldingBucket),
		Logger: log.With().Str("component", "orchestrator").Logger(),
		Now:    time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise orchestrator")
	}

	ingestSvc, err := ingest.New(ingest.Config{
		SourceBucket:  cfg.Storage.SourceBucket,
		Rate:          cfg.Dispatch.Rate,
		WindowSeconds: cfg.Dispatch.WindowSeconds,
		MaxBytes:      cfg.Dispatch.ManifestMaxBytes,
	}, ingest.Dependencies{
		Blobs:      blobs,
		Windows:    windows,
		Executions: runner,
		Logger:     log.With().Str("component", "ingest").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise ingest")
	}

	settle := blobstore.WithSettle(time.Duration(cfg.Storage.WatchSettleMs) * time.Millisecond)
	sourceWatcher, err := blobstore.NewWatcher(blobs, cfg.Storage.SourceBucket, ingestSvc.HandleObject, log.With().Str("component", "source-watcher").Logger(), settle)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to watch source bucket")
	}
	processWatcher, err := blobstore.NewWatcher(blobs, cfg.Storage.ProcessBucket, disp.HandleObject, log.With().Str("component", "process-watcher").Logger(), settle)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to watch process bucket")
	}

	var worker *caller.Worker
	if inProcessWorker {
		var prod *producer.Producer
		worker, prod = buildWorker(cfg, q, *log)
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()
		health = prod.Check
	}

	router, err := httpapi.NewRouter(httpapi.Config{
		SourceBucket: cfg.Storage.SourceBucket,
		MaxBytes:     cfg.Dispatch.ManifestMaxBytes,
	}, httpapi.Dependencies{
		Blobs:      blobs,
		Executions: runner,
		Health:     health,
		Logger:     log.With().Str("component", "http").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise http api")
	}
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := metrics.NewScheduler(log.With().Str("component", "scheduler").Logger())
	if err := scheduler.Every(cfg.Metrics.QueueDepthSchedule, "queue-depth", metrics.SampleQueueDepth(q)); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule queue depth sampling")
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sourceWatcher.Run(gctx) })
	g.Go(func() error { return processWatcher.Run(gctx) })
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	}

	resumed, err := runner.Resume(gctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to resume executions")
	}

	log.Info().
		Int("resumed", resumed).
		Str("queue_driver", cfg.Queue.Driver).
		Int("http_port", cfg.App.HTTPPort).
		Int("rate", cfg.Dispatch.Rate).
		Msg("dispatch service started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("dispatch service terminated with error")
	}
	log.Info().Msg("waiting for running executions to checkpoint")
	runner.Wait()
}

func buildWorker(cfg *config.Config, q queue.Queue, log zerolog.Logger) (*caller.Worker, *producer.Producer) {
	prod, err := producer.New(cfg.Kafka.Brokers, cfg.Kafka.ResponseTopic, log.With().Str("component", "kafka").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	envelopes := kafkapublisher.NewEnvelopePublisher(prod, log.With().Str("component", "envelope-publisher").Logger())
	if envelopes == nil {
		log.Fatal().Msg("failed to create envelope publisher")
	}
	provider, err := twilio.New(cfg.Provider, log.With().Str("component", "provider").Str("backend", cfg.Provider.Backend).Logger())
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
		Logger:    log.With().Str("component", "api-call-worker").Logger(),
		Now:       time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise api call worker")
	}
	return worker, prod
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("dispatch service init failed")
}
