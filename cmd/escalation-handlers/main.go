package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/config"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/escalation"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.NeedNATS)
	if err != nil {
		fail("config load", err)
	}

	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel, "escalation-handlers")
	if err != nil {
		fail("logger init", err)
	}

	rules, err := escalation.LoadRules(cfg.Events.RulesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Events.RulesPath).Msg("failed to load escalation rules")
	}

	router, err := escalation.NewRouter(rules, escalation.RouterConfig{
		BusName:    cfg.Events.BusName,
		QueueGroup: cfg.Events.QueueGroup,
	}, log.With().Str("component", "router").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise escalation router")
	}

	nc, err := escalation.Connect(cfg.Events.NATSURL, "escalation-handlers", log.With().Str("component", "nats").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain nats connection")
		}
	}()

	subs, err := router.Subscribe(ctx, nc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe escalation handlers")
	}

	log.Info().
		Int("subscriptions", len(subs)).
		Int("rules", len(rules.Rules)).
		Str("bus", cfg.Events.BusName).
		Msg("escalation handlers started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("escalation handlers init failed")
}
