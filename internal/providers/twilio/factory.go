package twilio

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/config"
)

// New constructs the configured provider backend.
func New(cfg config.ProviderConfig, logger zerolog.Logger) (Provider, error) {
	backend := normalize(cfg.Backend, "twilio")
	switch backend {
	case "twilio":
		client, err := NewClient(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("twilio factory: client init: %w", err)
		}
		logger.Info().
			Str("backend", "twilio").
			Msg("messaging provider initialised")
		return client, nil
	case "mock":
		mock := NewMockClient(logger,
			WithScenario(Scenario(normalize(cfg.MockScenario, string(ScenarioSuccess)))),
			WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second),
		)
		logger.Info().
			Str("backend", "mock").
			Str("scenario", string(mock.defaultScenario)).
			Msg("messaging provider initialised")
		return mock, nil
	default:
		return nil, fmt.Errorf("twilio factory: unsupported provider backend %q", cfg.Backend)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
