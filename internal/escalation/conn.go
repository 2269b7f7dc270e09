package escalation

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Connect dials the escalation bus and keeps reconnecting forever.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("escalation: nats url is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("escalation: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("escalation: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("escalation: connect %s: %w", url, err)
	}
	return nc, nil
}
