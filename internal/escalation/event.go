// Package escalation turns failed envelopes into events on the escalation
// bus and routes those events to per-code handlers.
package escalation

import (
	"strings"
	"time"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// Header names carried on every escalation message.
const (
	HeaderSource     = "Source"
	HeaderDetailType = "Detail-Type"
)

// EventConfig names the bus and the event envelope fields.
type EventConfig struct {
	BusName    string
	Source     string
	DetailType string
}

// NewEvent wraps env in an escalation event.
func NewEvent(env models.ResponseEnvelope, cfg EventConfig, now time.Time) models.EscalationEvent {
	return models.EscalationEvent{
		Source:     cfg.Source,
		DetailType: cfg.DetailType,
		BusName:    cfg.BusName,
		Time:       now.UTC(),
		Detail: models.EscalationDetail{
			ErrorCode:        env.ErrorCode(),
			ResponseEnvelope: env,
		},
	}
}

// Subject is the bus subject an event with code is published on.
func Subject(bus, code string) string {
	return bus + "." + subjectToken(code)
}

// subjectToken keeps a code from spilling into extra subject tokens or
// wildcards.
func subjectToken(code string) string {
	if code == "" {
		return models.CodeUnknown
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, code)
}
