package models

import "time"

// EscalationDetail is the event payload for a failed send: the envelope
// fields plus the provider error code at the top level.
type EscalationDetail struct {
	ErrorCode string `json:"ErrorCode"`
	ResponseEnvelope
}

// EscalationEvent is published on the event bus for every non-success
// envelope.
type EscalationEvent struct {
	Source     string           `json:"source"`
	DetailType string           `json:"detail-type"`
	BusName    string           `json:"bus"`
	Time       time.Time        `json:"time"`
	Detail     EscalationDetail `json:"detail"`
}
