package models

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusCreated is the provider status for an accepted message.
const StatusCreated = http.StatusCreated

// StatusTransportFailure is recorded when no HTTP response was received.
const StatusTransportFailure = 599

// Synthetic error codes for envelopes that carry no provider code.
const (
	CodeTransport   = "TRANSPORT"
	CodeUnparseable = "UNPARSEABLE"
	CodeUnknown     = "UNKNOWN"
)

// ResponseEnvelope is what the API call worker publishes for every attempt.
type ResponseEnvelope struct {
	Status        int             `json:"status"`
	Body          json.RawMessage `json:"body"`
	MessageParams MessageRequest  `json:"messageParams"`
}

// Succeeded reports whether the provider accepted the message.
func (e ResponseEnvelope) Succeeded() bool { return e.Status == StatusCreated }

// ProviderFields are the body attributes the classifier keys on.
type ProviderFields struct {
	SID     string
	Status  string
	Code    string
	Message string
}

// Fields extracts sid, status, code and message from the body. Missing
// attributes come back empty.
func (e ResponseEnvelope) Fields() ProviderFields {
	var generic map[string]any
	if len(e.Body) == 0 || json.Unmarshal(e.Body, &generic) != nil {
		return ProviderFields{}
	}
	return ProviderFields{
		SID:     scalarString(generic["sid"]),
		Status:  scalarString(generic["status"]),
		Code:    scalarString(generic["code"]),
		Message: scalarString(generic["message"]),
	}
}

// ErrorCode returns the provider error code, or CodeUnknown.
func (e ResponseEnvelope) ErrorCode() string {
	if code := e.Fields().Code; code != "" {
		return code
	}
	return CodeUnknown
}

func scalarString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return ""
	}
}

// ResponseRecord is the persisted form of an envelope.
type ResponseRecord struct {
	PK            string          `json:"pk"`
	SK            string          `json:"sk"`
	Status        int             `json:"status"`
	Body          json.RawMessage `json:"body"`
	MessageParams MessageRequest  `json:"messageParams"`
	RecordedAt    time.Time       `json:"recordedAt"`
}
