package caller

import (
	"encoding/json"
	"strings"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/providers/twilio"
)

type syntheticBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
}

// BuildEnvelope normalises one API attempt. A transport failure becomes
// status 599 with code TRANSPORT; a response whose body is not a JSON object
// keeps its status but gets a synthetic UNPARSEABLE body.
func BuildEnvelope(resp *twilio.Response, callErr error, params models.MessageRequest) models.ResponseEnvelope {
	env := models.ResponseEnvelope{MessageParams: params}

	if callErr != nil || resp == nil {
		msg := "no response"
		if callErr != nil {
			msg = callErr.Error()
		}
		env.Status = models.StatusTransportFailure
		env.Body = mustMarshal(syntheticBody{Code: models.CodeTransport, Message: msg})
		return env
	}

	env.Status = resp.StatusCode
	trimmed := strings.TrimSpace(string(resp.Body))
	if !isJSONObject(trimmed) {
		env.Body = mustMarshal(syntheticBody{
			Code:    models.CodeUnparseable,
			Message: "response body is not a JSON object",
			Raw:     trimmed,
		})
		return env
	}
	env.Body = json.RawMessage(trimmed)
	return env
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

func mustMarshal(v syntheticBody) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"code":"` + v.Code + `"}`)
	}
	return data
}
