package models

import (
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Parameter names the pipeline itself reads. Every other key of a
// MessageRequest is forwarded to the provider untouched.
const (
	ParamTo           = "To"
	ParamFrom         = "From"
	ParamDelaySeconds = "DelaySeconds"
)

// MessageRequest is one outbound message as read from a manifest, keyed by
// provider parameter name. Treat values as read-only after parsing; use Clone
// before changing anything.
type MessageRequest map[string]any

// Recipient returns the "To" parameter.
func (m MessageRequest) Recipient() string { return m.lookup(ParamTo) }

// Sender returns the "From" parameter.
func (m MessageRequest) Sender() string { return m.lookup(ParamFrom) }

// Clone returns a shallow copy of the request.
func (m MessageRequest) Clone() MessageRequest {
	if m == nil {
		return nil
	}
	out := make(MessageRequest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Form converts the request into provider form parameters. Empty keys and the
// delay annotation are skipped.
func (m MessageRequest) Form() url.Values {
	form := url.Values{}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.TrimSpace(k)
		if name == "" || strings.EqualFold(name, ParamDelaySeconds) {
			continue
		}
		v := m[k]
		if v == nil {
			continue
		}
		form.Set(name, ParamString(v))
	}
	return form
}

func (m MessageRequest) lookup(name string) string {
	if v, ok := m[name]; ok {
		return strings.TrimSpace(ParamString(v))
	}
	for k, v := range m {
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(ParamString(v))
		}
	}
	return ""
}

// ParamString renders a decoded manifest value as a form value. Nested values
// are sent as compact JSON.
func ParamString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
