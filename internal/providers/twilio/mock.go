package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario enumerates the mock behaviours.
type Scenario string

const (
	ScenarioSuccess       Scenario = "success"
	ScenarioInvalidNumber Scenario = "invalid-number"
	ScenarioOptedOut      Scenario = "opted-out"
	ScenarioServerError   Scenario = "server-error"
	ScenarioTimeout       Scenario = "timeout"
)

// ScenarioParam lets a single message pick a mock scenario. Only the mock
// reads it.
const ScenarioParam = "MockScenario"

// MockOption customises the mock provider.
type MockOption func(*MockClient)

// WithScenario sets the scenario used when a message does not specify one.
func WithScenario(s Scenario) MockOption {
	return func(m *MockClient) {
		if s != "" {
			m.defaultScenario = s
		}
	}
}

// WithLatency configures the artificial latency injected before answering.
func WithLatency(d time.Duration) MockOption {
	return func(m *MockClient) {
		if d < 0 {
			d = 0
		}
		m.latency = d
	}
}

// WithTimeout bounds how long the timeout scenario hangs before failing.
func WithTimeout(d time.Duration) MockOption {
	return func(m *MockClient) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMockClock overrides the clock used for timestamps.
func WithMockClock(now func() time.Time) MockOption {
	return func(m *MockClient) {
		if now != nil {
			m.now = now
		}
	}
}

// MockClient answers like the Messages API without leaving the process.
type MockClient struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	latency         time.Duration
	timeout         time.Duration
	now             func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockClient constructs a mock provider.
func NewMockClient(logger zerolog.Logger, opts ...MockOption) *MockClient {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	m := &MockClient{
		logger:          logger,
		defaultScenario: ScenarioSuccess,
		latency:         25 * time.Millisecond,
		timeout:         30 * time.Second,
		now:             time.Now,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- identifiers only.
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Send simulates the API according to the message's scenario.
func (m *MockClient) Send(ctx context.Context, params url.Values) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	start := m.now()
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	scenario := m.defaultScenario
	if v := strings.TrimSpace(params.Get(ScenarioParam)); v != "" {
		scenario = Scenario(strings.ToLower(v))
	}

	var (
		status int
		body   map[string]any
	)
	switch scenario {
	case ScenarioSuccess:
		status = http.StatusCreated
		body = map[string]any{
			"sid":          m.messageSID(),
			"status":       "queued",
			"to":           params.Get("To"),
			"from":         params.Get("From"),
			"body":         params.Get("Body"),
			"date_created": start.UTC().Format(time.RFC1123Z),
		}
	case ScenarioInvalidNumber:
		status = http.StatusBadRequest
		body = errorBody(21211, fmt.Sprintf("The 'To' number %s is not a valid phone number.", params.Get("To")))
	case ScenarioOptedOut:
		status = http.StatusBadRequest
		body = errorBody(21610, "Attempt to send to unsubscribed recipient")
	case ScenarioServerError:
		status = http.StatusInternalServerError
		body = errorBody(20500, "Internal Server Error")
	case ScenarioTimeout:
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("twilio mock: %w", ctx.Err())
		case <-timer.C:
			return nil, errors.New("twilio mock: request timed out")
		}
	default:
		return nil, errors.New("twilio mock: unknown scenario " + string(scenario))
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("twilio mock: marshal body: %w", err)
	}
	return &Response{StatusCode: status, Body: data, Duration: m.now().Sub(start)}, nil
}

func errorBody(code int, message string) map[string]any {
	return map[string]any{
		"code":      code,
		"message":   message,
		"more_info": fmt.Sprintf("https://www.twilio.com/docs/errors/%d", code),
		"status":    400,
	}
}

func (m *MockClient) messageSID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("SM%032x", m.rnd.Uint64())
}
