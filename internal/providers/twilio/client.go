// Package twilio talks to the Twilio Messages API. The client reports what the
// API answered and leaves success or failure decisions to the caller; an
// error is returned only when no HTTP response was obtained.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/config"
)

const (
	defaultBaseURL   = "https://api.twilio.com/2010-04-01"
	defaultBodyLimit = 64 * 1024
)

// Provider sends one message's parameters to the messaging API.
type Provider interface {
	Send(ctx context.Context, params url.Values) (*Response, error)
}

// Response is the raw API answer.
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used to talk to Twilio.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL sets the base Twilio API URL. Useful for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if strings.TrimSpace(baseURL) != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithBodyLimit adjusts how many bytes are retained from the response body.
func WithBodyLimit(limit int64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.maxBodyBytes = limit
		}
	}
}

// WithClock overrides the clock used to time requests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client implements Provider against the real API.
type Client struct {
	logger       zerolog.Logger
	accountSID   string
	username     string
	password     string
	httpClient   HTTPClient
	baseURL      string
	now          func() time.Time
	maxBodyBytes int64
}

// NewClient constructs a client authenticating with an API key pair.
func NewClient(cfg config.ProviderConfig, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("twilio client: account SID is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("twilio client: API key is required")
	}
	if strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errors.New("twilio client: API secret is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		logger:       logger,
		accountSID:   strings.TrimSpace(cfg.AccountSID),
		username:     strings.TrimSpace(cfg.APIKey),
		password:     strings.TrimSpace(cfg.APISecret),
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      defaultBaseURL,
		now:          time.Now,
		maxBodyBytes: defaultBodyLimit,
	}
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Send posts params to the Messages resource. Keys are normalised to the API's
// PascalCase spelling. Any HTTP status, including 4xx and 5xx, is returned as a
// Response with a nil error.
func (c *Client) Send(ctx context.Context, params url.Values) (*Response, error) {
	form := url.Values{}
	for key, values := range params {
		name := normalizeTwilioParam(key)
		if name == "" {
			continue
		}
		for _, v := range values {
			form.Add(name, v)
		}
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio client: new request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio client: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   c.now().Sub(start),
	}

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", out.Duration).
		Msg("twilio client: response received")

	return out, nil
}

func (c *Client) readBody(rc io.Reader) ([]byte, error) {
	limit := c.maxBodyBytes
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return nil, fmt.Errorf("twilio client: read body: %w", err)
	}
	return data, nil
}

// normalizeTwilioParam maps snake_case or lowerCamel keys to the PascalCase
// names the API expects. Keys already starting with a capital are kept.
func normalizeTwilioParam(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return key
	}
	if r, _ := utf8.DecodeRuneInString(key); unicode.IsUpper(r) {
		return key
	}
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	if len(parts) == 1 {
		return upperFirst(key)
	}
	for i, part := range parts {
		parts[i] = upperFirst(strings.ToLower(part))
	}
	return strings.Join(parts, "")
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
