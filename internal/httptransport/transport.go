// Package httptransport implements query.Transport over HTTP+JSON against a
// stream backend served under a base URL.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/query"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Config configures the HTTP transport.
type Config struct {
	// BaseURL is prepended to every request path, e.g. http://localhost:8088/api.
	BaseURL string

	// Timeout bounds each request. Zero means no client-side timeout.
	Timeout time.Duration

	// Headers are added to every request.
	Headers map[string]string
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return query.NewValidationError(err)
	}
	return nil
}

// Option customizes a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) { t.client = client }
}

// WithLogger sets the logger used for request logs.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// Transport sends query requests as JSON over HTTP.
type Transport struct {
	base    *url.URL
	client  *http.Client
	headers map[string]string
	logger  *slog.Logger
}

// New creates an HTTP transport.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	t := &Transport{
		base:    base,
		client:  &http.Client{Timeout: cfg.Timeout},
		headers: cfg.Headers,
		logger:  logging.Op(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Call implements query.Transport.
func (t *Transport) Call(ctx context.Context, req query.Request) (json.RawMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, query.NewValidationError(err)
	}

	hreq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := t.client.Do(hreq)
	if err != nil {
		t.logger.Debug("http request failed", "request", req.String(), "error", err)
		return nil, &query.TransportError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &query.TransportError{StatusCode: resp.StatusCode, Message: "read body: " + err.Error(), Err: err}
	}

	t.logger.Debug("http request", "request", req.String(), "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &query.TransportError{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
	}
	return json.RawMessage(body), nil
}

func (t *Transport) newRequest(ctx context.Context, req query.Request) (*http.Request, error) {
	u := *t.base
	u.Path = t.base.Path + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", req, err)
		}
		body = bytes.NewReader(raw)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", req, err)
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.headers {
		hreq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(hreq.Header))
	return hreq, nil
}

// errorMessage prefers the backend's {"error": "..."} payload, then the raw
// body, then the status text.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" && len(msg) < 512 {
		return msg
	}
	return http.StatusText(status)
}
