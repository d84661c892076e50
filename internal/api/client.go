// Package api is the request/response collaborator for the chat backend:
// sign-in, sign-up, the room directory, private-room joins and history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/internal/observability"
)

const maxErrorBody = 4096

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. http://localhost:8080/api.
	BaseURL string
	Timeout time.Duration

	// Token returns the bearer token for authenticated calls; nil or "" sends none.
	Token func() string

	// Location interprets zone-less history timestamps. Nil means time.Local.
	Location *time.Location

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Client performs JSON requests against the chat backend.
type Client struct {
	baseURL    string
	token      func() string
	location   *time.Location
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time
}

// New creates a Client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		location:   loc,
		httpClient: httpClient,
		logger:     logger.With("component", "api"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		now:        time.Now,
	}
}

// StatusError is a non-2xx response. Message is the server's {message}
// field, else the raw body, else the status text.
type StatusError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Operation, e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	return c.do(ctx, op, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, payload any, out any) error {
	return c.do(ctx, op, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "api."+op,
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.ObserveHTTP(op, status, time.Since(start))
		c.tracer.RecordError(span, err)
		span.End()
	}()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	observability.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", "op", op, "error", err)
		return err
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("request completed", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Operation: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

func readErrorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Error); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// networkError wraps a failed call as a NetworkError unless it is already coded.
func networkError(op string, err error) error {
	if apperrors.CodeOf(err) != "" {
		return err
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return apperrors.Network(statusErr.Message, err).WithContext("op", op)
	}
	return apperrors.Network(op+" request failed", err).WithContext("op", op)
}
