package coingecko

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crypto-etl/internal/observability"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://api.coingecko.com/api/v3"
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
)

// maxErrorBody caps how much of a non-2xx body is kept on HTTPStatusError.
const maxErrorBody = 4 << 10

// RetryPolicy bounds the retry loop. Delay is constant across attempts.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, >= 1
	Delay       time.Duration // sleep between attempts, >= 0
	Timeout     time.Duration // per-attempt timeout
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultRetryDelay,
		Timeout:     DefaultTimeout,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Client issues GET requests to the price API with bounded retries.
// A Client is safe for concurrent use, but the pipeline drives it from one goroutine.
type Client struct {
	baseURL string
	client  *http.Client
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *observability.Metrics
	sleep   SleepFunc
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithRetryPolicy sets attempts, delay and per-attempt timeout.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.policy.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithLogger sets the logger receiving per-attempt events.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithSleep replaces the inter-attempt sleep.
func WithSleep(fn SleepFunc) ClientOption {
	return func(c *Client) {
		c.sleep = fn
	}
}

// NewClient creates a new price API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		policy:  DefaultRetryPolicy(),
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	c.policy = c.policy.normalized()
	return c
}

// Policy returns the effective retry policy.
func (c *Client) Policy() RetryPolicy {
	return c.policy
}

// Fetch GETs {baseURL}/{endpoint}?query and decodes the JSON body into out.
//
// Network failures and non-2xx statuses are retried up to MaxAttempts with a
// fixed Delay in between; the last cause is returned inside
// *ExhaustedRetriesError. A 2xx body that does not decode into out yields
// *ParseError immediately.
func (c *Client) Fetch(ctx context.Context, endpoint string, query url.Values, out any) error {
	return c.fetch(ctx, endpoint, endpoint, query, out)
}

// fetch is Fetch with a separate low-cardinality metrics label.
func (c *Client) fetch(ctx context.Context, endpoint, label string, query url.Values, out any) error {
	fullURL := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	for attempt := 1; ; attempt++ {
		c.logger.Info("api request",
			"url", fullURL,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
		)

		start := time.Now()
		body, err := c.doRequest(ctx, fullURL)
		latency := time.Since(start)

		if err == nil {
			if err := decodeJSON(body, out); err != nil {
				c.metrics.RecordFetchAttempt(label, observability.OutcomeParseError, latency)
				c.logger.Error("api response parse failed",
					"url", fullURL,
					"attempt", attempt,
					"error", err,
				)
				return &ParseError{URL: fullURL, Err: err}
			}
			c.metrics.RecordFetchAttempt(label, observability.OutcomeSuccess, latency)
			c.logger.Info("api request succeeded",
				"url", fullURL,
				"attempt", attempt,
				"bytes", len(body),
				"duration", latency,
			)
			return nil
		}

		// Parent cancellation ends the loop regardless of error class.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsRetryable(err) {
			return err
		}

		c.metrics.RecordFetchAttempt(label, observability.OutcomeRetryableError, latency)
		c.logger.Warn("api request failed",
			"url", fullURL,
			"attempt", attempt,
			"error", err,
		)

		if attempt >= c.policy.MaxAttempts {
			c.logger.Error("all api request attempts failed",
				"url", fullURL,
				"attempts", attempt,
				"error", err,
			)
			return &ExhaustedRetriesError{Attempts: attempt, Last: err}
		}

		if err := c.sleep(ctx, c.policy.Delay); err != nil {
			return err
		}
	}
}

// doRequest performs a single GET bounded by the per-attempt timeout.
func (c *Client) doRequest(ctx context.Context, fullURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: fullURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: fullURL, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &HTTPStatusError{URL: fullURL, StatusCode: resp.StatusCode, Body: body}
	}

	return body, nil
}

// decodeJSON decodes exactly one JSON value, keeping numbers as json.Number.
func decodeJSON(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
