// Package transport wraps outbound HTTP calls with the retry, backoff and
// circuit-breaking policy shared by all provider adapters.
package transport

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

// HTTPDoer interface allows mocking http.Client in tests
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the retry and backoff policy for one client. It is threaded
// explicitly into each client rather than kept in ambient state.
type Config struct {
	Timeout    time.Duration // per-request timeout
	MaxRetries int           // retries after the first attempt
	RetryDelay time.Duration // base backoff delay, doubled per attempt
	MaxDelay   time.Duration // cap on the computed backoff
}

// DefaultConfig returns the policy used when a provider does not override it.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		MaxDelay:   time.Minute,
	}
}

// Client executes HTTP GET requests with exponential backoff, full jitter,
// rate-limit handling and a circuit breaker. A provider that always fails is
// attempted exactly MaxRetries+1 times before the call fails with a
// ProviderUnavailableError.
type Client struct {
	provider   string
	config     Config
	httpClient HTTPDoer
	breaker    *gobreaker.CircuitBreaker

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	randF func() float64
}

// Option allows customizing the client
type Option func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.httpClient = doer }
}

// WithSleep replaces the backoff wait, letting tests run without real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithRand replaces the jitter source with a deterministic one.
func WithRand(f func() float64) Option {
	return func(c *Client) { c.randF = f }
}

// New creates a client for the named provider with the given policy.
func New(provider string, cfg Config, opts ...Option) *Client {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	c := &Client{
		provider: provider,
		config:   cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: provider,
			// The breaker must not open before one call has spent its full
			// attempt budget of MaxRetries+1.
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > uint32(cfg.MaxRetries)
			},
		}),
		sleep: sleepCtx,
		randF: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches url and returns the response body. Retries transient failures
// (connection errors, 5xx, 429) with exponential backoff and full jitter; a
// 429 with a Retry-After header waits the hinted duration instead. Permanent
// failures (other 4xx) are not retried.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	var rateLimitHint time.Duration

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// A Retry-After hint from the previous attempt replaces the
			// jittered backoff for this wait.
			delay := c.backoffDelay(attempt - 1)
			if rateLimitHint > 0 {
				delay = rateLimitHint
				rateLimitHint = 0
			}
			klog.V(2).InfoS("Retrying request",
				"provider", c.provider,
				"attempt", attempt+1,
				"maxAttempts", c.config.MaxRetries+1,
				"delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("context cancelled during backoff: %v", err)
			}
		}

		body, retryAfter, err := c.doRequest(ctx, url)
		if err == nil {
			return body, nil
		}
		if perm, ok := err.(*permanentError); ok {
			return nil, perm.err
		}
		lastErr = err
		rateLimitHint = retryAfter
	}

	return nil, &weather.ProviderUnavailableError{
		Provider: c.provider,
		Attempts: c.config.MaxRetries + 1,
		Err:      lastErr,
	}
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (c *Client) doRequest(ctx context.Context, url string) (body []byte, retryAfter time.Duration, err error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, &permanentError{fmt.Errorf("failed to create request: %v", err)}
		}
		req.Header.Set("Accept", "*/*")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %v", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read response body: %v", err)
			}
			return data, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, fmt.Errorf("rate limit exceeded (status 429)")
		case resp.StatusCode == http.StatusNotFound:
			return nil, &permanentError{fmt.Errorf("not found: %s", url)}
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("server error: status %d", resp.StatusCode)
		default:
			return nil, &permanentError{fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
		}
	})
	if err != nil {
		return nil, retryAfter, err
	}
	return result.([]byte), 0, nil
}

// backoffDelay computes the wait before retry number attempt+1: the base delay
// doubled per attempt, capped at MaxDelay, with full jitter (a uniformly
// random delay in [0, computed]) to avoid synchronized retry storms.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.config.RetryDelay * time.Duration(1<<uint(attempt))
	if delay > c.config.MaxDelay || delay <= 0 {
		delay = c.config.MaxDelay
	}
	return time.Duration(c.randF() * float64(delay))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
