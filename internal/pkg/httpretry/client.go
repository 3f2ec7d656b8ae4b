// Package httpretry retries idempotent-enough HTTP calls, such as delivery
// receipts, on throttling, server errors and transport failures.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// HTTPDoer executes a request. *http.Client and *RetryClient satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with capped exponential backoff and full
// jitter. A Retry-After header on a retryable answer overrides the backoff,
// still capped at the maximum delay.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a RetryClient.
type Option func(*RetryClient)

// WithBackoff overrides the base and maximum retry delays.
func WithBackoff(base, max time.Duration) Option {
	return func(rc *RetryClient) {
		if base > 0 {
			rc.baseDelay = base
		}
		if max > 0 {
			rc.maxDelay = max
		}
	}
}

// NewRetryClient wraps client, or a 30s-timeout http.Client when nil.
// maxRetries counts attempts after the first; zero disables retries and a
// negative value selects 3.
func NewRetryClient(client HTTPDoer, maxRetries int, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	rc := &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Do sends req, retrying on 429, 500, 502, 503, 504 and transport errors.
// Other statuses are returned at once. When retries run out the last
// response is returned unread so the caller can inspect it.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error
	var hint time.Duration

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if attempt > 0 {
			if err := rewind(req); err != nil {
				return nil, err
			}
			delay := rc.delay(attempt, hint)
			logger.Debug("httpretry: retrying",
				"attempt", attempt,
				"method", req.Method,
				"url", req.URL.Host+req.URL.Path,
				"delay", delay,
				"last_error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, firstErr(lastErr, ctx.Err())
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr, hint = err, 0
			continue
		}
		if !retryable(resp.StatusCode) || attempt == rc.maxRetries {
			return resp, nil
		}

		hint = retryAfter(resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}
	return nil, lastErr
}

func rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: reset request body: %w", err)
	}
	req.Body = body
	return nil
}

// delay returns the wait before the given retry: the server's hint when
// present, else random(0, base*2^(attempt-1)) with a floor of base/10.
func (rc *RetryClient) delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, rc.maxDelay)
	}
	ceiling := rc.maxDelay
	if shift := attempt - 1; shift < 32 {
		ceiling = min(rc.baseDelay<<shift, rc.maxDelay)
	}
	d := time.Duration(rand.Int63n(int64(ceiling) + 1))
	return max(d, rc.baseDelay/10)
}

// retryAfter parses the delay-seconds form of Retry-After. HTTP dates are
// ignored and fall back to backoff.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
