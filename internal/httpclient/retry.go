package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"visionbot/internal/domain"
)

const (
	defaultMaxRetries = 3
	maxRetryAfter     = time.Minute
)

// StatusError is returned for a response that exhausted its retries or
// carried a non-retryable error status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps the status onto the domain error classes so callers can use
// errors.Is against domain sentinels.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return domain.ErrUnauthorized
	case e.StatusCode == http.StatusRequestEntityTooLarge:
		return domain.ErrTooLarge
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout:
		return domain.ErrTimeout
	default:
		return domain.ErrUpstream
	}
}

// Retry executes requests with exponential backoff for transient failures
// (network errors, 5xx, 429). POST and PATCH requests are resent only on 429
// unless RetryPost is set.
type Retry struct {
	MaxRetries int
	// Backoff returns the wait before the given attempt (1-based).
	// Nil means attempt² seconds plus up to 50% jitter. A Retry-After
	// header on the failed response takes precedence.
	Backoff func(attempt int) time.Duration
	// RetryPost marks POST/PATCH calls as safe to resend.
	RetryPost bool
	Logger    *slog.Logger
}

func defaultBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	return base + jitter
}

// Do runs buildReq/client.Do until a non-retryable response arrives. The
// caller owns the returned body. Any status >= 400 that is not retried, or
// that exhausts its retries, is returned as a *StatusError.
func (r Retry) Do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error)) (*http.Response, error) {
	maxRetries := r.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := r.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	var hint time.Duration
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			if hint > 0 {
				wait, hint = hint, 0
			}
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", RedactError(err))
		}
		resend := r.RetryPost || (req.Method != http.MethodPost && req.Method != http.MethodPatch)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = RedactError(err)
			if attempt < maxRetries && resend {
				logger.Warn("request failed, will retry", "url", RedactURL(req.URL.String()), "error", lastErr)
				continue
			}
			return nil, fmt.Errorf("request failed after %d attempts: %w", attempt+1, lastErr)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			hint = retryAfter(resp.Header.Get("Retry-After"), time.Now())
			body := drain(resp)
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: body}
			if attempt < maxRetries && (resend || resp.StatusCode == http.StatusTooManyRequests) {
				logger.Warn("server error, will retry", "status", resp.StatusCode, "body", body)
				continue
			}
			return nil, fmt.Errorf("server error after %d attempts: %w", attempt+1, lastErr)
		}

		if resp.StatusCode >= 400 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: drain(resp)}
		}

		return resp, nil
	}

	return nil, lastErr
}

// retryAfter parses a Retry-After value given in seconds or as an HTTP date.
// The result is capped at one minute; zero means no usable hint.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

func drain(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(body)
}
