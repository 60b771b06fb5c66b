package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"completion-gateway/internal/metrics"
)

const (
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	maxRetryAfter      = time.Minute
)

// Retrier re-sends an upstream HTTP call while it fails transiently.
//
// The final attempt's response is returned as-is, even with a retryable
// status, so callers can surface the upstream body in an UpstreamError.
type Retrier struct {
	Retries     int           // extra attempts after the first; 0 disables
	BaseBackoff time.Duration // first backoff step (default: 100ms)
	MaxBackoff  time.Duration // cap for a single wait (default: 10s)
	Provider    string        // label for logs and metrics
	Logger      *zap.Logger

	// wait blocks for d or until ctx is done. Replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// Do calls send until it yields a non-retryable outcome or the retry budget
// is spent. send must build a fresh request on every call.
func (r Retrier) Do(ctx context.Context, send func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wait := r.wait
	if wait == nil {
		wait = sleepCtx
	}
	attempts := r.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := send(ctx)
		last := attempt == attempts

		logger.Debug("upstream attempt",
			zap.String("provider", r.Provider),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Int("status", statusOf(resp)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		var delay time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil || !isTransientNetError(err) {
				return nil, err
			}
			lastErr = err
		case !shouldRetryStatus(resp.StatusCode) || last:
			return resp, nil
		default:
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			delay = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			resp.Body.Close()
		}

		if last {
			break
		}
		if delay <= 0 {
			delay = r.backoff(attempt)
		}

		metrics.UpstreamRetriesTotal.WithLabelValues(r.Provider).Inc()
		logger.Info("retrying upstream call",
			zap.String("provider", r.Provider),
			zap.Int("next_attempt", attempt+1),
			zap.Duration("wait", delay),
			zap.Error(lastErr),
		)
		if err := wait(ctx, delay); err != nil {
			return nil, err
		}
	}

	logger.Warn("upstream call exhausted retries",
		zap.String("provider", r.Provider),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("%s: gave up after %d attempts: %w", r.Provider, attempts, lastErr)
}

// backoff returns a full-jitter delay in [0, min(base*2^(attempt-1), max)).
func (r Retrier) backoff(attempt int) time.Duration {
	base := r.BaseBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	ceiling := r.MaxBackoff
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}

	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// isTransientNetError reports whether err is a network failure that may
// clear up on its own.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write"
	}

	// net/http wraps some transport failures without exposing the errno.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return status != http.StatusNotImplemented
	default:
		return false
	}
}

// parseRetryAfter reads a Retry-After value given either as seconds or as
// an HTTP date. Zero means absent or unusable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
	}

	if d <= 0 {
		return 0
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
