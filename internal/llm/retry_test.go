package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func response(status int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestRetrierHonorsRetryAfter(t *testing.T) {
	var waits []time.Duration
	r := Retrier{
		Retries:  1,
		Provider: "test",
		Logger:   zaptest.NewLogger(t),
		wait: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	calls := 0
	resp, err := r.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		if calls == 1 {
			return response(http.StatusTooManyRequests, http.Header{"Retry-After": []string{"3"}}), nil
		}
		return response(http.StatusOK, nil), nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{3 * time.Second}, waits)
}

func TestRetrierDoesNotRetryClientErrors(t *testing.T) {
	r := Retrier{Retries: 3, wait: func(context.Context, time.Duration) error { return nil }}

	calls := 0
	resp, err := r.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return response(http.StatusBadRequest, nil), nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestRetrierRetriesTransientNetworkErrors(t *testing.T) {
	r := Retrier{Retries: 2, Provider: "test", wait: func(context.Context, time.Duration) error { return nil }}

	calls := 0
	_, err := r.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return nil, syscall.ECONNREFUSED
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ECONNREFUSED))
	assert.Equal(t, 3, calls)
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	r := Retrier{Retries: 2}

	calls := 0
	_, err := r.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return nil, errors.New("unsupported protocol scheme")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrierStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{
		Retries: 5,
		wait: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	calls := 0
	_, err := r.Do(ctx, func(context.Context) (*http.Response, error) {
		calls++
		return response(http.StatusBadGateway, nil), nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "2", 2 * time.Second},
		{"capped", "3600", maxRetryAfter},
		{"negative", "-1", 0},
		{"http date", now.Add(5 * time.Second).Format(http.TimeFormat), 5 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseRetryAfter(tc.in, now))
		})
	}
}

func TestBackoffStaysWithinCeiling(t *testing.T) {
	r := Retrier{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}

	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 20; i++ {
			d := r.backoff(attempt)
			assert.Greater(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, 50*time.Millisecond)
		}
	}
}

func TestShouldRetryStatus(t *testing.T) {
	for _, s := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, shouldRetryStatus(s), "status %d", s)
	}
	for _, s := range []int{200, 400, 401, 404, 501} {
		assert.False(t, shouldRetryStatus(s), "status %d", s)
	}
}
