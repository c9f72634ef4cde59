package resilience_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payorder/internal/resilience"
)

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := resilience.NewBreaker(4, 0.5, 50*time.Millisecond)

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.Report(false)
	}
	require.False(t, b.Allow())
}

func TestBreakerRecoversViaHalfOpen(t *testing.T) {
	b := resilience.NewBreaker(2, 0.5, 10*time.Millisecond)
	b.Report(false)
	b.Report(false)
	require.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.Report(true)
	require.True(t, b.Allow())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := resilience.NewBreaker(2, 0.5, 10*time.Millisecond)
	b.Report(false)
	b.Report(false)

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.Report(false)
	require.False(t, b.Allow())
}

func TestBreakerStaysClosedBelowRatio(t *testing.T) {
	b := resilience.NewBreaker(10, 0.5, time.Second)
	for i := 0; i < 8; i++ {
		b.Report(true)
	}
	b.Report(false)
	b.Report(false)
	require.True(t, b.Allow())
}

func TestBackoffGrowsExponentially(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, 2*base, resilience.Backoff(base, 2, 0))
	require.Equal(t, 4*base, resilience.Backoff(base, 3, 0))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := resilience.Backoff(base, 2, 0.2)
		require.GreaterOrEqual(t, d, time.Duration(float64(2*base)*0.8))
		require.LessOrEqual(t, d, time.Duration(float64(2*base)*1.2))
	}
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	hc := resilience.HTTPClient{
		Client:      server.Client(),
		Breaker:     resilience.NewBreaker(100, 0.99, time.Second),
		BaseBackoff: time.Millisecond,
		MaxAttempts: 3,
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := hc.Do(context.Background(), req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, calls.Load())
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	hc := resilience.HTTPClient{
		Client:      server.Client(),
		Breaker:     resilience.NewBreaker(100, 0.99, time.Second),
		BaseBackoff: time.Millisecond,
		MaxAttempts: 3,
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := hc.Do(context.Background(), req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.EqualValues(t, 1, calls.Load())
}

func TestHTTPClientRejectsWhenBreakerOpen(t *testing.T) {
	b := resilience.NewBreaker(1, 0.5, time.Minute)
	b.Report(false)

	hc := resilience.HTTPClient{Client: http.DefaultClient, Breaker: b, MaxAttempts: 1}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://127.0.0.1:1", nil)
	require.NoError(t, err)

	_, err = hc.Do(context.Background(), req)
	require.True(t, errors.Is(err, resilience.ErrOpenCircuit))
}
