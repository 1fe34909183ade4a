package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/payment-proxy/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:  "test-agent",
		Timeout:    5 * time.Second,
		RatePerSec: 100,
	})
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "FT2601578Z4P", r.URL.Query().Get("id"))
		w.Write([]byte("%PDF-1.4 receipt")) //nolint:errcheck
	}))
	defer srv.Close()

	body, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/?id=FT2601578Z4P", 0)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 receipt", string(body))
}

func TestFetch_NotFound(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		_, err := newTestFetcher().Fetch(context.Background(), srv.URL, 0)
		srv.Close()

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound), "status %d", code)
		assert.False(t, resilience.IsTransient(err))
	}
}

func TestFetch_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusBadGateway, upErr.StatusCode)
	assert.Contains(t, err.Error(), "502")
}

func TestFetch_ClientErrorNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.False(t, errors.Is(err, ErrNotFound))

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusForbidden, upErr.StatusCode)
}

func TestFetch_NoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, 50*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.True(t, resilience.IsTransient(err))
}

func TestFetch_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64))) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 16, RatePerSec: 100})
	_, err := f.Fetch(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

func TestFetch_InvalidURL(t *testing.T) {
	_, err := newTestFetcher().Fetch(context.Background(), "not a url", 0)
	require.Error(t, err)

	var upErr *UpstreamError
	assert.ErrorAs(t, err, &upErr)
}

func TestFetch_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{
		RatePerSec: 100,
		Breakers: resilience.NewHostBreakers(resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
		}),
	})

	for range 2 {
		_, err := f.Fetch(context.Background(), srv.URL, 0)
		require.Error(t, err)
	}

	_, err := f.Fetch(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_NotFoundDoesNotTripCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	breakers := resilience.NewHostBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1})
	f := NewHTTPFetcher(HTTPOptions{RatePerSec: 100, Breakers: breakers})

	for range 3 {
		_, err := f.Fetch(context.Background(), srv.URL, 0)
		assert.True(t, errors.Is(err, ErrNotFound))
	}
	for _, st := range breakers.States() {
		assert.Equal(t, resilience.CircuitClosed, st)
	}
}

func TestFetch_RateLimitedSlowsHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{RatePerSec: 10})
	_, err := f.Fetch(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	var lim *AdaptiveLimiter
	for _, l := range f.limiters {
		lim = l
	}
	require.NotNil(t, lim)
	assert.Equal(t, rate.Limit(5), lim.Limit())
}

func TestAdaptiveLimiter(t *testing.T) {
	al := NewAdaptiveLimiter(10, 10)
	assert.Equal(t, rate.Limit(10), al.Limit())

	al.OnSuccess()
	assert.InDelta(t, 12.0, float64(al.Limit()), 0.01)

	for range 20 {
		al.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), al.Limit())

	for range 10 {
		al.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), al.Limit())

	require.NoError(t, al.Wait(context.Background()))
}

func TestUpstreamError(t *testing.T) {
	assert.Equal(t, "issuer responded 503 Service Unavailable",
		(&UpstreamError{StatusCode: 503, Status: "Service Unavailable"}).Error())
	assert.Equal(t, "issuer request failed: dial tcp: refused",
		(&UpstreamError{Message: "dial tcp: refused"}).Error())
}
