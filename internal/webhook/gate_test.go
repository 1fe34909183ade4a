package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payment-proxy/internal/config"
	"github.com/sells-group/payment-proxy/internal/resilience"
)

const testBody = `{"id":"evt-1","owner_id":"u-1","reference":"FT260157S10C"}`

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newTestRouter(g *Gate) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/webhook/{issuer}", g)
	return r
}

func post(t *testing.T, h http.Handler, body string, headers map[string]string) (*httptest.ResponseRecorder, gateResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/cbe", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp gateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr, resp
}

func TestGate_AcceptsSignedEvent(t *testing.T) {
	got := make(chan Event, 1)
	g := NewGate(config.WebhookConfig{Secret: "s3cret"}, ProcessorFunc(func(_ context.Context, ev Event) error {
		got <- ev
		return nil
	}), fastRetry())

	rr, resp := post(t, newTestRouter(g), testBody, map[string]string{"X-Signature": "sha256=" + Sign([]byte(testBody), "s3cret")})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.True(t, resp.OK)
	assert.Equal(t, "evt-1", resp.ID)

	select {
	case ev := <-got:
		assert.Equal(t, "cbe", ev.Issuer)
		assert.Equal(t, "FT260157S10C", ev.Reference)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not processed")
	}
	require.NoError(t, g.Wait(context.Background()))
}

func TestGate_RejectsBadSignature(t *testing.T) {
	var calls atomic.Int32
	g := NewGate(config.WebhookConfig{Secret: "s3cret"}, ProcessorFunc(func(context.Context, Event) error {
		calls.Add(1)
		return nil
	}), fastRetry())

	rr, resp := post(t, newTestRouter(g), testBody, map[string]string{"X-Signature": Sign([]byte(testBody), "wrong")})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.False(t, resp.OK)
	assert.Equal(t, "invalid signature", resp.Error)

	require.NoError(t, g.Wait(context.Background()))
	assert.Zero(t, calls.Load())
}

func TestGate_CustomHeader(t *testing.T) {
	g := NewGate(config.WebhookConfig{Secret: "s3cret", SignatureHeader: "X-Hub-Signature-256"}, nil, fastRetry())
	h := newTestRouter(g)

	rr, _ := post(t, h, testBody, map[string]string{"X-Hub-Signature-256": Sign([]byte(testBody), "s3cret")})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, _ = post(t, h, testBody, map[string]string{"X-Hub-Signature-256": "00"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGate_NoSecretAcceptsUnsigned(t *testing.T) {
	g := NewGate(config.WebhookConfig{}, nil, fastRetry())
	rr, resp := post(t, newTestRouter(g), testBody, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.OK)
}

func TestGate_MalformedBody(t *testing.T) {
	var calls atomic.Int32
	g := NewGate(config.WebhookConfig{}, ProcessorFunc(func(context.Context, Event) error {
		calls.Add(1)
		return nil
	}), fastRetry())

	rr, resp := post(t, newTestRouter(g), `{"owner_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "malformed event")
	assert.Zero(t, calls.Load())
}

func TestGate_BodyTooLarge(t *testing.T) {
	g := NewGate(config.WebhookConfig{MaxBodyBytes: 16}, nil, fastRetry())
	rr, resp := post(t, newTestRouter(g), testBody, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "body too large", resp.Error)
}

func TestGate_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	g := NewGate(config.WebhookConfig{}, ProcessorFunc(func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return resilience.NewTransientError(errors.New("issuer responded 503"), 503)
		}
		return nil
	}), fastRetry())

	rr, _ := post(t, newTestRouter(g), testBody, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, g.Wait(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGate_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	g := NewGate(config.WebhookConfig{}, ProcessorFunc(func(context.Context, Event) error {
		calls.Add(1)
		return errors.New("no reference")
	}), fastRetry())

	rr, resp := post(t, newTestRouter(g), testBody, nil)
	assert.Equal(t, http.StatusOK, rr.Code, "processing failures never reach the sender")
	assert.True(t, resp.OK)

	require.NoError(t, g.Wait(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGate_ProcessingOutlivesRequest(t *testing.T) {
	release := make(chan struct{})
	done := make(chan error, 1)
	g := NewGate(config.WebhookConfig{}, ProcessorFunc(func(ctx context.Context, _ Event) error {
		<-release
		done <- ctx.Err()
		return nil
	}), fastRetry())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/webhook/cbe", strings.NewReader(testBody)).WithContext(ctx)
	rr := httptest.NewRecorder()
	newTestRouter(g).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	cancel()
	close(release)
	assert.NoError(t, <-done)
	require.NoError(t, g.Wait(context.Background()))
}

func TestGate_WaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	g := NewGate(config.WebhookConfig{}, ProcessorFunc(func(context.Context, Event) error {
		<-release
		return nil
	}), fastRetry())

	rr, _ := post(t, newTestRouter(g), testBody, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}
