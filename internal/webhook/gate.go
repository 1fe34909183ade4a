package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/payment-proxy/internal/config"
	"github.com/sells-group/payment-proxy/internal/resilience"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultMaxBodyBytes    = 1 << 20
	processTimeout         = 2 * time.Minute
)

// Processor handles an accepted event. Errors are logged, never returned to
// the sender.
type Processor interface {
	Process(ctx context.Context, ev Event) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev Event) error

func (f ProcessorFunc) Process(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Gate is the inbound webhook handler. It rejects bad signatures and bodies
// with 400 before anything else happens, acknowledges good events at once
// and processes them in the background.
type Gate struct {
	secret  string
	header  string
	maxBody int64
	proc    Processor
	retry   resilience.RetryConfig

	wg sync.WaitGroup
}

// NewGate creates a Gate from webhook config. retry governs reprocessing of
// transient failures.
func NewGate(cfg config.WebhookConfig, proc Processor, retry resilience.RetryConfig) *Gate {
	g := &Gate{
		secret:  cfg.Secret,
		header:  cfg.SignatureHeader,
		maxBody: cfg.MaxBodyBytes,
		proc:    proc,
		retry:   retry,
	}
	if g.header == "" {
		g.header = defaultSignatureHeader
	}
	if g.maxBody <= 0 {
		g.maxBody = defaultMaxBodyBytes
	}
	return g
}

type gateResponse struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody+1))
	if err != nil {
		reply(w, http.StatusBadRequest, gateResponse{Error: "unreadable body"})
		return
	}
	if int64(len(body)) > g.maxBody {
		reply(w, http.StatusBadRequest, gateResponse{Error: "body too large"})
		return
	}
	if !VerifySignature(body, g.secret, r.Header.Get(g.header)) {
		zap.L().Warn("webhook: signature mismatch", zap.String("remote", r.RemoteAddr))
		reply(w, http.StatusBadRequest, gateResponse{Error: "invalid signature"})
		return
	}

	ev, err := ParseEvent(body, chi.URLParam(r, "issuer"))
	if err != nil {
		reply(w, http.StatusBadRequest, gateResponse{Error: err.Error()})
		return
	}

	reply(w, http.StatusOK, gateResponse{OK: true, ID: ev.ID})

	if g.proc == nil {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.process(ctx, ev)
	}()
}

func (g *Gate) process(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("issuer", ev.Issuer),
		zap.String("reference", ev.Reference),
	}
	cfg := g.retry
	cfg.OnRetry = resilience.RetryLogger("webhook.process", fields...)

	start := time.Now()
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return g.proc.Process(ctx, ev)
	})
	if err != nil {
		zap.L().Error("webhook: processing failed", append(fields, zap.Error(err))...)
		return
	}
	zap.L().Info("webhook: event processed", append(fields, zap.Duration("elapsed", time.Since(start)))...)
}

// Wait blocks until background processing finishes or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reply(w http.ResponseWriter, status int, body gateResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
