package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/payment-proxy/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	// RatePerSec is the initial per-host request rate.
	RatePerSec int
	// Breakers guards each issuer host. Nil disables circuit breaking.
	Breakers *resilience.HostBreakers
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher over net/http with per-host rate limiting
// and circuit breaking. It never retries: a failed fetch is reported to the
// caller, which may safely try the whole verification again.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "payment-proxy/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client:   &http.Client{Transport: transport},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.RatePerSec), f.opts.RatePerSec)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch retrieves rawURL. 404 and 410 map to ErrNotFound; every other
// failure is an *UpstreamError, wrapped as transient where a later attempt
// could succeed.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = f.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &UpstreamError{Message: "invalid receipt url " + rawURL}
	}

	fetch := func(ctx context.Context) ([]byte, error) {
		return f.do(ctx, u)
	}
	if f.opts.Breakers == nil {
		return fetch(ctx)
	}

	body, err := resilience.ExecuteVal(ctx, f.opts.Breakers.Get(u.Host), fetch)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, resilience.NewTransientError(
			&UpstreamError{Message: "circuit open for " + u.Host}, 0)
	}
	return body, err
}

func (f *HTTPFetcher) do(ctx context.Context, u *url.URL) ([]byte, error) {
	lim := f.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, resilience.NewTransientError(&UpstreamError{Message: "rate limiter wait: " + err.Error()}, 0)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &UpstreamError{Message: eris.Wrap(err, "create request").Error()}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/pdf,text/html,image/*;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		zap.L().Warn("receipt fetch failed",
			zap.String("host", u.Host),
			zap.Error(err),
		)
		return nil, resilience.NewTransientError(&UpstreamError{Message: err.Error()}, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resilience.IsNotFoundStatus(resp.StatusCode):
		return nil, eris.Wrapf(ErrNotFound, "status %d from %s", resp.StatusCode, u.Host)
	case resp.StatusCode == http.StatusTooManyRequests:
		lim.OnRateLimit()
		fallthrough
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		upErr := &UpstreamError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(upErr, resp.StatusCode)
		}
		return nil, upErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(&UpstreamError{Message: "read body: " + err.Error()}, 0)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, &UpstreamError{Message: "receipt exceeds size limit"}
	}
	lim.OnSuccess()
	return body, nil
}
