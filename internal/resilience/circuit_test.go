package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = NewTransientError(errors.New("issuer returned 503"), 503)

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("receipt not found")
		})
	}
	if cb.State() != CircuitClosed {
		t.Errorf("not-found style errors must not open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	fail := func(_ context.Context) error { return errUpstream }
	ok := func(_ context.Context) error { return nil }

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), ok)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after interleaved success, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })
	}
	now = now.Add(11 * time.Second)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })

	if cb.State() != CircuitOpen {
		t.Errorf("a failed probe must reopen the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChangeAndReset(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errUpstream })
	cb.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	body, err := ExecuteVal(context.Background(), cb, func(_ context.Context) ([]byte, error) {
		return []byte("%PDF"), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "%PDF" {
		t.Errorf("unexpected value %q", body)
	}
}

func TestHostBreakers_PerHostIsolation(t *testing.T) {
	hb := NewHostBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	cbe := hb.Get("apps.cbe.com.et:100")
	if hb.Get("apps.cbe.com.et:100") != cbe {
		t.Fatal("expected the same breaker for the same host")
	}
	_ = cbe.Execute(context.Background(), func(_ context.Context) error { return errUpstream })

	states := hb.States()
	if states["apps.cbe.com.et:100"] != CircuitOpen {
		t.Errorf("expected cbe breaker open, got %s", states["apps.cbe.com.et:100"])
	}
	if hb.Get("transactioninfo.ethiotelecom.et").State() != CircuitClosed {
		t.Error("other hosts must stay closed")
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errUpstream
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("expected %s, got %s", want, s.String())
		}
	}
}
