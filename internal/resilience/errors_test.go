package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"explicit", NewTransientError(errors.New("503"), 503), true},
		{"wrapped explicit", eris.Wrap(NewTransientError(errors.New("429"), 429), "fetch"), true},
		{"conn reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", fmt.Errorf("get: %w", timeoutErr{}), true},
		{"string pattern", errors.New("read tcp: i/o timeout"), true},
		{"tls pattern", errors.New("net/http: TLS handshake timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusClassification(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 410} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d non-transient", code)
		}
	}
	if !IsNotFoundStatus(http.StatusNotFound) || !IsNotFoundStatus(http.StatusGone) {
		t.Error("404 and 410 are not-found")
	}
	if IsNotFoundStatus(http.StatusForbidden) {
		t.Error("403 is not a not-found")
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	te := NewTransientError(inner, 502)
	if !errors.Is(te, inner) {
		t.Error("expected unwrap to reach inner error")
	}
	if te.Error() != "inner" || te.StatusCode != 502 {
		t.Errorf("unexpected %q / %d", te.Error(), te.StatusCode)
	}
}
