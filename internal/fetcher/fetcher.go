// Package fetcher retrieves authoritative receipt documents from issuer
// verification endpoints.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultTimeout bounds a single receipt fetch when neither the caller nor
// configuration sets one.
const DefaultTimeout = 10 * time.Second

// ErrNotFound is returned when the issuer reports the receipt does not exist.
var ErrNotFound = eris.New("fetcher: receipt not found")

// Fetcher downloads a receipt document as opaque bytes.
type Fetcher interface {
	// Fetch GETs rawURL within timeout (zero means the fetcher default).
	Fetch(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error)
}

// UpstreamError describes an issuer failure other than "not found": a non-2xx
// status, a network error, or a timeout.
type UpstreamError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("issuer responded %d %s", e.StatusCode, e.Status)
	}
	return "issuer request failed: " + e.Message
}
