// Package monitoring watches settlement health and posts alerts to an
// operator webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/payment-proxy/internal/ledger"
	"github.com/sells-group/payment-proxy/internal/model"
)

const pageSize = 500

// MetricsSnapshot holds a point-in-time view of settlement health.
type MetricsSnapshot struct {
	// Entries created within the lookback window.
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Cancelled int     `json:"cancelled"`
	FailRate  float64 `json:"fail_rate"`

	// Pending entries older than the stale threshold.
	StalePending    int      `json:"stale_pending"`
	StaleReferences []string `json:"stale_references,omitempty"`

	// Settled totals keyed by currency.
	Settled map[string]decimal.Decimal `json:"settled"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// EntryLister is the slice of ledger.Store the collector reads.
type EntryLister interface {
	List(ctx context.Context, filter ledger.ListFilter) ([]model.Entry, error)
}

// Collector gathers metrics from the ledger.
type Collector struct {
	store      EntryLister
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. Pending entries older than staleAfter
// are counted as stale; zero disables the check.
func NewCollector(st EntryLister, staleAfter time.Duration) *Collector {
	return &Collector{store: st, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		Settled:       make(map[string]decimal.Decimal),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	for offset := 0; ; offset += pageSize {
		entries, err := c.store.List(ctx, ledger.ListFilter{
			CreatedAfter: cutoff,
			Limit:        pageSize,
			Offset:       offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list entries")
		}
		for _, e := range entries {
			c.count(snap, e, now)
		}
		if len(entries) < pageSize {
			break
		}
	}

	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	return snap, nil
}

func (c *Collector) count(snap *MetricsSnapshot, e model.Entry, now time.Time) {
	snap.Total++
	switch e.Status {
	case model.EntryCompleted:
		snap.Completed++
		snap.Settled[e.Currency] = snap.Settled[e.Currency].Add(e.SettledAmount)
	case model.EntryFailed:
		snap.Failed++
	case model.EntryCancelled:
		snap.Cancelled++
	case model.EntryPending:
		snap.Pending++
		if c.staleAfter > 0 && now.Sub(e.CreatedAt) > c.staleAfter {
			snap.StalePending++
			snap.StaleReferences = append(snap.StaleReferences, e.Reference)
		}
	}
}
