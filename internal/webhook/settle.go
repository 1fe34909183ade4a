package webhook

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/payment-proxy/internal/ledger"
	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/resilience"
)

// Verifier confirms a claim against the issuer. *verify.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, claim model.Claim) model.Outcome
}

// Settler credits verified claims. *ledger.Settler implements it.
type Settler interface {
	Settle(ctx context.Context, req ledger.SettleRequest) (*ledger.SettleResult, error)
}

// SettlementProcessor verifies each event's receipt and settles it. Upstream
// failures are returned as transient so the gate retries them; settlement is
// idempotent, so a retry never credits twice.
type SettlementProcessor struct {
	verifier Verifier
	settler  Settler
	expected model.Fields
}

// NewSettlementProcessor creates a processor. expected lists fields every
// receipt must carry, such as the merchant's receiving account.
func NewSettlementProcessor(v Verifier, s Settler, expected model.Fields) *SettlementProcessor {
	return &SettlementProcessor{verifier: v, settler: s, expected: expected}
}

func (p *SettlementProcessor) Process(ctx context.Context, ev Event) error {
	out := p.verifier.Verify(ctx, ev.Claim())

	claimed := decimal.Zero
	if ev.Amount != nil {
		claimed = *ev.Amount
	}
	res, err := p.settler.Settle(ctx, ledger.SettleRequest{
		OwnerID:        ev.OwnerID,
		PaymentMethod:  ev.Issuer,
		Claim:          ev.Claim(),
		Outcome:        out,
		ClaimedAmount:  claimed,
		ExpectedAmount: ev.Amount,
		Expected:       p.expected,
	})
	switch {
	case errors.Is(err, ledger.ErrNoStore):
		zap.L().Warn("webhook: running without persistence, event not settled",
			zap.String("event_id", ev.ID),
			zap.String("outcome", string(out.Kind)),
		)
		return nil
	case errors.Is(err, ledger.ErrUnverifiable):
		return eris.Wrapf(err, "webhook: event %s", ev.ID)
	case err != nil:
		return resilience.NewTransientError(eris.Wrapf(err, "webhook: settle event %s", ev.ID), 0)
	}

	if out.Transient() {
		return resilience.NewTransientError(eris.Errorf("webhook: verify event %s: %s", ev.ID, out.Message), 0)
	}

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("outcome", string(out.Kind)),
		zap.Bool("credited", res.Credited),
		zap.Bool("duplicate", res.Duplicate),
	}
	if res.Entry != nil {
		fields = append(fields, zap.String("entry_id", res.Entry.ID), zap.String("status", string(res.Entry.Status)))
	}
	zap.L().Info("webhook: event settled", fields...)
	return nil
}
