package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/payment-proxy/internal/config"
	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/reconcile"
)

// ErrUnverifiable is returned when an outcome carries no reference to key an
// entry on.
var ErrUnverifiable = eris.New("ledger: outcome has no reference")

var hundred = decimal.NewFromInt(100)

// Terms are the conversion and fee parameters snapshotted into each entry.
type Terms struct {
	OriginCurrency string
	Currency       string
	Rate           decimal.Decimal
	FeePercent     decimal.Decimal
	FixedFee       decimal.Decimal
}

// TermsFromConfig converts settlement config. A zero rate means 1:1.
func TermsFromConfig(cfg config.SettlementConfig) Terms {
	t := Terms{
		OriginCurrency: cfg.OriginCurrency,
		Currency:       cfg.Currency,
		Rate:           decimal.NewFromFloat(cfg.Rate),
		FeePercent:     decimal.NewFromFloat(cfg.FeePercent),
		FixedFee:       decimal.NewFromFloat(cfg.FixedFee),
	}
	if t.OriginCurrency == "" {
		t.OriginCurrency = "ETB"
	}
	if t.Currency == "" {
		t.Currency = t.OriginCurrency
	}
	if !t.Rate.IsPositive() {
		t.Rate = decimal.NewFromInt(1)
	}
	return t
}

// Apply converts an origin amount and deducts fees. Amounts are rounded to
// cents.
func (t Terms) Apply(origin decimal.Decimal) (settled decimal.Decimal, fees model.FeeBreakdown) {
	gross := origin.Mul(t.Rate).Round(2)
	fees.Percent = gross.Mul(t.FeePercent).Div(hundred).Round(2)
	fees.Fixed = t.FixedFee.Round(2)
	fees.Total = fees.Percent.Add(fees.Fixed)
	return gross.Sub(fees.Total), fees
}

// SettleRequest asks for a verified claim to be credited to an owner.
type SettleRequest struct {
	OwnerID       string
	Type          model.EntryType // empty means deposit
	PaymentMethod string
	Claim         model.Claim
	Outcome       model.Outcome
	// ClaimedAmount is what the user reported. It is recorded but never
	// credited; the credit comes from the extracted receipt amount.
	ClaimedAmount decimal.Decimal
	// ExpectedAmount comes from a trusted event and must match the receipt.
	ExpectedAmount *decimal.Decimal
	// Expected holds further fields the receipt must carry, such as the
	// receiving account.
	Expected model.Fields
}

// SettleResult reports what happened to the entry.
type SettleResult struct {
	Entry     *model.Entry     `json:"entry,omitempty"`
	Report    reconcile.Report `json:"report"`
	Credited  bool             `json:"credited"`
	Duplicate bool             `json:"duplicate"`
}

// Settler turns verification outcomes into ledger credits.
type Settler struct {
	store Store
	terms Terms
}

// NewSettler creates a Settler. A nil store yields a degraded Settler whose
// Settle always returns ErrNoStore.
func NewSettler(store Store, terms Terms) *Settler {
	return &Settler{store: store, terms: terms}
}

// Degraded reports whether the Settler runs without persistence.
func (s *Settler) Degraded() bool { return s.store == nil }

// Store returns the backing store, or nil in degraded mode.
func (s *Settler) Store() Store { return s.store }

// Settle records the outcome against the ledger. A successful outcome that
// reconciles is credited exactly once; repeats report Duplicate. Upstream
// failures leave the entry pending so a later attempt can finish it. Other
// failures mark it failed.
func (s *Settler) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	out := req.Outcome
	if out.Reference == "" {
		return nil, eris.Wrap(ErrUnverifiable, out.Message)
	}
	if req.OwnerID == "" {
		return nil, eris.New("ledger: owner id is required")
	}

	typ := req.Type
	if typ == "" {
		typ = model.EntryDeposit
	}
	alt := req.Claim.ReceiptNumber
	if alt == out.Reference {
		alt = ""
	}

	entry, err := s.store.Open(ctx, &model.Entry{
		OwnerID:        req.OwnerID,
		Type:           typ,
		PaymentMethod:  req.PaymentMethod,
		Reference:      out.Reference,
		AltReference:   alt,
		OriginCurrency: s.terms.OriginCurrency,
		Currency:       s.terms.Currency,
		ClaimedAmount:  req.ClaimedAmount,
	})
	if errors.Is(err, ErrDuplicateSettlement) {
		s.logDuplicate(entry, out.Reference, req.OwnerID)
		return &SettleResult{Entry: entry, Duplicate: true}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: open entry")
	}

	switch {
	case out.Transient():
		zap.L().Warn("ledger: verification unavailable, entry left pending",
			zap.String("entry_id", entry.ID),
			zap.String("reference", out.Reference),
			zap.String("message", out.Message),
		)
		return &SettleResult{Entry: entry}, nil
	case !out.OK():
		return s.fail(ctx, entry, reconcile.Report{}, out.Message)
	case out.Result == nil || out.Result.Amount == nil:
		return s.fail(ctx, entry, reconcile.Report{}, "receipt carries no amount")
	}

	rep := reconcile.Check(out.Result.Fields(), s.expectations(req), nil)
	if acct := strings.TrimSpace(req.Claim.AccountNumber); acct != "" {
		rep.Add(reconcile.ClaimedAccount(out.Result.Fields(), acct))
	}
	if !rep.OK {
		return s.fail(ctx, entry, rep, rep.String())
	}

	origin := decimal.NewFromFloat(*out.Result.Amount)
	settled, fees := s.terms.Apply(origin)
	if !settled.IsPositive() {
		return s.fail(ctx, entry, rep, "amount does not cover fees")
	}

	meta, err := json.Marshal(map[string]any{
		"source":    out.Result.Source,
		"report":    rep,
		"extracted": out.Result.Fields(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "ledger: marshal metadata")
	}

	done, err := s.store.Complete(ctx, entry.ID, model.Settlement{
		OriginAmount:  origin,
		SettledAmount: settled,
		Fees:          fees,
		Rate:          s.terms.Rate,
		Metadata:      meta,
	})
	if errors.Is(err, ErrDuplicateSettlement) {
		s.logDuplicate(entry, out.Reference, req.OwnerID)
		if current, gerr := s.store.Get(ctx, entry.ID); gerr == nil {
			entry = current
		}
		return &SettleResult{Entry: entry, Report: rep, Duplicate: true}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: complete entry")
	}

	zap.L().Info("ledger: deposit credited",
		zap.String("entry_id", done.ID),
		zap.String("owner_id", done.OwnerID),
		zap.String("reference", done.Reference),
		zap.String("settled_amount", done.SettledAmount.String()),
		zap.String("currency", done.Currency),
	)
	return &SettleResult{Entry: done, Report: rep, Credited: true}, nil
}

// expectations are the fields the receipt must agree with: the resolved
// reference always, plus whatever the caller trusts.
func (s *Settler) expectations(req SettleRequest) model.Fields {
	exp := model.Fields{}
	for k, v := range req.Expected {
		exp[k] = v
	}
	exp[model.FieldReference] = req.Outcome.Reference
	if req.ExpectedAmount != nil {
		exp[model.FieldAmount] = *req.ExpectedAmount
	}
	return exp
}

func (s *Settler) fail(ctx context.Context, entry *model.Entry, rep reconcile.Report, reason string) (*SettleResult, error) {
	failed, err := s.store.Fail(ctx, entry.ID, reason)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: fail entry")
	}
	zap.L().Info("ledger: deposit rejected",
		zap.String("entry_id", failed.ID),
		zap.String("reference", failed.Reference),
		zap.String("reason", reason),
	)
	return &SettleResult{Entry: failed, Report: rep}, nil
}

func (s *Settler) logDuplicate(entry *model.Entry, ref, owner string) {
	fields := []zap.Field{zap.String("reference", ref), zap.String("owner_id", owner)}
	if entry != nil {
		fields = append(fields, zap.String("entry_id", entry.ID), zap.String("status", string(entry.Status)))
	}
	zap.L().Info("ledger: already settled", fields...)
}
