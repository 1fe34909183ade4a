package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payment-proxy/internal/config"
	"github.com/sells-group/payment-proxy/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) entry(args mock.Arguments) (*model.Entry, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Entry), args.Error(1)
}

func (m *mockStore) Open(ctx context.Context, e *model.Entry) (*model.Entry, error) {
	return m.entry(m.Called(ctx, e))
}

func (m *mockStore) Complete(ctx context.Context, id string, s model.Settlement) (*model.Entry, error) {
	return m.entry(m.Called(ctx, id, s))
}

func (m *mockStore) Fail(ctx context.Context, id, reason string) (*model.Entry, error) {
	return m.entry(m.Called(ctx, id, reason))
}

func (m *mockStore) Cancel(ctx context.Context, id, reason string) (*model.Entry, error) {
	return m.entry(m.Called(ctx, id, reason))
}

func (m *mockStore) Get(ctx context.Context, id string) (*model.Entry, error) {
	return m.entry(m.Called(ctx, id))
}

func (m *mockStore) FindByReference(ctx context.Context, typ model.EntryType, reference, ownerID string) (*model.Entry, error) {
	return m.entry(m.Called(ctx, typ, reference, ownerID))
}

func (m *mockStore) Balance(ctx context.Context, ownerID string) (*Balance, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Balance), args.Error(1)
}

func (m *mockStore) List(ctx context.Context, filter ListFilter) ([]model.Entry, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Entry), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockStore) Close() error                      { return m.Called().Error(0) }

var flatTerms = Terms{
	OriginCurrency: "ETB",
	Currency:       "ETB",
	Rate:           decimal.NewFromInt(1),
	FeePercent:     decimal.NewFromInt(2),
}

func verified(ref string, amount float64) model.Outcome {
	return model.Success(ref, &model.ExtractionResult{
		Reference:       model.StrPtr(ref),
		Amount:          model.FloatPtr(amount),
		ReceiverAccount: model.StrPtr("1****5678"),
		Source:          model.SourcePDFText,
	})
}

func TestTermsFromConfig(t *testing.T) {
	terms := TermsFromConfig(config.SettlementConfig{})
	assert.Equal(t, "ETB", terms.OriginCurrency)
	assert.Equal(t, "ETB", terms.Currency)
	assert.True(t, terms.Rate.Equal(decimal.NewFromInt(1)))

	terms = TermsFromConfig(config.SettlementConfig{OriginCurrency: "ETB", Currency: "USD", Rate: 0.018, FeePercent: 2.5, FixedFee: 0.5})
	assert.Equal(t, "USD", terms.Currency)
	assert.Equal(t, "0.018", terms.Rate.String())
}

func TestTerms_Apply(t *testing.T) {
	settled, fees := flatTerms.Apply(decimal.NewFromInt(3000))
	assert.Equal(t, "2940", settled.String())
	assert.Equal(t, "60", fees.Percent.String())
	assert.Equal(t, "60", fees.Total.String())

	usd := Terms{Rate: decimal.RequireFromString("0.018"), FeePercent: decimal.RequireFromString("2.5"), FixedFee: decimal.RequireFromString("0.5")}
	settled, fees = usd.Apply(decimal.NewFromInt(3000))
	assert.Equal(t, "52.15", settled.String())
	assert.Equal(t, "1.85", fees.Total.String())
}

func TestSettle_CreditsOnce(t *testing.T) {
	store := newTestSQLite(t)
	settler := NewSettler(store, flatTerms)
	ctx := context.Background()

	req := SettleRequest{
		OwnerID:       "owner-1",
		PaymentMethod: model.IssuerCBE,
		Claim:         model.Claim{Reference: "FT260157S10C"},
		Outcome:       verified("FT260157S10C", 3000),
		ClaimedAmount: decimal.NewFromInt(999999),
		Expected:      model.Fields{model.FieldReceiverAccount: "1000012345678"},
	}

	first, err := settler.Settle(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Credited)
	assert.False(t, first.Duplicate)
	assert.True(t, first.Report.OK)
	assert.Equal(t, model.EntryCompleted, first.Entry.Status)
	assert.Equal(t, "2940", first.Entry.SettledAmount.String(), "credit comes from the receipt, not the claim")
	assert.Equal(t, "999999", first.Entry.ClaimedAmount.String())

	var meta map[string]any
	require.NoError(t, json.Unmarshal(first.Entry.Metadata, &meta))
	assert.Equal(t, model.SourcePDFText, meta["source"])

	second, err := settler.Settle(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Credited)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	entries, err := store.List(ctx, ListFilter{OwnerID: "owner-1", Status: model.EntryCompleted})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	b, err := store.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "2940", b.Amount.String())
}

func TestSettle_ConcurrentDuplicates(t *testing.T) {
	store := newTestSQLite(t)
	settler := NewSettler(store, flatTerms)

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
		dupes    int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := settler.Settle(context.Background(), SettleRequest{
				OwnerID: "owner-1",
				Outcome: verified("FT260157S10C", 3000),
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Credited {
				credited++
			}
			if res.Duplicate {
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, credited)
	assert.Equal(t, attempts-1, dupes)

	b, err := store.Balance(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "2940", b.Amount.String())
}

func TestSettle_Mismatch(t *testing.T) {
	store := newTestSQLite(t)
	settler := NewSettler(store, flatTerms)
	expected := decimal.NewFromInt(3500)

	res, err := settler.Settle(context.Background(), SettleRequest{
		OwnerID:        "owner-1",
		Outcome:        verified("FT260157S10C", 3000),
		ExpectedAmount: &expected,
	})
	require.NoError(t, err)
	assert.False(t, res.Credited)
	assert.Equal(t, model.EntryFailed, res.Entry.Status)
	assert.Equal(t, "mismatched fields: amount", res.Entry.FailureReason)
	assert.Equal(t, []string{model.FieldAmount}, res.Report.Mismatches())

	b, err := store.Balance(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())
}

func TestSettle_ClaimedAccountMismatch(t *testing.T) {
	store := newTestSQLite(t)
	settler := NewSettler(store, flatTerms)
	ctx := context.Background()

	res, err := settler.Settle(ctx, SettleRequest{
		OwnerID: "owner-1",
		Claim:   model.Claim{Reference: "FT260157S10C", AccountNumber: "1000099999999"},
		Outcome: verified("FT260157S10C", 3000),
	})
	require.NoError(t, err)
	assert.False(t, res.Credited)
	assert.Equal(t, model.EntryFailed, res.Entry.Status)
	assert.Equal(t, "mismatched fields: claimed_account", res.Entry.FailureReason)

	b, err := store.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())
}

func TestSettle_ClaimedAccountMatches(t *testing.T) {
	settler := NewSettler(newTestSQLite(t), flatTerms)

	res, err := settler.Settle(context.Background(), SettleRequest{
		OwnerID: "owner-1",
		Claim:   model.Claim{Reference: "FT260157S10C", AccountNumber: "1000012345678"},
		Outcome: verified("FT260157S10C", 3000),
	})
	require.NoError(t, err)
	assert.True(t, res.Credited)
	require.Len(t, res.Report.Rules, 2)
	assert.True(t, res.Report.OK)
}

func TestSettle_ReferenceMismatch(t *testing.T) {
	settler := NewSettler(newTestSQLite(t), flatTerms)
	out := verified("FT260157S10C", 3000)
	out.Result.Reference = model.StrPtr("FT260157S10X")

	res, err := settler.Settle(context.Background(), SettleRequest{OwnerID: "owner-1", Outcome: out})
	require.NoError(t, err)
	assert.Equal(t, model.EntryFailed, res.Entry.Status)
	assert.Contains(t, res.Entry.FailureReason, model.FieldReference)
}

func TestSettle_UpstreamFailureLeavesPending(t *testing.T) {
	store := newTestSQLite(t)
	settler := NewSettler(store, flatTerms)
	ctx := context.Background()

	res, err := settler.Settle(ctx, SettleRequest{
		OwnerID: "owner-1",
		Outcome: model.UpstreamFailure("FT260157S10C", "issuer responded 503 Service Unavailable"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EntryPending, res.Entry.Status)

	retry, err := settler.Settle(ctx, SettleRequest{OwnerID: "owner-1", Outcome: verified("FT260157S10C", 3000)})
	require.NoError(t, err)
	assert.True(t, retry.Credited)
	assert.Equal(t, res.Entry.ID, retry.Entry.ID)
}

func TestSettle_NotFoundFails(t *testing.T) {
	settler := NewSettler(newTestSQLite(t), flatTerms)

	res, err := settler.Settle(context.Background(), SettleRequest{
		OwnerID: "owner-1",
		Outcome: model.NotFound("FT260157S10C", "issuer has no receipt for FT260157S10C"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EntryFailed, res.Entry.Status)
	assert.Equal(t, "issuer has no receipt for FT260157S10C", res.Entry.FailureReason)
}

func TestSettle_MissingAmountFails(t *testing.T) {
	settler := NewSettler(newTestSQLite(t), flatTerms)
	out := model.Success("CHQ0FJ403O", &model.ExtractionResult{Reference: model.StrPtr("CHQ0FJ403O")})

	res, err := settler.Settle(context.Background(), SettleRequest{OwnerID: "owner-1", Outcome: out})
	require.NoError(t, err)
	assert.Equal(t, model.EntryFailed, res.Entry.Status)
	assert.Equal(t, "receipt carries no amount", res.Entry.FailureReason)
}

func TestSettle_FeesExceedAmount(t *testing.T) {
	terms := flatTerms
	terms.FixedFee = decimal.NewFromInt(50)
	settler := NewSettler(newTestSQLite(t), terms)

	res, err := settler.Settle(context.Background(), SettleRequest{OwnerID: "owner-1", Outcome: verified("FT260157S10C", 40)})
	require.NoError(t, err)
	assert.Equal(t, model.EntryFailed, res.Entry.Status)
}

func TestSettle_Rejections(t *testing.T) {
	settler := NewSettler(newTestSQLite(t), flatTerms)

	_, err := settler.Settle(context.Background(), SettleRequest{OwnerID: "owner-1", Outcome: model.InvalidReference("no reference found")})
	assert.True(t, errors.Is(err, ErrUnverifiable))

	_, err = settler.Settle(context.Background(), SettleRequest{Outcome: verified("FT260157S10C", 3000)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner id")
}

func TestSettle_Degraded(t *testing.T) {
	settler := NewSettler(nil, flatTerms)
	assert.True(t, settler.Degraded())

	_, err := settler.Settle(context.Background(), SettleRequest{OwnerID: "owner-1", Outcome: verified("FT260157S10C", 3000)})
	assert.True(t, errors.Is(err, ErrNoStore))
}

func TestSettle_LostCompleteRace(t *testing.T) {
	store := new(mockStore)
	pending := &model.Entry{ID: "e-1", OwnerID: "owner-1", Reference: "FT260157S10C", Status: model.EntryPending}
	completed := &model.Entry{ID: "e-1", OwnerID: "owner-1", Reference: "FT260157S10C", Status: model.EntryCompleted}

	store.On("Open", mock.Anything, mock.Anything).Return(pending, nil)
	store.On("Complete", mock.Anything, "e-1", mock.Anything).Return(nil, ErrDuplicateSettlement)
	store.On("Get", mock.Anything, "e-1").Return(completed, nil)

	res, err := NewSettler(store, flatTerms).Settle(context.Background(), SettleRequest{
		OwnerID: "owner-1",
		Outcome: verified("FT260157S10C", 3000),
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, model.EntryCompleted, res.Entry.Status)
	store.AssertExpectations(t)
}

func TestSettle_StoreError(t *testing.T) {
	store := new(mockStore)
	store.On("Open", mock.Anything, mock.Anything).Return(nil, errors.New("database is locked"))

	_, err := NewSettler(store, flatTerms).Settle(context.Background(), SettleRequest{
		OwnerID: "owner-1",
		Outcome: verified("FT260157S10C", 3000),
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDuplicateSettlement))
}

func TestSettle_AltReferenceFromReceiptNumber(t *testing.T) {
	store := new(mockStore)
	store.On("Open", mock.Anything, mock.MatchedBy(func(e *model.Entry) bool {
		return e.Reference == "CHQ0FJ403O" && e.AltReference == "RCPT-77" && e.Type == model.EntryDeposit
	})).Return(nil, ErrDuplicateSettlement)

	res, err := NewSettler(store, flatTerms).Settle(context.Background(), SettleRequest{
		OwnerID: "owner-1",
		Claim:   model.Claim{ReceiptNumber: "RCPT-77"},
		Outcome: verified("CHQ0FJ403O", 10),
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Entry)
	store.AssertExpectations(t)
}
