package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/payment-proxy/internal/model"
)

// Event is a provider notification that a payment happened.
type Event struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Issuer        string           `json:"issuer"`
	OwnerID       string           `json:"owner_id"`
	Reference     string           `json:"reference"`
	ReceiptNumber string           `json:"receipt_number"`
	Link          string           `json:"link"`
	AccountNumber string           `json:"account_number"`
	Amount        *decimal.Decimal `json:"amount"`
	ReceivedAt    time.Time        `json:"-"`
	Raw           json.RawMessage  `json:"-"`
}

// ParseEvent decodes and validates an event body. issuer fills in an
// event that does not name one.
func ParseEvent(body []byte, issuer string) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, eris.Wrap(err, "webhook: malformed event")
	}
	ev.Reference = strings.TrimSpace(ev.Reference)
	ev.Link = strings.TrimSpace(ev.Link)
	if ev.Reference == "" && ev.Link == "" && ev.ReceiptNumber == "" {
		return Event{}, eris.New("webhook: event carries no reference")
	}
	if ev.OwnerID == "" {
		return Event{}, eris.New("webhook: event carries no owner")
	}
	if ev.Amount != nil && !ev.Amount.IsPositive() {
		return Event{}, eris.New("webhook: event amount must be positive")
	}
	if ev.Issuer == "" {
		ev.Issuer = issuer
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.ReceivedAt = time.Now().UTC()
	ev.Raw = append(json.RawMessage(nil), body...)
	return ev, nil
}

// Claim converts the event into a verification claim.
func (e Event) Claim() model.Claim {
	ref := e.Reference
	if ref == "" && e.Link == "" {
		ref = e.ReceiptNumber
	}
	return model.Claim{
		Issuer:        e.Issuer,
		Reference:     ref,
		Link:          e.Link,
		AccountNumber: e.AccountNumber,
		ReceiptNumber: e.ReceiptNumber,
	}
}
