package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payment-proxy/internal/model"
)

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt-1","owner_id":"u-1","reference":" FT260157S10C ","amount":"3000.00"}`), model.IssuerCBE)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, model.IssuerCBE, ev.Issuer)
	assert.Equal(t, "FT260157S10C", ev.Reference)
	require.NotNil(t, ev.Amount)
	assert.Equal(t, "3000", ev.Amount.String())
	assert.False(t, ev.ReceivedAt.IsZero())
	assert.NotEmpty(t, ev.Raw)
}

func TestParseEvent_Defaults(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"owner_id":"u-1","issuer":"telebirr","receipt_number":"CHQ0FJ403O","amount":150}`), model.IssuerCBE)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, model.IssuerTelebirr, ev.Issuer, "body issuer wins over route")

	claim := ev.Claim()
	assert.Equal(t, "CHQ0FJ403O", claim.Reference)
	assert.Equal(t, "CHQ0FJ403O", claim.ReceiptNumber)
}

func TestParseEvent_Rejects(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"malformed", `{"owner_id":`, "malformed event"},
		{"not an object", `[1,2]`, "malformed event"},
		{"no reference", `{"owner_id":"u-1"}`, "no reference"},
		{"no owner", `{"reference":"FT260157S10C"}`, "no owner"},
		{"negative amount", `{"owner_id":"u-1","reference":"FT260157S10C","amount":-5}`, "positive"},
		{"bad amount", `{"owner_id":"u-1","reference":"FT260157S10C","amount":"lots"}`, "malformed event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.body), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEvent_ClaimKeepsLink(t *testing.T) {
	ev := Event{Issuer: model.IssuerCBE, Link: "https://apps.cbe.com.et:100/?id=FT260157S10C", ReceiptNumber: "R-1"}
	claim := ev.Claim()
	assert.Empty(t, claim.Reference)
	assert.Equal(t, ev.Link, claim.Link)
}
