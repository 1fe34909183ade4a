package extract

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Telco receipt field keys.
const (
	TelcoPayerName        = "payer_name"
	TelcoPayerPhone       = "payer_phone"
	TelcoPayerAccountType = "payer_account_type"
	TelcoReceiverName     = "credited_party_name"
	TelcoReceiverAccount  = "credited_party_account"
	TelcoStatus           = "transaction_status"
	TelcoBankAccount      = "bank_account_number"
	TelcoReceiptNo        = "receipt_no"
	TelcoDate             = "payment_date"
	TelcoSettledAmount    = "settled_amount"
	TelcoDiscount         = "discount_amount"
	TelcoVAT              = "vat_amount"
	TelcoServiceFee       = "service_fee"
	TelcoServiceFeeVAT    = "service_fee_vat"
	TelcoTotalPaid        = "total_paid_amount"
	TelcoAmountInWords    = "amount_in_words"
	TelcoPaymentMode      = "payment_mode"
	TelcoPaymentReason    = "payment_reason"
	TelcoPaymentChannel   = "payment_channel"
	TelcoTo               = "to"
)

// amountFields hold numbers; currency words are stripped before parsing.
var amountFields = map[string]bool{
	TelcoSettledAmount: true,
	TelcoDiscount:      true,
	TelcoVAT:           true,
	TelcoServiceFee:    true,
	TelcoServiceFeeVAT: true,
	TelcoTotalPaid:     true,
}

// defaultLabels maps each field to the label variants seen on receipts, in
// both Amharic and English.
var defaultLabels = map[string][]string{
	TelcoPayerName:        {"የከፋይ ስም", "Payer Name"},
	TelcoPayerPhone:       {"የከፋይ ቴሌብር ቁ.", "Payer telebirr no.", "Payer Phone"},
	TelcoPayerAccountType: {"የከፋይ አካውንት አይነት", "Payer account type"},
	TelcoReceiverName:     {"የገንዘብ ተቀባይ ስም", "Credited Party name", "Receiver Name"},
	TelcoReceiverAccount:  {"የገንዘብ ተቀባይ ቴሌብር ቁ.", "Credited party account no", "Receiver Account"},
	TelcoStatus:           {"የክፍያው ሁኔታ", "transaction status"},
	TelcoBankAccount:      {"የባንክ አካውንት ቁጥር", "Bank account number"},
	TelcoReceiptNo:        {"የክፍያ ቁጥር", "Invoice No.", "Receipt No.", "Transaction ID"},
	TelcoDate:             {"የክፍያ ቀን", "Payment date"},
	TelcoSettledAmount:    {"የተከፈለው መጠን", "Settled Amount"},
	TelcoDiscount:         {"ቅናሽ", "Discount Amount"},
	TelcoVAT:              {"15% ቫት", "VAT", "15% VAT"},
	TelcoServiceFee:       {"የአገልግሎት ክፍያ", "Service fee"},
	TelcoServiceFeeVAT:    {"የአገልግሎት ክፍያ ተ.እ.ታ", "Service fee VAT"},
	TelcoTotalPaid:        {"ጠቅላላ የተክፈለ", "ጠቅላላ የተከፈለ", "Total Paid Amount"},
	TelcoAmountInWords:    {"የገንዘቡ ልክ በፊደል", "Total Amount in word"},
	TelcoPaymentMode:      {"የክፍያ ዘዴ", "Payment Mode"},
	TelcoPaymentReason:    {"የክፍያ ምክንያት", "Payment Reason"},
	TelcoPaymentChannel:   {"የክፍያ መንገድ", "Payment channel"},
}

// Labels is a normalized label-to-field dictionary.
type Labels map[string]string

// NewLabels builds a dictionary from the defaults plus extra synonyms keyed by
// field. Extra synonyms never replace a default mapping.
func NewLabels(extra map[string][]string) Labels {
	l := Labels{}
	for field, syns := range extra {
		for _, s := range syns {
			l[normalizeLabel(s)] = field
		}
	}
	for field, syns := range defaultLabels {
		for _, s := range syns {
			l[normalizeLabel(s)] = field
		}
	}
	delete(l, "")
	return l
}

// Match returns the field for a cell's text. Bilingual cells such as
// "የከፋይ ስም/Payer Name" match on either half.
func (l Labels) Match(text string) (string, bool) {
	if f, ok := l[normalizeLabel(text)]; ok {
		return f, true
	}
	if !strings.Contains(text, "/") {
		return "", false
	}
	for _, part := range strings.Split(text, "/") {
		if f, ok := l[normalizeLabel(part)]; ok {
			return f, true
		}
	}
	return "", false
}

// normalizeLabel lower-cases s and drops everything except letters, digits
// and combining marks, after NFC composition.
func normalizeLabel(s string) string {
	s = norm.NFC.String(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
