package model

// Extraction provenance tags. Strategy names double as provenance for
// document-level results; detection results use the upper-case tags.
const (
	SourcePDFText         = "pdf_text"
	SourcePDFOCR          = "pdf_ocr"
	SourceHTMLLabels      = "html_labels"
	SourceImageDetect     = "image_detect"
	SourceQRCode          = "QR_CODE"
	SourceTextRecognition = "TEXT_RECOGNITION"
)

// Fields is a flat set of named receipt values used by reconciliation.
type Fields map[string]any

// Canonical field keys shared by both extractor families.
const (
	FieldReference       = "reference"
	FieldAmount          = "amount"
	FieldPayer           = "payer"
	FieldReceiver        = "receiver"
	FieldPayerAccount    = "payer_account"
	FieldReceiverAccount = "receiver_account"
	FieldDate            = "date"
	FieldReason          = "reason"
)

// ExtractionResult is the structured view of one receipt document. Every field
// except Text and Source is optional; a partial result is still valid.
type ExtractionResult struct {
	Text            string   `json:"text,omitempty"`
	Amount          *float64 `json:"amount,omitempty"`
	Payer           *string  `json:"payer,omitempty"`
	Receiver        *string  `json:"receiver,omitempty"`
	PayerAccount    *string  `json:"payer_account,omitempty"`
	ReceiverAccount *string  `json:"receiver_account,omitempty"`
	Date            *string  `json:"date,omitempty"`
	Reason          *string  `json:"reason,omitempty"`
	Reference       *string  `json:"reference,omitempty"`
	Source          string   `json:"source"`
	// Extra carries issuer-specific fields (telco VAT, fees, status...).
	Extra Fields `json:"extra,omitempty"`
}

// Usable reports whether the result carries a resolvable reference or amount.
func (r *ExtractionResult) Usable() bool {
	if r == nil {
		return false
	}
	return (r.Reference != nil && *r.Reference != "") || r.Amount != nil
}

// Fields flattens the result into a field set. Absent optional values are
// omitted rather than stored as nil.
func (r *ExtractionResult) Fields() Fields {
	f := Fields{}
	if r == nil {
		return f
	}
	for k, v := range r.Extra {
		f[k] = v
	}
	if r.Amount != nil {
		f[FieldAmount] = *r.Amount
	}
	put := func(key string, v *string) {
		if v != nil {
			f[key] = *v
		}
	}
	put(FieldReference, r.Reference)
	put(FieldPayer, r.Payer)
	put(FieldReceiver, r.Receiver)
	put(FieldPayerAccount, r.PayerAccount)
	put(FieldReceiverAccount, r.ReceiverAccount)
	put(FieldDate, r.Date)
	put(FieldReason, r.Reason)
	return f
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string { return &s }

// FloatPtr returns a pointer to f.
func FloatPtr(f float64) *float64 { return &f }
