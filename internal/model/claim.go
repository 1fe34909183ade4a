package model

import "time"

// Claim is a caller's assertion about a deposit awaiting independent
// confirmation. Amounts are deliberately absent: the receipt is authoritative.
type Claim struct {
	Issuer        string        `json:"issuer,omitempty"`
	Reference     string        `json:"reference,omitempty"`
	Link          string        `json:"link,omitempty"`
	Message       string        `json:"message,omitempty"`
	AccountNumber string        `json:"account_number,omitempty"`
	BaseURL       string        `json:"base_url,omitempty"`
	ReceiptNumber string        `json:"receipt_number,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	// Image is a receipt screenshot, read only when the claim carries no
	// reference, link or message.
	Image []byte `json:"-"`
}

// Detection is the result of reading a reference out of a receipt image.
type Detection struct {
	Value        string        `json:"value"`
	DetectedFrom string        `json:"detectedFrom"`
	TimeTaken    time.Duration `json:"timeTaken"`
	// Text is the recognized text; empty for QR detections.
	Text string `json:"text,omitempty"`
}
