package model

import "regexp"

// DocumentKind declares the shape of an issuer's receipt document. The
// extractor family is selected from this value, never by sniffing bytes.
type DocumentKind string

const (
	DocumentPDF   DocumentKind = "pdf"
	DocumentHTML  DocumentKind = "html"
	DocumentImage DocumentKind = "image"
)

// URLStyle describes how a reference is placed into an issuer verification URL.
type URLStyle string

const (
	URLStyleQuery URLStyle = "query" // ?id=<reference>
	URLStylePath  URLStyle = "path"  // /<reference>
)

// Issuer describes one bank or telco whose receipts can be verified.
type Issuer struct {
	Name           string
	Reference      *regexp.Regexp
	Account        *regexp.Regexp
	DefaultBaseURL string
	Document       DocumentKind
	URLStyle       URLStyle
	// QueryParam is the parameter carrying the reference for query-style URLs.
	QueryParam string
	// RequireDigit rejects pattern matches with no digit, so upper-case
	// words in prose are not taken for references.
	RequireDigit bool
}

// Built-in issuer names.
const (
	IssuerCBE      = "cbe"
	IssuerTelebirr = "telebirr"
)

// CBE is the Commercial Bank of Ethiopia profile: PDF receipts keyed by an
// FT reference, 13-digit accounts starting with 1000.
var CBE = Issuer{
	Name:           IssuerCBE,
	Reference:      regexp.MustCompile(`(?i)FT[A-Z0-9]{10,18}`),
	Account:        regexp.MustCompile(`^1000\d{9}$`),
	DefaultBaseURL: "https://apps.cbe.com.et:100/",
	Document:       DocumentPDF,
	URLStyle:       URLStyleQuery,
	QueryParam:     "id",
}

// Telebirr is the Ethio Telecom mobile-money profile: HTML receipts addressed
// by receipt number in the URL path.
var Telebirr = Issuer{
	Name:           IssuerTelebirr,
	Reference:      regexp.MustCompile(`\b[A-Z]{2}[A-Z0-9]{8}\b`),
	Account:        regexp.MustCompile(`^[79]\d{8}$`),
	DefaultBaseURL: "https://transactioninfo.ethiotelecom.et/receipt/",
	Document:       DocumentHTML,
	URLStyle:       URLStylePath,
	QueryParam:     "id",
	RequireDigit:   true,
}

// Issuers indexes the built-in profiles by name.
var Issuers = map[string]Issuer{
	IssuerCBE:      CBE,
	IssuerTelebirr: Telebirr,
}

// LookupIssuer returns the named issuer. An empty name selects CBE.
func LookupIssuer(name string) (Issuer, bool) {
	if name == "" {
		return CBE, true
	}
	iss, ok := Issuers[name]
	return iss, ok
}
