// Package extract turns receipt documents into structured fields. Bank
// receipts are parsed from plain text with an ordered regex rule table; telco
// receipts are parsed from HTML with a bilingual label dictionary.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/payment-proxy/internal/model"
)

// Rule binds a field key to a pattern. The field value is the first
// non-empty capture group of the first match.
type Rule struct {
	Field   string
	Pattern *regexp.Regexp
}

const number = `([0-9][0-9,]*(?:\.[0-9]+)?)`

// DefaultBankRules is the ordered rule table for bank receipt text.
var DefaultBankRules = []Rule{
	{model.FieldAmount, regexp.MustCompile(`(?i)(?:ETB[ \t]*` + number + `|Amount[ \t]*:?[ \t]*` + number + `[ \t]*ETB)`)},
	{model.FieldAmount, regexp.MustCompile(`(?i)` + number + `[ \t]*ETB\b`)},
	{model.FieldPayer, regexp.MustCompile(`(?im)^[ \t]*Payer(?:'?s)?(?:[ \t]+Name)?(?:[ \t]*:[ \t]*|[ \t]+)(\S.*?)[ \t]*$`)},
	{model.FieldReceiver, regexp.MustCompile(`(?im)^[ \t]*Receiver(?:'?s)?(?:[ \t]+Name)?(?:[ \t]*:[ \t]*|[ \t]+)(\S.*?)[ \t]*$`)},
	{model.FieldPayerAccount, regexp.MustCompile(`(?i:Payer)[^\n]*\n\s*(?i:Account)(?:[ \t]+(?i:No\.?))?[ \t]*:?\s*([A-Z0-9*]{4,})`)},
	{model.FieldReceiverAccount, regexp.MustCompile(`(?i:Receiver)[^\n]*\n\s*(?i:Account)(?:[ \t]+(?i:No\.?))?[ \t]*:?\s*([A-Z0-9*]{4,})`)},
	{model.FieldDate, regexp.MustCompile(`(?im)Payment[ \t]+Date(?:[ \t]*&[ \t]*Time)?[ \t]*:?[ \t]*(\S.*?)[ \t]*$`)},
	{model.FieldReference, regexp.MustCompile(`(?i)Reference[ \t]+No\.?(?:[ \t]*\([^)\n]*\))?[ \t]*:?\s*(FT[A-Z0-9]{10,18})`)},
	{model.FieldReason, regexp.MustCompile(`(?im)Reason(?:[ \t]*/[ \t]*Type[ \t]+of[ \t]+service)?[ \t]*:?[ \t]*(\S.*?)[ \t]*$`)},
}

// BankParser applies an ordered rule table to receipt text.
type BankParser struct {
	rules []Rule
}

// NewBankParser creates a parser from the default table followed by extra
// rules. Extra rules only fill fields the defaults left unset.
func NewBankParser(extra ...Rule) *BankParser {
	rules := make([]Rule, 0, len(DefaultBankRules)+len(extra))
	rules = append(rules, DefaultBankRules...)
	rules = append(rules, extra...)
	return &BankParser{rules: rules}
}

var defaultBankParser = NewBankParser()

// ParseBankReceipt extracts fields from bank receipt text using the default
// rules. Missing fields are left nil.
func ParseBankReceipt(text string) model.ExtractionResult {
	return defaultBankParser.Parse(text)
}

// Parse extracts every field it can from text. Each rule is independent: a
// rule that does not match leaves its field unset.
func (p *BankParser) Parse(text string) model.ExtractionResult {
	res := model.ExtractionResult{Text: text}
	for _, r := range p.rules {
		if hasField(&res, r.Field) {
			continue
		}
		v, ok := firstGroup(r.Pattern, text)
		if !ok {
			continue
		}
		setField(&res, r.Field, v)
	}
	return res
}

func firstGroup(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	for _, g := range m[1:] {
		if g = strings.TrimSpace(g); g != "" {
			return g, true
		}
	}
	return "", false
}

// ParseAmount parses a decimal amount with optional thousands separators.
func ParseAmount(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func hasField(r *model.ExtractionResult, field string) bool {
	switch field {
	case model.FieldAmount:
		return r.Amount != nil
	case model.FieldPayer:
		return r.Payer != nil
	case model.FieldReceiver:
		return r.Receiver != nil
	case model.FieldPayerAccount:
		return r.PayerAccount != nil
	case model.FieldReceiverAccount:
		return r.ReceiverAccount != nil
	case model.FieldDate:
		return r.Date != nil
	case model.FieldReference:
		return r.Reference != nil
	case model.FieldReason:
		return r.Reason != nil
	default:
		_, ok := r.Extra[field]
		return ok
	}
}

func setField(r *model.ExtractionResult, field, v string) {
	switch field {
	case model.FieldAmount:
		if f, ok := ParseAmount(v); ok {
			r.Amount = model.FloatPtr(f)
		}
	case model.FieldPayer:
		r.Payer = model.StrPtr(v)
	case model.FieldReceiver:
		r.Receiver = model.StrPtr(v)
	case model.FieldPayerAccount:
		r.PayerAccount = model.StrPtr(v)
	case model.FieldReceiverAccount:
		r.ReceiverAccount = model.StrPtr(v)
	case model.FieldDate:
		r.Date = model.StrPtr(v)
	case model.FieldReference:
		r.Reference = model.StrPtr(strings.ToUpper(v))
	case model.FieldReason:
		r.Reason = model.StrPtr(v)
	default:
		if r.Extra == nil {
			r.Extra = model.Fields{}
		}
		r.Extra[field] = v
	}
}
