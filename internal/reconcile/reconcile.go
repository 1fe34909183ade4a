// Package reconcile compares fields extracted from a receipt against the
// values a caller expects.
package reconcile

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/payment-proxy/internal/model"
)

// Equal compares two field values. Numeric-looking values compare as
// numbers, everything else as trimmed strings. nil never equals anything,
// including another nil.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	na, aNum := asNumber(a)
	nb, bNum := asNumber(b)
	if aNum && bNum {
		return na.Equal(nb)
	}
	if aNum != bNum {
		return false
	}
	return asString(a) == asString(b)
}

// VerifyAll reports whether every field of parsed that also appears in
// expected matches. Keys in ignore are skipped. An empty parsed set never
// verifies.
func VerifyAll(parsed, expected model.Fields, ignore ...string) bool {
	if len(parsed) == 0 {
		return false
	}
	skip := make(map[string]bool, len(ignore))
	for _, k := range ignore {
		skip[k] = true
	}
	for k, pv := range parsed {
		if skip[k] {
			continue
		}
		ev, ok := expected[k]
		if !ok {
			continue
		}
		if !Equal(pv, ev) {
			return false
		}
	}
	return true
}

// VerifyOnly reports whether each named field matches. Fields absent from
// expected are not checked. An empty key list never verifies.
func VerifyOnly(parsed, expected model.Fields, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		ev, ok := expected[k]
		if !ok {
			continue
		}
		if !Equal(parsed[k], ev) {
			return false
		}
	}
	return true
}

// Rule is the outcome of comparing one field.
type Rule struct {
	Field    string `json:"field"`
	Parsed   any    `json:"parsed,omitempty"`
	Expected any    `json:"expected,omitempty"`
	OK       bool   `json:"ok"`
}

// Report is a per-field verdict plus the overall result.
type Report struct {
	Rules []Rule `json:"rules"`
	OK    bool   `json:"ok"`
}

// Mismatches returns the fields that failed.
func (r Report) Mismatches() []string {
	var out []string
	for _, rule := range r.Rules {
		if !rule.OK {
			out = append(out, rule.Field)
		}
	}
	return out
}

// String summarizes the report for logs and failure reasons.
func (r Report) String() string {
	if r.OK {
		return "all fields match"
	}
	return "mismatched fields: " + strings.Join(r.Mismatches(), ", ")
}

// JSON renders the report for ledger metadata.
func (r Report) JSON() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

// Check compares the named keys, or every expected key when keys is empty.
// Fields missing from expected are skipped; a field expected but missing from
// parsed fails. A report with no compared fields is not OK.
func Check(parsed, expected model.Fields, keys []string) Report {
	if len(keys) == 0 {
		for k := range expected {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	var rep Report
	allMatch := true
	for _, k := range keys {
		ev, ok := expected[k]
		if !ok {
			continue
		}
		pv := parsed[k]
		match := Equal(pv, ev)
		if !match && isAccountField(k) {
			match = MatchMaskedAccount(asString(pv), asString(ev))
		}
		rep.Rules = append(rep.Rules, Rule{Field: k, Parsed: pv, Expected: ev, OK: match})
		if !match {
			allMatch = false
		}
	}
	rep.OK = allMatch && len(rep.Rules) > 0
	return rep
}

// FieldClaimedAccount names the rule comparing a claim's account number with
// the receipt's parties.
const FieldClaimedAccount = "claimed_account"

// Add appends a rule and folds it into the verdict.
func (r *Report) Add(rule Rule) {
	r.OK = (r.OK || len(r.Rules) == 0) && rule.OK
	r.Rules = append(r.Rules, rule)
}

// ClaimedAccount checks the account a claim names against the receipt. The
// claim passes when either the payer or the receiver account matches. A
// receipt showing neither account fails.
func ClaimedAccount(parsed model.Fields, account string) Rule {
	account = strings.TrimSpace(account)
	rule := Rule{Field: FieldClaimedAccount, Expected: account}
	for _, k := range []string{model.FieldPayerAccount, model.FieldReceiverAccount} {
		shown := asString(parsed[k])
		if shown == "" {
			continue
		}
		if rule.Parsed == nil {
			rule.Parsed = shown
		}
		for _, form := range accountForms(account) {
			if MatchMaskedAccount(shown, form) {
				rule.Parsed = shown
				rule.OK = true
				return rule
			}
		}
	}
	return rule
}

// accountForms lists the spellings a receipt may use for account. Nine-digit
// mobile numbers also appear with the 251 country code or a leading zero.
func accountForms(account string) []string {
	forms := []string{account}
	if len(account) == 9 && strings.Trim(account, "0123456789") == "" {
		forms = append(forms, "251"+account, "0"+account)
	}
	return forms
}

func isAccountField(k string) bool {
	return k == model.FieldPayerAccount || k == model.FieldReceiverAccount
}

// MatchMaskedAccount compares a masked receipt account such as "1****5678"
// with a full account number. The visible prefix and suffix must agree and
// the full account must be long enough to cover the mask.
func MatchMaskedAccount(masked, account string) bool {
	masked = strings.TrimSpace(masked)
	account = strings.TrimSpace(account)
	if masked == "" || account == "" {
		return false
	}
	if !strings.Contains(masked, "*") {
		return strings.EqualFold(masked, account)
	}
	if strings.Contains(account, "*") {
		return false
	}
	first := strings.IndexByte(masked, '*')
	last := strings.LastIndexByte(masked, '*')
	prefix, suffix := masked[:first], masked[last+1:]
	if suffix == "" || len(account) < len(prefix)+len(suffix)+(last-first+1) {
		return false
	}
	return strings.HasPrefix(account, prefix) && strings.HasSuffix(account, suffix)
}

func asNumber(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt32(n), true
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if s == "" {
			return decimal.Decimal{}, false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return strings.TrimSpace(s.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
