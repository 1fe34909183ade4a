// Package reference turns free-form deposit claims into canonical issuer
// transaction references and validates claimed account numbers.
package reference

import (
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payment-proxy/internal/model"
)

var (
	// ErrInvalidReference is returned when no reference-shaped candidate exists.
	ErrInvalidReference = eris.New("reference: no valid transaction reference found")
	// ErrInvalidAccount is returned when a supplied account number is malformed.
	ErrInvalidAccount = eris.New("reference: invalid account number")
)

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)

// Bundle is the subset of a claim that can carry a reference.
type Bundle struct {
	Reference string
	Link      string
	Message   string
}

// BundleFromClaim extracts the reference-bearing fields of a claim.
func BundleFromClaim(c model.Claim) Bundle {
	return Bundle{Reference: c.Reference, Link: c.Link, Message: c.Message}
}

// Find returns the first reference-shaped substring of s in canonical form.
func Find(iss model.Issuer, s string) (string, bool) {
	for _, m := range iss.Reference.FindAllString(strings.TrimSpace(s), -1) {
		if iss.RequireDigit && !strings.ContainsAny(m, "0123456789") {
			continue
		}
		return Canonical(m), true
	}
	return "", false
}

// Canonical upper-cases a reference and strips surrounding whitespace.
func Canonical(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// Resolve picks one canonical reference from the bundle. The first non-empty
// source wins and is the only one validated: explicit reference, explicit
// link, then the message (the first URL in it that carries a reference, else
// any bare reference).
func Resolve(iss model.Issuer, b Bundle) (string, error) {
	if strings.TrimSpace(b.Reference) != "" {
		if ref, ok := Find(iss, b.Reference); ok {
			return ref, nil
		}
		return "", eris.Wrapf(ErrInvalidReference, "reference %q", strings.TrimSpace(b.Reference))
	}
	if strings.TrimSpace(b.Link) != "" {
		if ref, ok := fromLink(iss, b.Link); ok {
			return ref, nil
		}
		return "", eris.Wrap(ErrInvalidReference, "link carries no reference")
	}
	if b.Message != "" {
		for _, u := range urlPattern.FindAllString(b.Message, -1) {
			if _, ok := Find(iss, u); !ok {
				continue
			}
			if ref, ok := fromLink(iss, u); ok {
				return ref, nil
			}
			ref, _ := Find(iss, u)
			return ref, nil
		}
		if ref, ok := Find(iss, b.Message); ok {
			return ref, nil
		}
	}
	return "", ErrInvalidReference
}

// fromLink reads a reference out of a link's query string, preferring the
// issuer's reference parameter, then falling back to the last path segment.
func fromLink(iss model.Issuer, link string) (string, bool) {
	raw := strings.TrimSpace(link)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	q := u.Query()
	if iss.QueryParam != "" {
		if ref, ok := Find(iss, q.Get(iss.QueryParam)); ok {
			return ref, true
		}
	}
	keys := make([]string, 0, len(q))
	for key := range q {
		if key != iss.QueryParam {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, v := range q[key] {
			if ref, ok := Find(iss, v); ok {
				return ref, true
			}
		}
	}
	if seg := path.Base(u.Path); seg != "/" && seg != "." {
		if ref, ok := Find(iss, seg); ok {
			return ref, true
		}
	}
	return "", false
}

// ValidateAccount accepts an empty account as "no account filter"; otherwise
// the account must match the issuer's fixed numeric format.
func ValidateAccount(iss model.Issuer, account string) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil
	}
	if iss.Account == nil || !iss.Account.MatchString(account) {
		return eris.Wrapf(ErrInvalidAccount, "account %q does not match %s format", account, iss.Name)
	}
	return nil
}
