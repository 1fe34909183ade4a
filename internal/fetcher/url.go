package fetcher

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/sells-group/payment-proxy/internal/model"
)

var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// legacyAccountSuffix is how many trailing account digits the legacy
// path-style receipt URL appends to the reference.
const legacyAccountSuffix = 8

// BuildURL constructs the issuer query URL for reference. An empty base
// selects the issuer default. Query-style issuers get the reference in their
// query parameter; if the base cannot be parsed, an account number selects the
// legacy "<base>/<reference><account suffix>" form, and otherwise the
// parameter is appended verbatim.
func BuildURL(iss model.Issuer, base, reference, account string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = iss.DefaultBaseURL
	}
	if !schemePattern.MatchString(base) {
		base = "https://" + base
	}

	if iss.URLStyle == model.URLStylePath {
		return strings.TrimRight(base, "/") + "/" + url.PathEscape(reference)
	}

	param := iss.QueryParam
	if param == "" {
		param = "id"
	}

	if u, err := url.Parse(base); err == nil && u.Host != "" {
		q := u.Query()
		q.Set(param, reference)
		u.RawQuery = q.Encode()
		return u.String()
	}

	account = strings.TrimSpace(account)
	if account != "" {
		suffix := account
		if len(suffix) > legacyAccountSuffix {
			suffix = suffix[len(suffix)-legacyAccountSuffix:]
		}
		return strings.TrimRight(base, "/") + "/" + reference + suffix
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + param + "=" + url.QueryEscape(reference)
}
