package verify

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/payment-proxy/internal/config"
	"github.com/sells-group/payment-proxy/internal/extract"
	"github.com/sells-group/payment-proxy/internal/fetcher"
	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/ocr"
	"github.com/sells-group/payment-proxy/internal/resilience"
)

// NewFromConfig builds a Verifier with the HTTP fetcher, OCR providers and
// extraction rules described by cfg.
func NewFromConfig(cfg *config.Config) (*Verifier, error) {
	pdf, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		return nil, eris.Wrap(err, "verify: ocr extractor")
	}
	recognizer := ocr.NewRecognizer(cfg.OCR)

	rules, err := extract.LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, eris.Wrap(err, "verify: load rules")
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout(),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		RatePerSec:   cfg.Fetch.RatePerSec,
		Breakers:     resilience.NewHostBreakers(resilience.CircuitFromConfig(cfg.Resilience)),
	})

	bases := map[string]string{
		model.IssuerCBE:      cfg.Issuers.CBE.BaseURL,
		model.IssuerTelebirr: cfg.Issuers.Telebirr.BaseURL,
	}

	var profiles []Profile
	for _, iss := range []model.Issuer{model.CBE, model.Telebirr} {
		profiles = append(profiles, Profile{
			Issuer:  iss,
			BaseURL: bases[iss.Name],
			Extractor: extract.DefaultChain(extract.Options{
				PDF:        pdf,
				Recognizer: recognizer,
				Issuer:     iss,
				Rules:      rules,
			}),
			Detector: ocr.NewDetector(iss, recognizer),
		})
	}
	return New(f, cfg.Fetch.Timeout(), profiles...), nil
}
