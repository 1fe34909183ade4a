// Package verify confirms a deposit claim against the issuer's own receipt:
// resolve the reference, fetch the receipt, extract its fields.
package verify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payment-proxy/internal/extract"
	"github.com/sells-group/payment-proxy/internal/fetcher"
	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/ocr"
	"github.com/sells-group/payment-proxy/internal/reference"
)

// ErrUnknownIssuer is returned by Detect for an unconfigured issuer.
var ErrUnknownIssuer = eris.New("verify: unknown issuer")

// Extractor turns a fetched document into fields. *extract.Chain implements it.
type Extractor interface {
	Extract(ctx context.Context, kind model.DocumentKind, doc []byte, hint extract.Hint) (*model.ExtractionResult, error)
}

// Detector reads a reference from a receipt image. *ocr.Detector implements it.
type Detector interface {
	Detect(ctx context.Context, image []byte) (*model.Detection, error)
}

// Profile binds an issuer to its runtime collaborators.
type Profile struct {
	Issuer    model.Issuer
	BaseURL   string // empty selects Issuer.DefaultBaseURL
	Extractor Extractor
	Detector  Detector // optional
}

// Verifier runs the verification pipeline. It holds no per-claim state and is
// safe for concurrent use.
type Verifier struct {
	fetcher  fetcher.Fetcher
	timeout  time.Duration
	profiles map[string]Profile
}

// New creates a Verifier. timeout applies to each fetch unless a claim
// overrides it; zero selects fetcher.DefaultTimeout.
func New(f fetcher.Fetcher, timeout time.Duration, profiles ...Profile) *Verifier {
	if timeout <= 0 {
		timeout = fetcher.DefaultTimeout
	}
	v := &Verifier{fetcher: f, timeout: timeout, profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		v.profiles[p.Issuer.Name] = p
	}
	return v
}

func (v *Verifier) profile(name string) (Profile, bool) {
	if name == "" {
		name = model.IssuerCBE
	}
	p, ok := v.profiles[name]
	return p, ok
}

// Issuers returns the configured issuer names.
func (v *Verifier) Issuers() []string {
	names := make([]string, 0, len(v.profiles))
	for name := range v.profiles {
		names = append(names, name)
	}
	return names
}

// Verify confirms a claim. Every failure is reported as an Outcome variant;
// nothing is cached, so a retried claim is verified afresh.
func (v *Verifier) Verify(ctx context.Context, claim model.Claim) model.Outcome {
	start := time.Now()
	out := v.verify(ctx, claim)

	fields := []zap.Field{
		zap.String("issuer", claim.Issuer),
		zap.String("outcome", string(out.Kind)),
		zap.String("reference", out.Reference),
		zap.Duration("elapsed", time.Since(start)),
	}
	switch {
	case out.OK():
		zap.L().Info("verify: receipt confirmed", append(fields, zap.String("source", out.Result.Source))...)
	case out.Transient():
		zap.L().Warn("verify: upstream failure", append(fields, zap.String("message", out.Message))...)
	default:
		zap.L().Info("verify: claim rejected", append(fields, zap.String("message", out.Message))...)
	}
	return out
}

func (v *Verifier) verify(ctx context.Context, claim model.Claim) model.Outcome {
	p, ok := v.profile(claim.Issuer)
	if !ok {
		return model.InvalidReference("unknown issuer " + claim.Issuer)
	}
	iss := p.Issuer

	if err := reference.ValidateAccount(iss, claim.AccountNumber); err != nil {
		return model.InvalidAccount(err.Error())
	}

	var screenshot *model.ExtractionResult
	if len(claim.Image) > 0 && bundleBlank(claim) {
		res, out, ok := v.readScreenshot(ctx, p, claim)
		if !ok {
			return out
		}
		screenshot = res
		claim.Reference = *res.Reference
	}

	ref, err := reference.Resolve(iss, reference.BundleFromClaim(claim))
	if err != nil {
		return model.InvalidReference(err.Error())
	}

	base := claim.BaseURL
	if base == "" {
		base = p.BaseURL
	}
	target := fetcher.BuildURL(iss, base, ref, claim.AccountNumber)

	timeout := claim.Timeout
	if timeout <= 0 {
		timeout = v.timeout
	}

	doc, err := v.fetcher.Fetch(ctx, target, timeout)
	if err != nil {
		if errors.Is(err, fetcher.ErrNotFound) {
			return model.NotFound(ref, "issuer has no receipt for "+ref)
		}
		return model.UpstreamFailure(ref, upstreamMessage(err))
	}

	hint := extract.Hint{ReceiptNumber: claim.ReceiptNumber}
	if hint.ReceiptNumber == "" {
		hint.ReceiptNumber = ref
	}
	res, err := p.Extractor.Extract(ctx, iss.Document, doc, hint)
	if err != nil {
		if errors.Is(err, extract.ErrUnusable) {
			return model.NotFound(ref, "receipt carries no reference or amount")
		}
		return model.UpstreamFailure(ref, err.Error())
	}
	if screenshot != nil {
		// Screenshot fields are recorded for audit only; settlement reads the
		// issuer's receipt.
		if res.Extra == nil {
			res.Extra = model.Fields{}
		}
		res.Extra["screenshot"] = screenshot.Fields()
	}
	return model.Success(ref, res)
}

func bundleBlank(c model.Claim) bool {
	return strings.TrimSpace(c.Reference) == "" &&
		strings.TrimSpace(c.Link) == "" &&
		strings.TrimSpace(c.Message) == ""
}

// readScreenshot runs the profile's image strategies over the claim image.
// The returned outcome is set only when ok is false.
func (v *Verifier) readScreenshot(ctx context.Context, p Profile, claim model.Claim) (*model.ExtractionResult, model.Outcome, bool) {
	res, err := p.Extractor.Extract(ctx, model.DocumentImage, claim.Image, extract.Hint{ReceiptNumber: claim.ReceiptNumber})
	if err != nil {
		if errors.Is(err, extract.ErrUnusable) {
			return nil, model.InvalidReference("no reference found in receipt image"), false
		}
		return nil, model.UpstreamFailure("", err.Error()), false
	}
	if res == nil || res.Reference == nil || *res.Reference == "" {
		return nil, model.InvalidReference("no reference found in receipt image"), false
	}
	zap.L().Debug("verify: reference read from screenshot",
		zap.String("issuer", claim.Issuer),
		zap.String("reference", *res.Reference),
	)
	return res, model.Outcome{}, true
}

func upstreamMessage(err error) string {
	var up *fetcher.UpstreamError
	if errors.As(err, &up) {
		return up.Error()
	}
	return err.Error()
}

// Detect reads a reference from a receipt image for the named issuer. A nil
// detection with a nil error means nothing was found.
func (v *Verifier) Detect(ctx context.Context, issuer string, image []byte) (*model.Detection, error) {
	p, ok := v.profile(issuer)
	if !ok || p.Detector == nil {
		return nil, eris.Wrapf(ErrUnknownIssuer, "no detector for %q", issuer)
	}
	d, err := p.Detector.Detect(ctx, image)
	if errors.Is(err, ocr.ErrNotDetected) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	zap.L().Info("verify: image detection",
		zap.String("issuer", p.Issuer.Name),
		zap.String("detected_from", d.DetectedFrom),
		zap.Duration("time_taken", d.TimeTaken),
	)
	return d, nil
}
