package extract

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/ocr"
)

// ErrUnusable is returned when no strategy produced a result carrying a
// reference or an amount.
var ErrUnusable = eris.New("extract: no usable receipt data")

// Hint carries caller-supplied context a strategy may use.
type Hint struct {
	ReceiptNumber string
}

// StrategyFunc turns a raw document into a result. A nil result with a nil
// error means "nothing found".
type StrategyFunc func(ctx context.Context, doc []byte, hint Hint) (*model.ExtractionResult, error)

// Strategy is one named extraction technique for one document kind.
type Strategy struct {
	Name string
	Kind model.DocumentKind
	Func StrategyFunc
}

// Chain tries strategies in order, returning the first usable result.
type Chain struct {
	strategies []Strategy
}

// NewChain creates a Chain. Strategies are tried in the order given.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Strategies returns the names of the strategies registered for kind.
func (c *Chain) Strategies(kind model.DocumentKind) []string {
	var names []string
	for _, s := range c.strategies {
		if s.Kind == kind {
			names = append(names, s.Name)
		}
	}
	return names
}

// Extract runs the strategies registered for kind. The winning result is
// tagged with its strategy name. If every strategy failed with an error the
// last error is returned; if at least one ran cleanly but nothing was usable,
// ErrUnusable is returned.
func (c *Chain) Extract(ctx context.Context, kind model.DocumentKind, doc []byte, hint Hint) (*model.ExtractionResult, error) {
	var (
		lastErr error
		ranOK   bool
	)
	for _, s := range c.strategies {
		if s.Kind != kind {
			continue
		}
		res, err := s.Func(ctx, doc, hint)
		if err != nil {
			zap.L().Debug("extract: strategy failed, trying next",
				zap.String("strategy", s.Name),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		ranOK = true
		if res.Usable() {
			res.Source = s.Name
			return res, nil
		}
	}
	if lastErr != nil && !ranOK {
		return nil, eris.Wrap(lastErr, "extract: all strategies failed")
	}
	return nil, ErrUnusable
}

// PDFText extracts PDF text with ext and applies the bank rules.
func PDFText(name string, ext ocr.Extractor, parser *BankParser) Strategy {
	if parser == nil {
		parser = defaultBankParser
	}
	return Strategy{
		Name: name,
		Kind: model.DocumentPDF,
		Func: func(ctx context.Context, doc []byte, _ Hint) (*model.ExtractionResult, error) {
			text, err := ext.ExtractText(ctx, doc)
			if err != nil {
				return nil, err
			}
			res := parser.Parse(text)
			return &res, nil
		},
	}
}

// ImageDetect reads a receipt image. The detected reference always wins;
// recognized text is run through the bank rules for the remaining fields. A
// QR detection carries the reference alone.
func ImageDetect(det *ocr.Detector, parser *BankParser) Strategy {
	if parser == nil {
		parser = defaultBankParser
	}
	return Strategy{
		Name: model.SourceImageDetect,
		Kind: model.DocumentImage,
		Func: func(ctx context.Context, doc []byte, _ Hint) (*model.ExtractionResult, error) {
			d, err := det.Detect(ctx, doc)
			if errors.Is(err, ocr.ErrNotDetected) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			res := &model.ExtractionResult{}
			if d.Text != "" {
				parsed := parser.Parse(d.Text)
				res = &parsed
			}
			res.Reference = model.StrPtr(d.Value)
			if res.Extra == nil {
				res.Extra = model.Fields{}
			}
			res.Extra["detected_from"] = d.DetectedFrom
			res.Extra["time_taken_ms"] = d.TimeTaken.Milliseconds()
			return res, nil
		},
	}
}

// HTMLLabels parses telco HTML receipts.
func HTMLLabels(parser *TelcoParser) Strategy {
	if parser == nil {
		parser = defaultTelcoParser
	}
	return Strategy{
		Name: model.SourceHTMLLabels,
		Kind: model.DocumentHTML,
		Func: func(_ context.Context, doc []byte, hint Hint) (*model.ExtractionResult, error) {
			fields, err := parser.Parse(doc, hint.ReceiptNumber)
			if err != nil {
				return nil, err
			}
			res := TelcoResult(fields)
			res.Text = string(doc)
			return res, nil
		},
	}
}

// Options selects the collaborators for DefaultChain.
type Options struct {
	PDF        ocr.Extractor
	Recognizer ocr.Recognizer // optional; enables OCR fallbacks
	Issuer     model.Issuer
	Rules      *Rules
}

// DefaultChain builds the standard strategy order: PDF text then PDF OCR for
// bank receipts, image detection for screenshots, and labeled HTML for telco
// receipts. Strategies needing an absent collaborator are left out.
func DefaultChain(opts Options) *Chain {
	rules := opts.Rules
	if rules == nil {
		rules = &Rules{}
	}
	bank := rules.BankParser()

	var strategies []Strategy
	if opts.PDF != nil {
		strategies = append(strategies, PDFText(model.SourcePDFText, opts.PDF, bank))
	}
	if ext, ok := opts.Recognizer.(ocr.Extractor); ok {
		if _, same := opts.PDF.(*ocr.MistralOCR); !same {
			strategies = append(strategies, PDFText(model.SourcePDFOCR, ext, bank))
		}
	}
	strategies = append(strategies,
		ImageDetect(ocr.NewDetector(opts.Issuer, opts.Recognizer), bank),
		HTMLLabels(rules.TelcoParser()),
	)
	return NewChain(strategies...)
}
