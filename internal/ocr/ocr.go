// Package ocr turns receipt documents into text: PDF text extraction for
// bank receipts, and QR decoding plus image text recognition for screenshots.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payment-proxy/internal/config"
)

// Extractor extracts text content from a PDF document.
type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// Recognizer recognizes text in a raster image.
type Recognizer interface {
	RecognizeImage(ctx context.Context, image []byte) (string, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

// NewRecognizer returns an image Recognizer when an OCR credential is
// configured, or nil when image text recognition is unavailable.
func NewRecognizer(cfg config.OCRConfig) Recognizer {
	if cfg.MistralKey == "" {
		return nil
	}
	return NewMistralOCR(cfg.MistralKey, cfg.MistralModel)
}
