package ocr

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/reference"
)

// ErrNotDetected is returned when neither QR decoding nor text recognition
// yields a reference.
var ErrNotDetected = eris.New("ocr: no reference detected in image")

// Detector finds a transaction reference in a receipt screenshot. QR decoding
// always runs first; text recognition runs only when it fails and a
// Recognizer is configured.
type Detector struct {
	qr         *QRDecoder
	recognizer Recognizer
	issuer     model.Issuer
	now        func() time.Time
}

// NewDetector creates a Detector. recognizer may be nil.
func NewDetector(iss model.Issuer, recognizer Recognizer) *Detector {
	return &Detector{
		qr:         NewQRDecoder(),
		recognizer: recognizer,
		issuer:     iss,
		now:        time.Now,
	}
}

// Detect returns the reference found in image together with the technique
// that produced it and the elapsed time.
func (d *Detector) Detect(ctx context.Context, image []byte) (*model.Detection, error) {
	start := d.now()
	log := zap.L().With(zap.String("issuer", d.issuer.Name))

	payload, err := d.qr.Decode(image)
	if err == nil {
		return &model.Detection{
			Value:        payload,
			DetectedFrom: model.SourceQRCode,
			TimeTaken:    d.now().Sub(start),
		}, nil
	}
	if !errors.Is(err, ErrNoQRCode) {
		log.Debug("qr decode failed", zap.Error(err))
	}

	if d.recognizer == nil {
		return nil, ErrNotDetected
	}

	text, err := d.recognizer.RecognizeImage(ctx, image)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: recognize image")
	}

	ref, ok := reference.Find(d.issuer, text)
	if !ok {
		log.Debug("recognized text carries no reference", zap.Int("text_len", len(text)))
		return nil, ErrNotDetected
	}

	return &model.Detection{
		Value:        ref,
		DetectedFrom: model.SourceTextRecognition,
		TimeTaken:    d.now().Sub(start),
		Text:         text,
	}, nil
}
