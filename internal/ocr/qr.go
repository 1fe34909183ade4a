package ocr

import (
	"bytes"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/rotisserie/eris"
)

// ErrNoQRCode is returned when an image decodes but carries no readable QR code.
var ErrNoQRCode = eris.New("ocr: no QR code found")

// QRDecoder reads QR codes from receipt screenshots.
type QRDecoder struct {
	hints map[gozxing.DecodeHintType]interface{}
}

// NewQRDecoder creates a QRDecoder tuned for screenshots.
func NewQRDecoder() *QRDecoder {
	return &QRDecoder{
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode returns the trimmed payload of the first QR code in data.
func (q *QRDecoder) Decode(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", eris.Wrap(err, "ocr: decode image")
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", eris.Wrap(err, "ocr: binarize image")
	}

	res, err := qrcode.NewQRCodeReader().Decode(bmp, q.hints)
	if err != nil {
		return "", eris.Wrapf(ErrNoQRCode, "read QR code: %v", err)
	}

	payload := strings.TrimSpace(res.GetText())
	if payload == "" {
		return "", ErrNoQRCode
	}
	return payload, nil
}
