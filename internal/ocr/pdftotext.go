package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/rotisserie/eris"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText writes pdf to a temp file, runs pdftotext -layout on it and
// returns stdout. Layout mode keeps label/value pairs on the same line.
func (p *PdfToText) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	if len(pdf) == 0 {
		return "", eris.New("ocr: empty PDF document")
	}

	f, err := os.CreateTemp("", "receipt-*.pdf")
	if err != nil {
		return "", eris.Wrap(err, "ocr: create temp file")
	}
	path := f.Name()
	defer os.Remove(path) //nolint:errcheck

	if _, err := f.Write(pdf); err != nil {
		f.Close() //nolint:errcheck
		return "", eris.Wrap(err, "ocr: write temp file")
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrap(err, "ocr: close temp file")
	}

	return p.ExtractFile(ctx, path)
}

// ExtractFile runs pdftotext -layout on the PDF at pdfPath.
func (p *PdfToText) ExtractFile(ctx context.Context, pdfPath string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", pdfPath, stderr.String())
	}

	return stdout.String(), nil
}
