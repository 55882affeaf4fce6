// Package ocr turns PDF and image evidence into plain text.
package ocr

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/eb-copilot/internal/config"
)

// Extractor extracts text content from document bytes.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Reader is the text extraction collaborator used by the pipeline. A nil
// extractor for a kind yields empty text, which is a valid result.
type Reader struct {
	pdf   Extractor
	image Extractor
	close func() error
}

// NewReader creates a Reader from explicit extractors. Either may be nil.
func NewReader(pdf, image Extractor) *Reader {
	return &Reader{pdf: pdf, image: image}
}

// New creates a Reader based on config. With OCR disabled every call returns
// empty text.
func New(ctx context.Context, cfg config.OCRConfig) (*Reader, error) {
	if !cfg.Enabled {
		return &Reader{}, nil
	}

	r := &Reader{}
	switch cfg.PDFProvider {
	case "local", "":
		r.pdf = NewPdfToText(cfg.PdfToTextPath)
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		r.pdf = NewMistralOCR(cfg.MistralKey, cfg.MistralModel)
	default:
		return nil, eris.Errorf("ocr: unknown pdf provider %q", cfg.PDFProvider)
	}

	switch cfg.ImageProvider {
	case "none", "":
	case "vision":
		v, err := NewVision(ctx)
		if err != nil {
			return nil, err
		}
		r.image = v
		r.close = v.Close
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		r.image = NewMistralOCR(cfg.MistralKey, cfg.MistralModel)
	default:
		return nil, eris.Errorf("ocr: unknown image provider %q", cfg.ImageProvider)
	}
	return r, nil
}

// PDFToText extracts the text layer of a PDF.
func (r *Reader) PDFToText(ctx context.Context, data []byte) (string, error) {
	if r.pdf == nil || len(data) == 0 {
		return "", nil
	}
	text, err := r.pdf.ExtractText(ctx, data, "application/pdf")
	if err != nil {
		return "", err
	}
	return Normalize(text), nil
}

// ImageToText runs OCR over an image.
func (r *Reader) ImageToText(ctx context.Context, data []byte, mimeType string) (string, error) {
	if r.image == nil || len(data) == 0 {
		return "", nil
	}
	text, err := r.image.ExtractText(ctx, data, mimeType)
	if err != nil {
		return "", err
	}
	return Normalize(text), nil
}

// Close releases provider clients.
func (r *Reader) Close() error {
	if r.close != nil {
		return r.close()
	}
	return nil
}

// Normalize applies NFKC, unifies line endings and strips trailing spaces so
// OCR output of full-width digits and ligatures matches ASCII patterns.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t ")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
