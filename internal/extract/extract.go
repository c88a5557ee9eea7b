// Package extract converts attachment bytes into a text surrogate usable
// as model input.
package extract

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"relaybot/internal/domain"
)

// ImageMode selects how image attachments reach the backend.
type ImageMode string

const (
	// ImageDescribe replaces the image with a placeholder tag; no local
	// OCR or vision extraction is attempted.
	ImageDescribe ImageMode = "describe"
	// ImageInline skips extraction; the raw bytes are forwarded to the
	// dispatcher as an inline segment of the user message.
	ImageInline ImageMode = "inline"
)

type Extractor struct {
	mode   ImageMode
	logger *slog.Logger
}

func New(mode ImageMode, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{mode: mode, logger: logger}
}

func (e *Extractor) Mode() ImageMode { return e.mode }

// InlineImages reports whether image attachments bypass extraction and go
// to the dispatcher as raw bytes.
func (e *Extractor) InlineImages() bool { return e.mode == ImageInline }

// Extract turns attachment bytes into text. PDFs are decoded page by
// page; images and unknown types yield placeholder tags. Malformed PDF
// bytes return domain.ErrExtractionFailed rather than crashing.
func (e *Extractor) Extract(data []byte, mimeType, filename string) (string, error) {
	switch {
	case mimeType == "application/pdf":
		text, err := extractPDF(data)
		if err != nil {
			e.logger.Warn("pdf extraction failed", "filename", filename, "err", err)
			return "", err
		}
		return text, nil
	case strings.HasPrefix(mimeType, "image/"):
		return "[image content detected: " + mimeType + "]", nil
	default:
		if filename == "" {
			filename = "unnamed"
		}
		return "[file attached: " + filename + "]", nil
	}
}

// extractPDF concatenates per-page text with newline separators, in page
// order. A page that yields no extractable text contributes an empty
// string. The pdf package panics on some malformed inputs, so the parse
// runs behind a recover.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrExtractionFailed, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExtractionFailed, err)
	}

	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		pages = append(pages, pageText(r.Page(i)))
	}
	return strings.Join(pages, "\n"), nil
}

// pageText extracts one page's text. A page with no extractable text, or
// one the parser chokes on, contributes an empty string rather than
// failing the document.
func pageText(page pdf.Page) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	if page.V.IsNull() || page.V.Key("Contents").IsNull() {
		return ""
	}
	content, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return content
}
