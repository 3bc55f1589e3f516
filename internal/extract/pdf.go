package extract

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF concatenates the plain text of every page in order. Pages that
// yield no text contribute an empty string.
func extractPDF(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: malformed pdf: %v", ErrDecode, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		b.WriteString(pageText(r.Page(i), i))
	}
	return b.String(), nil
}

func pageText(p pdf.Page, num int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("pdf page extraction panicked", "page", num, "panic", r)
			text = ""
		}
	}()

	if p.V.IsNull() {
		return ""
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		slog.Debug("pdf page has no extractable text", "page", num, "error", err)
		return ""
	}
	return text
}
