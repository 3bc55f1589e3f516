// Package extract turns uploaded document bytes into plain text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnsupportedFormat is returned for declared types other than pdf,
	// plain text, markdown and html.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrDecode is returned when the content does not match its declared type.
	ErrDecode = errors.New("could not decode document")
)

// Declared document types.
const (
	TypePDF  = "pdf"
	TypeText = "txt"
	TypeHTML = "html"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Extract returns the textual content of data interpreted as declaredType.
// Extraction is pure: it never touches the filesystem or the network.
func Extract(data []byte, declaredType string) (string, error) {
	switch normalizeType(declaredType) {
	case TypePDF:
		return extractPDF(data)
	case TypeText:
		return decodeText(data)
	case TypeHTML:
		text, err := decodeText(data)
		if err != nil {
			return "", err
		}
		return extractHTML(text)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, declaredType)
	}
}

// DetectType derives a declared type from a filename and an optional MIME
// content type. The extension wins when both are present.
func DetectType(filename, contentType string) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		return ext
	}
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mt {
	case "application/pdf":
		return TypePDF
	case "text/plain", "text/markdown":
		return TypeText
	case "text/html":
		return TypeHTML
	}
	return ""
}

// Supported reports whether declaredType can be extracted.
func Supported(declaredType string) bool {
	return normalizeType(declaredType) != ""
}

func normalizeType(t string) string {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), ".")) {
	case "pdf", "application/pdf":
		return TypePDF
	case "txt", "text", "md", "markdown", "text/plain", "text/markdown":
		return TypeText
	case "html", "htm", "text/html":
		return TypeHTML
	}
	return ""
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrDecode)
	}
	return string(data), nil
}
