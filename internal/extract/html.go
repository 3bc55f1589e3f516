package extract

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// extractHTML returns visible text nodes separated by single spaces.
// Contents of script, style and noscript elements are skipped.
func extractHTML(src string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(src))

	var parts []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: %v", ErrDecode, err)
			}
			return strings.Join(parts, " "), nil
		case html.StartTagToken:
			if isHidden(z) {
				skip++
			}
		case html.EndTagToken:
			if isHidden(z) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.TrimSpace(string(z.Text())); t != "" {
				parts = append(parts, t)
			}
		}
	}
}

func isHidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "noscript":
		return true
	}
	return false
}
