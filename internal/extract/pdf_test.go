package extract

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/ledongthuc/pdf"
)

// buildPDF writes a minimal PDF with one page per entry. An empty entry
// produces a page with an empty content stream.
func buildPDF(pages ...string) []byte {
	var objs []string
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, text := range pages {
		content := ""
		if text != "" {
			content = fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		}
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func TestExtract_PDFPagesInOrder(t *testing.T) {
	data := buildPDF("PageOne", "", "PageThree")

	got, err := Extract(data, "pdf")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	first := strings.Index(got, "PageOne")
	third := strings.Index(got, "PageThree")
	if first < 0 || third < 0 {
		t.Fatalf("got %q, want both page texts", got)
	}
	if first > third {
		t.Errorf("got %q, pages out of order", got)
	}
	if between := got[first+len("PageOne") : third]; strings.TrimSpace(between) != "" {
		t.Errorf("empty page contributed %q", between)
	}
}

func TestPageText_EmptyPage(t *testing.T) {
	data := buildPDF("PageOne", "", "PageThree")
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.NumPage() != 3 {
		t.Fatalf("NumPage() = %d, want 3", r.NumPage())
	}

	if got := pageText(r.Page(2), 2); got != "" {
		t.Errorf("pageText(empty page) = %q, want empty", got)
	}

	var joined string
	for i := 1; i <= 3; i++ {
		joined += pageText(r.Page(i), i)
	}
	whole, err := Extract(data, "pdf")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if whole != joined {
		t.Errorf("Extract = %q, want page texts concatenated %q", whole, joined)
	}
}
