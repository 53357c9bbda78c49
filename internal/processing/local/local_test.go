package local

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yourusername/docflow/internal/processing"
)

func TestContentStreamText(t *testing.T) {
	stream := []byte(`BT
/F1 12 Tf
72 712 Td
(Invoice Number: INV-001) Tj
0 -14 Td
[(Amount) -250 (Due: \(USD\) 120.00)] TJ
T*
(Line\054 two) Tj
<00410042> Tj
% comment (ignored)
ET`)
	got := contentStreamText(stream)
	want := "Invoice Number: INV-001\nAmountDue: (USD) 120.00\nLine, two"
	if got != want {
		t.Fatalf("contentStreamText =\n%q\nwant\n%q", got, want)
	}
}

func TestParseKeyValuePairs(t *testing.T) {
	text := "Invoice Number: INV-001\nsee https://example.com\nTotal : 120.00\nno pair here\nTotal: 999"
	pairs := parseKeyValuePairs(text)
	if len(pairs) != 2 {
		t.Fatalf("pairs = %#v", pairs)
	}
	if pairs["Invoice Number"] != "INV-001" || pairs["Total"] != "120.00" {
		t.Fatalf("unexpected pairs: %#v", pairs)
	}
}

func TestClassifier(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"invoice", "INVOICE\nBill To: Acme\nAmount Due: $120\nDue Date: 2024-01-31", "Invoice"},
		{"w2", "Form W-2 Wage and Tax Statement\nFederal income tax withheld 1200", "W2"},
		{"supplement", "Supplement Facts\nServing Size 2 capsules\nVitamin C", "Dietary Supplement"},
		{"unknown", "hello world", processing.CategoryOther},
		{"substring only", "prescriptions are not words here: rxyz", processing.CategoryOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cls, err := Classifier{}.Classify(context.Background(), tc.text)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if cls.Category != tc.want {
				t.Fatalf("category = %q, want %q (%s)", cls.Category, tc.want, cls.Reason)
			}
			if cls.Confidence < 0 || cls.Confidence > 1 {
				t.Fatalf("confidence out of range: %v", cls.Confidence)
			}
		})
	}
}

func TestSummarizer(t *testing.T) {
	text := "Acme Corp invoice for March. Payment is due in 30 days. Thank you! Extra sentence.\nTotal: 120.00"
	sum, err := Summarizer{}.Summarize(context.Background(), text, "Invoice")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Text != "Acme Corp invoice for March. Payment is due in 30 days. Thank you!" {
		t.Fatalf("text = %q", sum.Text)
	}
	if len(sum.KeyPoints) == 0 || sum.KeyPoints[0] != "Total: 120.00" {
		t.Fatalf("keyPoints = %#v", sum.KeyPoints)
	}
	if sum.Category != "Invoice" {
		t.Fatalf("category = %q", sum.Category)
	}
}

func TestOCRImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.Black)
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	res, err := NewOCR(dir).Extract(context.Background(), processing.Document{ID: "doc", ContentType: "image/png", Path: path})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.PageCount != 1 || res.ExtractedAt != EngineName || res.KeyValuePairs == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestOCRUnsupportedIsPermanent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("plain text ", 10)), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewOCR(dir).Extract(context.Background(), processing.Document{ID: "doc", Path: path})
	if err == nil || !processing.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	_, err = NewOCR(dir).Extract(context.Background(), processing.Document{ID: "doc", Path: filepath.Join(dir, "missing.pdf")})
	if !processing.IsPermanent(err) {
		t.Fatalf("missing file should be permanent, got %v", err)
	}
}
