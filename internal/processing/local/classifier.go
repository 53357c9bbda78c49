package local

import (
	"context"
	"fmt"
	"strings"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/processing"
)

// categoryKeywords は既定カテゴリごとの判定語です。並び順が同点時の優先順位になります。
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"Invoice", []string{"invoice", "bill to", "amount due", "invoice number", "due date", "subtotal", "remit"}},
	{"W2", []string{"w-2", "wage and tax statement", "employer identification", "federal income tax withheld", "social security wages"}},
	{"Driver License", []string{"driver license", "driver's license", "drivers license", "date of birth", "dob", "license class", "endorsements"}},
	{"Medicine", []string{"prescription", "dosage", "tablet", "pharmacy", "rx", "side effects", "active ingredient"}},
	{"Dietary Supplement", []string{"supplement facts", "dietary supplement", "vitamin", "serving size", "capsule", "daily value"}},
	{"Stationery", []string{"stationery", "notebook", "pencil", "ballpoint", "envelope", "sticky notes", "eraser"}},
	{"Kitchen Supplies", []string{"kitchen", "cookware", "utensil", "spatula", "frying pan", "cutting board", "dishwasher safe"}},
}

// Classifier はキーワードの一致数で文書を分類します。
type Classifier struct{}

var _ processing.Classifier = Classifier{}

// Classify は最も多くのキーワードが一致したカテゴリを返します。一致がなければ Other です。
func (Classifier) Classify(ctx context.Context, text string) (*jobs.Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := " " + strings.ToLower(text) + " "

	best := processing.CategoryOther
	var bestHits []string
	for _, c := range categoryKeywords {
		var hits []string
		for _, kw := range c.keywords {
			if containsWord(lower, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) > len(bestHits) {
			best, bestHits = c.category, hits
		}
	}

	if len(bestHits) == 0 {
		return &jobs.Classification{
			Category:   processing.CategoryOther,
			Confidence: 0.3,
			Reason:     "no category keywords matched",
		}, nil
	}
	confidence := 0.4 + 0.15*float64(len(bestHits))
	if confidence > 0.95 {
		confidence = 0.95
	}
	return &jobs.Classification{
		Category:   best,
		Confidence: confidence,
		Reason:     fmt.Sprintf("matched keywords: %s", strings.Join(bestHits, ", ")),
	}, nil
}

// containsWord は kw が単語の途中ではなく区切られた位置に現れるかを返します。
func containsWord(text, kw string) bool {
	for from := 0; ; {
		idx := strings.Index(text[from:], kw)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(kw)
		if !isWordByte(text[start-1]) && (end >= len(text) || !isWordByte(text[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
