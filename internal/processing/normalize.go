package processing

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/yourusername/docflow/internal/jobs"
)

// CategoryOther は分類できなかった文書のカテゴリです。
const CategoryOther = "Other"

// Categories は分類結果として許可するカテゴリの一覧です。
var Categories = []string{
	"Dietary Supplement",
	"Stationery",
	"Kitchen Supplies",
	"Medicine",
	"Driver License",
	"Invoice",
	"W2",
	CategoryOther,
}

var fencedBlockPattern = regexp.MustCompile("(?s)```([A-Za-z0-9_-]*)[ \\t]*\\r?\\n(.*?)```")

// IsCategory は c が既知のカテゴリかを返します。
func IsCategory(c string) bool {
	for _, known := range Categories {
		if known == c {
			return true
		}
	}
	return false
}

// NormalizeClassification は未知のカテゴリを Other に寄せ、確信度を [0,1] に収めます。
func NormalizeClassification(cls *jobs.Classification) *jobs.Classification {
	if cls == nil {
		return nil
	}
	out := *cls
	out.Category = strings.TrimSpace(out.Category)
	if !IsCategory(out.Category) {
		out.Category = CategoryOther
	}
	switch {
	case math.IsNaN(out.Confidence):
		out.Confidence = 0
	case out.Confidence < 0:
		out.Confidence = 0
	case out.Confidence > 1:
		out.Confidence = 1
	}
	return &out
}

// EmptyTextClassification はテキストが無い文書の分類結果です。
func EmptyTextClassification() *jobs.Classification {
	return &jobs.Classification{Category: CategoryOther, Confidence: 0, Reason: "No text content"}
}

// EmptyTextSummary はテキストが無い文書の要約です。
func EmptyTextSummary(category string) *jobs.Summary {
	return &jobs.Summary{Text: "No content to summarize", KeyPoints: []string{}, Category: category}
}

// ExtractMarkdownJSON は本文中の ```json フェンスブロックを解析し、読めたものだけを返します。
func ExtractMarkdownJSON(text string) []any {
	var out []any
	for _, m := range fencedBlockPattern.FindAllStringSubmatch(text, -1) {
		if lang := strings.ToLower(m[1]); lang != "" && lang != "json" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[2])), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
