package local

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/processing"
)

const (
	summarySentences = 3
	summaryMaxRunes  = 500
	maxKeyPoints     = 5
)

// Summarizer は先頭の文を抜き出す抽出型の要約器です。
type Summarizer struct{}

var _ processing.Summarizer = Summarizer{}

// Summarize は冒頭数文を要約本文とし、"Key: Value" 行を優先して要点を選びます。
func (Summarizer) Summarize(ctx context.Context, text, category string) (*jobs.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sentences := splitSentences(text)

	n := summarySentences
	if len(sentences) < n {
		n = len(sentences)
	}
	body := truncateRunes(strings.Join(sentences[:n], " "), summaryMaxRunes)

	keyPoints := make([]string, 0, maxKeyPoints)
	for _, line := range strings.Split(text, "\n") {
		if len(keyPoints) == maxKeyPoints {
			break
		}
		if keyValuePattern.MatchString(line) {
			keyPoints = append(keyPoints, strings.TrimSpace(line))
		}
	}
	for _, s := range sentences {
		if len(keyPoints) == maxKeyPoints {
			break
		}
		if !contains(keyPoints, s) {
			keyPoints = append(keyPoints, s)
		}
	}

	return &jobs.Summary{Text: body, KeyPoints: keyPoints, Category: category}, nil
}

func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	emit := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			emit()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '。' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				emit()
			}
		}
	}
	emit()
	return out
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit-1]) + "…"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
