// Package local は外部サービスを使わずに同一プロセス内で動く処理エンジンです。
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/processing"
)

// EngineName は OCRResults.ExtractedAt に記録するエンジン名です。
const EngineName = "docflow-local"

var keyValuePattern = regexp.MustCompile(`^\s*([^:\n]{1,64}?)\s*:\s*(\S.*?)\s*$`)

// OCR は PDF のコンテンツストリームから文字列を、画像からは寸法を読み取ります。
type OCR struct {
	// TempDir は pdfcpu の抽出先を作る親ディレクトリです。空なら os.TempDir を使います。
	TempDir string
}

var _ processing.OCREngine = (*OCR)(nil)

// NewOCR は OCR を初期化します。
func NewOCR(tempDir string) *OCR {
	return &OCR{TempDir: tempDir}
}

// Extract は原本の実際の形式を判定し、形式ごとの抽出を行います。
func (o *OCR) Extract(ctx context.Context, doc processing.Document) (*jobs.OCRResults, error) {
	if doc.Path == "" {
		return nil, processing.Permanent(errors.New("document path is empty"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detected, err := mimetype.DetectFile(doc.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, processing.Permanent(fmt.Errorf("open document: %w", err))
		}
		return nil, fmt.Errorf("detect document type: %w", err)
	}

	var res *jobs.OCRResults
	switch {
	case detected.Is("application/pdf"):
		res, err = o.extractPDF(ctx, doc.Path)
	case strings.HasPrefix(detected.String(), "image/"):
		res, err = extractImage(doc.Path)
	default:
		return nil, processing.Permanent(fmt.Errorf("unsupported document type %s", detected.String()))
	}
	if err != nil {
		return nil, err
	}
	res.KeyValuePairs = parseKeyValuePairs(res.RawText)
	res.ExtractedAt = EngineName
	return res, nil
}

func (o *OCR) extractPDF(ctx context.Context, path string) (*jobs.OCRResults, error) {
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return nil, processing.Permanent(fmt.Errorf("read pdf: %w", err))
	}

	outDir, err := os.MkdirTemp(o.TempDir, "docflow-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(outDir)
	}()

	if err := pdfapi.ExtractContentFile(path, outDir, nil, nil); err != nil {
		return nil, fmt.Errorf("extract pdf content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(outDir, "*"))
	if err != nil {
		return nil, fmt.Errorf("list pdf content: %w", err)
	}
	sort.Strings(files)

	var b strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read pdf content: %w", err)
		}
		text := contentStreamText(data)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(text)
	}
	return &jobs.OCRResults{RawText: b.String(), PageCount: pages}, nil
}

func extractImage(path string) (*jobs.OCRResults, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	if _, _, err := image.DecodeConfig(f); err != nil {
		return nil, processing.Permanent(fmt.Errorf("decode image: %w", err))
	}
	// 画像内の文字認識は remote バックエンドに任せる
	return &jobs.OCRResults{PageCount: 1}, nil
}

func parseKeyValuePairs(text string) map[string]string {
	pairs := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		m := keyValuePattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		key := strings.TrimSpace(m[1])
		if key == "" || strings.HasPrefix(m[2], "//") {
			continue
		}
		if _, exists := pairs[key]; !exists {
			pairs[key] = m[2]
		}
	}
	return pairs
}
