// Package processing は OCR・分類・要約の外部処理能力を抽象化します。
package processing

import (
	"context"
	"errors"
	"io"

	"github.com/yourusername/docflow/internal/jobs"
)

var (
	// ErrUnavailable は処理基盤に到達できない、または一時的に応答できない状態です。
	ErrUnavailable = errors.New("processing capability unavailable")
	// ErrMalformedOutput は処理基盤の応答が想定した形式でないことを表します。
	ErrMalformedOutput = errors.New("malformed processing output")
)

// Document は処理対象の原本です。
type Document struct {
	ID          string
	FileName    string
	ContentType string
	// Path はローカルに保存された原本のパスです。ファイルパスを要求するライブラリ向けです。
	Path string
	Open func() (io.ReadCloser, error)
}

// OCREngine は原本からテキストとキー・バリューを抽出します。
type OCREngine interface {
	Extract(ctx context.Context, doc Document) (*jobs.OCRResults, error)
}

// Classifier は抽出テキストを分類します。
type Classifier interface {
	Classify(ctx context.Context, text string) (*jobs.Classification, error)
}

// Summarizer は抽出テキストを要約します。
type Summarizer interface {
	Summarize(ctx context.Context, text, category string) (*jobs.Summary, error)
}

// Engines はパイプラインが使う3つの処理能力の組です。
type Engines struct {
	OCR        OCREngine
	Classifier Classifier
	Summarizer Summarizer
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent は再試行しても結果が変わらないエラーとして err を包みます。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent は err が Permanent で包まれているかを返します。
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
