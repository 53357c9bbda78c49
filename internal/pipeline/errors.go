package pipeline

import (
	"errors"
	"fmt"
)

// Stage はパイプラインの処理段階です。
type Stage string

const (
	StageOCR            Stage = "ocr"
	StageClassification Stage = "classification"
	StageSummarization  Stage = "summarization"
)

// ErrInvalidTrigger は documentId を持たないトリガーです。
var ErrInvalidTrigger = errors.New("invalid trigger")

// StageError はステージが再試行を尽くして失敗したことを表します。
// ジョブの processingError にはこの Error() が記録されます。
type StageError struct {
	Stage    Stage
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
