package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// stageOrder はステータスの前進順序です。error は順序の外にあります。
var stageOrder = []Status{
	StatusUploaded,
	StatusProcessingOCR,
	StatusProcessingClassification,
	StatusProcessingSummarization,
	StatusComplete,
}

func (s Status) rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid は既知のステータスかどうかを返します。
func (s Status) Valid() bool {
	return s == StatusError || s.rank() >= 0
}

// IsTerminal は complete または error なら true を返します。
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Next は順序上の次のステータスを返します。終端状態では空文字を返します。
func (s Status) Next() Status {
	r := s.rank()
	if r < 0 || r+1 >= len(stageOrder) {
		return ""
	}
	return stageOrder[r+1]
}

// CanTransition は from から to への遷移が許可されているかを返します。
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !from.Valid() {
		return false
	}
	if to == StatusError {
		return true
	}
	return from.Next() == to
}

// Transition はステータスを to へ進めます。
func (j *Job) Transition(to Status) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalState, j.Status, to)
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

// CompleteOCR は OCR 結果を書き込み、分類ステージへ進めます。
func (j *Job) CompleteOCR(res *OCRResults) error {
	if err := j.requireStatus(StatusProcessingOCR); err != nil {
		return err
	}
	if res == nil {
		return errors.New("ocr results are required")
	}
	if j.OCRResults != nil {
		return fmt.Errorf("%w: ocrResults already written", ErrInconsistent)
	}
	if res.KeyValuePairs == nil {
		res.KeyValuePairs = map[string]string{}
	}
	j.OCRResults = res
	j.Status = StatusProcessingClassification
	return nil
}

// CompleteClassification は分類結果を書き込み、要約ステージへ進めます。
func (j *Job) CompleteClassification(cls *Classification) error {
	if err := j.requireStatus(StatusProcessingClassification); err != nil {
		return err
	}
	if cls == nil {
		return errors.New("classification is required")
	}
	if cls.Confidence < 0 || cls.Confidence > 1 {
		return fmt.Errorf("classification confidence out of range: %v", cls.Confidence)
	}
	if j.Classification != nil {
		return fmt.Errorf("%w: classification already written", ErrInconsistent)
	}
	j.Classification = cls
	j.Status = StatusProcessingSummarization
	return nil
}

// CompleteSummary は要約を書き込み、ジョブを complete にします。
func (j *Job) CompleteSummary(sum *Summary) error {
	if err := j.requireStatus(StatusProcessingSummarization); err != nil {
		return err
	}
	if sum == nil {
		return errors.New("summary is required")
	}
	if j.Summary != nil {
		return fmt.Errorf("%w: summary already written", ErrInconsistent)
	}
	if sum.KeyPoints == nil {
		sum.KeyPoints = []string{}
	}
	j.Summary = sum
	j.Status = StatusComplete
	return nil
}

// Fail は非終端のジョブを error にします。完了済みステージの結果は残します。
func (j *Job) Fail(reason string) error {
	if err := j.Transition(StatusError); err != nil {
		return err
	}
	j.ProcessingError = strings.TrimSpace(reason)
	return nil
}

func (j *Job) requireStatus(want Status) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: status=%s", ErrTerminalState, j.Status)
	}
	if j.Status != want {
		return fmt.Errorf("%w: status=%s, want %s", ErrInvalidTransition, j.Status, want)
	}
	return nil
}

// CheckConsistency はステータスとステージ結果の有無が対応しているかを検証します。
func (j *Job) CheckConsistency() error {
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInconsistent)
	}
	if strings.TrimSpace(j.DocumentID) == "" {
		return fmt.Errorf("%w: documentId is empty", ErrInconsistent)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInconsistent, j.Status)
	}

	hasOCR := j.OCRResults != nil
	hasCls := j.Classification != nil
	hasSum := j.Summary != nil

	var ok bool
	switch j.Status {
	case StatusUploaded, StatusProcessingOCR:
		ok = !hasOCR && !hasCls && !hasSum
	case StatusProcessingClassification:
		ok = hasOCR && !hasCls && !hasSum
	case StatusProcessingSummarization:
		ok = hasOCR && hasCls && !hasSum
	case StatusComplete:
		ok = hasOCR && hasCls && hasSum
	case StatusError:
		// 失敗したステージ以前の結果だけが残る
		ok = !hasSum && (!hasCls || hasOCR)
	}
	if !ok {
		return fmt.Errorf("%w: status=%s ocr=%t classification=%t summary=%t",
			ErrInconsistent, j.Status, hasOCR, hasCls, hasSum)
	}
	return nil
}
