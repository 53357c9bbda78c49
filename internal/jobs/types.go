package jobs

import "time"

// Status はドキュメント処理ジョブの状態を表します。
type Status string

const (
	StatusUploaded                 Status = "uploaded"
	StatusProcessingOCR            Status = "processing_ocr"
	StatusProcessingClassification Status = "processing_classification"
	StatusProcessingSummarization  Status = "processing_summarization"
	StatusComplete                 Status = "complete"
	StatusError                    Status = "error"
)

// OCRResults は OCR ステージの出力です。
type OCRResults struct {
	RawText       string            `json:"rawText"`
	KeyValuePairs map[string]string `json:"keyValuePairs"`
	MarkdownJSON  []any             `json:"markdownJson,omitempty"`
	PageCount     int               `json:"pageCount,omitempty"`
	ExtractedAt   string            `json:"extractedAt,omitempty"`
}

// Classification は分類ステージの出力です。
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Summary は要約ステージの出力です。
type Summary struct {
	Text      string   `json:"text"`
	KeyPoints []string `json:"keyPoints"`
	Category  string   `json:"category,omitempty"`
}

// Job はドキュメント1件の処理状態と、ステージごとに蓄積される結果を保持します。
// 未実行ステージの結果は nil です。
type Job struct {
	DocumentID      string          `json:"documentId"`
	FileName        string          `json:"fileName"`
	ContentType     string          `json:"contentType,omitempty"`
	Status          Status          `json:"status"`
	UploadTime      time.Time       `json:"uploadTime"`
	OCRResults      *OCRResults     `json:"ocrResults,omitempty"`
	Classification  *Classification `json:"classification,omitempty"`
	Summary         *Summary        `json:"summary,omitempty"`
	ProcessingError string          `json:"processingError,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Clone はストアの外へ渡すためのディープコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.OCRResults != nil {
		ocr := *j.OCRResults
		if j.OCRResults.KeyValuePairs != nil {
			ocr.KeyValuePairs = make(map[string]string, len(j.OCRResults.KeyValuePairs))
			for k, v := range j.OCRResults.KeyValuePairs {
				ocr.KeyValuePairs[k] = v
			}
		}
		if j.OCRResults.MarkdownJSON != nil {
			ocr.MarkdownJSON = append([]any(nil), j.OCRResults.MarkdownJSON...)
		}
		cp.OCRResults = &ocr
	}
	if j.Classification != nil {
		cls := *j.Classification
		cp.Classification = &cls
	}
	if j.Summary != nil {
		sum := *j.Summary
		sum.KeyPoints = append([]string(nil), j.Summary.KeyPoints...)
		cp.Summary = &sum
	}
	return &cp
}
