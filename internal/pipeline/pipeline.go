// Package pipeline はアップロード済みドキュメントに OCR・分類・要約を順に適用し、
// 各ステージの結果をステータスの前進と同時にジョブへ書き込みます。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/processing"
	"github.com/yourusername/docflow/internal/storage"
)

const failWriteTimeout = 10 * time.Second

var (
	errAlreadyClaimed = errors.New("job already claimed")
	// errAbandoned はジョブの書き込みを続けられない状態になったことを表します。
	errAbandoned = errors.New("pipeline abandoned")
)

// Trigger はオブジェクトの保存完了時に発行される処理要求です。
type Trigger struct {
	DocumentID string `json:"documentId"`
	Location   string `json:"location,omitempty"`
}

// ObjectSource は保存済みの原本を読み出します。
type ObjectSource interface {
	Open(key string) (*os.File, *storage.ObjectManifest, error)
	Path(key string) (string, error)
}

// Options は Pipeline の設定です。
type Options struct {
	Retry RetryPolicy
	// StageTimeout は処理能力の呼び出し1回あたりの上限です。0 なら無制限です。
	StageTimeout time.Duration
	Progress     ProgressReporter
}

// Pipeline はトリガー1件につきジョブ1件を最後まで処理します。
type Pipeline struct {
	store        jobs.Store
	objects      ObjectSource
	engines      processing.Engines
	retry        RetryPolicy
	stageTimeout time.Duration
	progress     ProgressReporter
	logger       *slog.Logger
	sleep        func(context.Context, time.Duration) error
}

// New は Pipeline を初期化します。
func New(store jobs.Store, objects ObjectSource, engines processing.Engines, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:        store,
		objects:      objects,
		engines:      engines,
		retry:        opts.Retry.withDefaults(),
		stageTimeout: opts.StageTimeout,
		progress:     opts.Progress,
		logger:       logger,
		sleep:        sleepContext,
	}
}

// Handle はトリガーを処理します。
// uploaded 以外のジョブに対するトリガーは重複配信とみなして何もせず nil を返します。
// ステージの失敗はジョブを error にして記録し、呼び出し元には返しません。
// 存在しないジョブは jobs.ErrNotFound を返します。
func (p *Pipeline) Handle(ctx context.Context, trig Trigger) error {
	id := strings.TrimSpace(trig.DocumentID)
	if id == "" {
		return ErrInvalidTrigger
	}
	logger := p.logger.With("document_id", id)

	job, err := p.store.Update(ctx, id, func(j *jobs.Job) error {
		if j.Status != jobs.StatusUploaded {
			return errAlreadyClaimed
		}
		return j.Transition(jobs.StatusProcessingOCR)
	})
	switch {
	case errors.Is(err, errAlreadyClaimed):
		logger.Info("pipeline.duplicate_trigger")
		return nil
	case errors.Is(err, jobs.ErrNotFound):
		logger.Warn("pipeline.job_not_found")
		return fmt.Errorf("claim %s: %w", id, err)
	case err != nil:
		return fmt.Errorf("claim %s: %w", id, err)
	}
	logger.Info("pipeline.claimed", "location", trig.Location)
	p.reportProgress(id, string(StageOCR), 10)

	started := time.Now()
	if err := p.run(ctx, job, logger); err != nil {
		if errors.Is(err, errAbandoned) {
			return nil
		}
		if ferr := p.fail(ctx, id, err, logger); ferr != nil {
			return fmt.Errorf("record failure of %s: %w", id, ferr)
		}
		return nil
	}
	logger.Info("pipeline.completed", "duration_ms", time.Since(started).Milliseconds())
	p.reportProgress(id, string(jobs.StatusComplete), 100)
	return nil
}

func (p *Pipeline) run(ctx context.Context, job *jobs.Job, logger *slog.Logger) error {
	id := job.DocumentID
	doc, err := p.document(job)
	if err != nil {
		return &StageError{Stage: StageOCR, Err: processing.Permanent(err)}
	}

	ocr, err := withRetry(ctx, p, StageOCR, logger, func(ctx context.Context) (*jobs.OCRResults, error) {
		return p.engines.OCR.Extract(ctx, doc)
	})
	if err != nil {
		return err
	}
	if ocr == nil {
		return &StageError{Stage: StageOCR, Err: errors.New("engine returned no result")}
	}
	if ocr.MarkdownJSON == nil {
		ocr.MarkdownJSON = processing.ExtractMarkdownJSON(ocr.RawText)
	}
	if err := p.write(ctx, id, StageOCR, logger, func(j *jobs.Job) error { return j.CompleteOCR(ocr) }); err != nil {
		return err
	}
	p.reportProgress(id, string(StageClassification), 40)

	text := ocr.RawText
	hasText := strings.TrimSpace(text) != ""

	cls := processing.EmptyTextClassification()
	if hasText {
		cls, err = withRetry(ctx, p, StageClassification, logger, func(ctx context.Context) (*jobs.Classification, error) {
			return p.engines.Classifier.Classify(ctx, text)
		})
		if err != nil {
			return err
		}
		if cls == nil {
			return &StageError{Stage: StageClassification, Err: errors.New("engine returned no result")}
		}
		cls = processing.NormalizeClassification(cls)
	}
	if err := p.write(ctx, id, StageClassification, logger, func(j *jobs.Job) error { return j.CompleteClassification(cls) }); err != nil {
		return err
	}
	p.reportProgress(id, string(StageSummarization), 70)

	sum := processing.EmptyTextSummary(cls.Category)
	if hasText {
		sum, err = withRetry(ctx, p, StageSummarization, logger, func(ctx context.Context) (*jobs.Summary, error) {
			return p.engines.Summarizer.Summarize(ctx, text, cls.Category)
		})
		if err != nil {
			return err
		}
		if sum == nil {
			return &StageError{Stage: StageSummarization, Err: errors.New("engine returned no result")}
		}
		if sum.Category == "" {
			sum.Category = cls.Category
		}
	}
	return p.write(ctx, id, StageSummarization, logger, func(j *jobs.Job) error { return j.CompleteSummary(sum) })
}

func (p *Pipeline) document(job *jobs.Job) (processing.Document, error) {
	id := job.DocumentID
	path, err := p.objects.Path(id)
	if err != nil {
		return processing.Document{}, fmt.Errorf("resolve object path: %w", err)
	}
	return processing.Document{
		ID:          id,
		FileName:    job.FileName,
		ContentType: job.ContentType,
		Path:        path,
		Open: func() (io.ReadCloser, error) {
			f, _, err := p.objects.Open(id)
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, processing.Permanent(err)
			}
			return f, err
		},
	}, nil
}

// write はステージ結果を書き込みます。ストアの一時的な失敗は再試行方針に従って再試行します。
// 終端状態への書き込みは不具合として記録し、以降の処理を打ち切ります。
func (p *Pipeline) write(ctx context.Context, id string, stage Stage, logger *slog.Logger, mutate func(*jobs.Job) error) error {
	job, err := p.persist(ctx, id, stage, logger, mutate)
	if err != nil {
		if errors.Is(err, jobs.ErrTerminalState) {
			logger.Error("pipeline.terminal_state_violation", "stage", stage, "error", err)
			return errAbandoned
		}
		var se *StageError
		if errors.As(err, &se) {
			se.Err = fmt.Errorf("persist result: %w", se.Err)
			return se
		}
		return &StageError{Stage: stage, Err: fmt.Errorf("persist result: %w", err)}
	}
	logger.Info("pipeline.stage_completed", "stage", stage, "status", job.Status)
	return nil
}

// fail はジョブを error にします。ctx が既に終わっていても書き込めるよう切り離したコンテキストを使います。
// 書き込めなかった場合はエラーを返し、トリガーの再配送に委ねます。
func (p *Pipeline) fail(ctx context.Context, id string, cause error, logger *slog.Logger) error {
	wctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
		defer cancel()
	}
	reason := cause.Error()
	_, err := p.persist(wctx, id, "fail", logger, func(j *jobs.Job) error { return j.Fail(reason) })
	switch {
	case errors.Is(err, jobs.ErrTerminalState):
		logger.Error("pipeline.terminal_state_violation", "stage", "fail", "error", err)
		return nil
	case err != nil:
		logger.Error("pipeline.fail_write_failed", "reason", reason, "error", err)
		return err
	}
	logger.Warn("pipeline.failed", "reason", reason)
	p.reportProgress(id, string(jobs.StatusError), 100)
	return nil
}

// persist は store.Update を再試行付きで呼びます。状態遷移の誤りや存在しないジョブは再試行しません。
func (p *Pipeline) persist(ctx context.Context, id string, stage Stage, logger *slog.Logger, mutate func(*jobs.Job) error) (*jobs.Job, error) {
	return withRetry(ctx, p, stage, logger, func(ctx context.Context) (*jobs.Job, error) {
		job, err := p.store.Update(ctx, id, mutate)
		if err != nil && isRecordError(err) {
			return nil, processing.Permanent(err)
		}
		return job, err
	})
}

func isRecordError(err error) bool {
	return errors.Is(err, jobs.ErrTerminalState) ||
		errors.Is(err, jobs.ErrInvalidTransition) ||
		errors.Is(err, jobs.ErrInconsistent) ||
		errors.Is(err, jobs.ErrNotFound)
}

// withRetry は fn を再試行方針に従って呼び出します。恒久的なエラーとコンテキスト終了では再試行しません。
func withRetry[T any](ctx context.Context, p *Pipeline, stage Stage, logger *slog.Logger, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &StageError{Stage: stage, Attempts: attempt - 1, Err: fmt.Errorf("interrupted: %w", err)}
		}
		out, err := callWithTimeout(ctx, p.stageTimeout, fn)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, &StageError{Stage: stage, Attempts: attempt, Err: fmt.Errorf("interrupted: %w", ctx.Err())}
		}
		if processing.IsPermanent(err) || attempt == p.retry.MaxAttempts {
			return zero, &StageError{Stage: stage, Attempts: attempt, Err: err}
		}
		wait := p.retry.Backoff(attempt)
		logger.Warn("pipeline.stage_retry", "stage", stage, "attempt", attempt, "backoff_ms", wait.Milliseconds(), "error", err)
		if err := p.sleep(ctx, wait); err != nil {
			return zero, &StageError{Stage: stage, Attempts: attempt, Err: fmt.Errorf("interrupted: %w", err)}
		}
	}
	return zero, &StageError{Stage: stage, Attempts: p.retry.MaxAttempts, Err: lastErr}
}

func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(cctx)
}
