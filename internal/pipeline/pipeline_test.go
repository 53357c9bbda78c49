package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/processing"
	"github.com/yourusername/docflow/internal/storage"
)

type fakeObjects struct {
	pathErr error
}

func (fakeObjects) Open(key string) (*os.File, *storage.ObjectManifest, error) {
	return nil, nil, storage.ErrObjectNotFound
}

func (o fakeObjects) Path(key string) (string, error) {
	if o.pathErr != nil {
		return "", o.pathErr
	}
	return "/nonexistent/" + key + "/object", nil
}

type fakeEngines struct {
	mu sync.Mutex

	ocrErrs []error
	clsErrs []error
	sumErrs []error

	ocr *jobs.OCRResults
	cls *jobs.Classification

	ocrCalls, clsCalls, sumCalls int
	onOCR                        func(ctx context.Context)
}

func newFakeEngines() *fakeEngines {
	return &fakeEngines{
		ocr: &jobs.OCRResults{RawText: "INVOICE\nTotal: 120.00", KeyValuePairs: map[string]string{"Total": "120.00"}},
		cls: &jobs.Classification{Category: "Invoice", Confidence: 0.9},
	}
}

func (f *fakeEngines) engines() processing.Engines {
	return processing.Engines{OCR: f, Classifier: f, Summarizer: f}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeEngines) Extract(ctx context.Context, doc processing.Document) (*jobs.OCRResults, error) {
	f.mu.Lock()
	f.ocrCalls++
	err := pop(&f.ocrErrs)
	hook := f.onOCR
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	res := *f.ocr
	return &res, nil
}

func (f *fakeEngines) Classify(ctx context.Context, text string) (*jobs.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clsCalls++
	if err := pop(&f.clsErrs); err != nil {
		return nil, err
	}
	cls := *f.cls
	return &cls, nil
}

func (f *fakeEngines) Summarize(ctx context.Context, text, category string) (*jobs.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sumCalls++
	if err := pop(&f.sumErrs); err != nil {
		return nil, err
	}
	return &jobs.Summary{Text: "summary of " + category, KeyPoints: []string{"Total: 120.00"}}, nil
}

type harness struct {
	store   jobs.Store
	engines *fakeEngines
	p       *Pipeline
	sleeps  []time.Duration
	events  []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: jobs.NewMemoryStore(), engines: newFakeEngines()}
	h.p = New(h.store, fakeObjects{}, h.engines.engines(), Options{
		Retry: RetryPolicy{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2},
		Progress: func(documentID, stage string, percent int) {
			h.events = append(h.events, stage)
		},
	}, nil)
	h.p.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func (h *harness) createJob(t *testing.T, id string) {
	t.Helper()
	err := h.store.Create(context.Background(), &jobs.Job{
		DocumentID:  id,
		FileName:    "invoice.pdf",
		ContentType: "application/pdf",
		Status:      jobs.StatusUploaded,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) *jobs.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestHandleCompletesJob(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "doc-1")

	if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1", Location: "file:///tmp/doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	job := h.job(t, "doc-1")
	if job.Status != jobs.StatusComplete {
		t.Fatalf("status = %s, want complete (%s)", job.Status, job.ProcessingError)
	}
	if job.OCRResults == nil || job.Classification == nil || job.Summary == nil {
		t.Fatalf("complete job is missing outputs: %+v", job)
	}
	if job.Summary.Category != "Invoice" {
		t.Fatalf("summary category = %q", job.Summary.Category)
	}
	want := []string{"ocr", "classification", "summarization", "complete"}
	if strings.Join(h.events, ",") != strings.Join(want, ",") {
		t.Fatalf("progress = %v, want %v", h.events, want)
	}
}

func TestHandleNormalizesClassification(t *testing.T) {
	h := newHarness(t)
	h.engines.cls = &jobs.Classification{Category: "Receipt", Confidence: 1.7}
	h.createJob(t, "doc-1")

	if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	job := h.job(t, "doc-1")
	if job.Classification.Category != processing.CategoryOther || job.Classification.Confidence != 1 {
		t.Fatalf("classification not normalized: %+v", job.Classification)
	}
}

func TestHandleParsesMarkdownJSON(t *testing.T) {
	h := newHarness(t)
	h.engines.ocr = &jobs.OCRResults{RawText: "Invoice\n```json\n{\"total\": 120}\n```"}
	h.createJob(t, "doc-1")

	if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	job := h.job(t, "doc-1")
	if len(job.OCRResults.MarkdownJSON) != 1 {
		t.Fatalf("markdownJson = %#v", job.OCRResults.MarkdownJSON)
	}
	if job.OCRResults.KeyValuePairs == nil {
		t.Fatal("keyValuePairs should default to an empty map")
	}
}

func TestHandleEmptyTextUsesDefaults(t *testing.T) {
	h := newHarness(t)
	h.engines.ocr = &jobs.OCRResults{RawText: "  "}
	h.createJob(t, "doc-1")

	if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	job := h.job(t, "doc-1")
	if job.Status != jobs.StatusComplete {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Classification.Category != processing.CategoryOther || job.Classification.Reason != "No text content" {
		t.Fatalf("classification = %+v", job.Classification)
	}
	if job.Summary.Text != "No content to summarize" {
		t.Fatalf("summary = %+v", job.Summary)
	}
	if h.engines.clsCalls != 0 || h.engines.sumCalls != 0 {
		t.Fatalf("engines called for empty text: cls=%d sum=%d", h.engines.clsCalls, h.engines.sumCalls)
	}
}

func TestStageFailureKeepsEarlierOutputsOnly(t *testing.T) {
	boom := processing.Permanent(errors.New("boom"))
	cases := []struct {
		name    string
		setup   func(f *fakeEngines)
		prefix  string
		wantOCR bool
		wantCls bool
	}{
		{"ocr", func(f *fakeEngines) { f.ocrErrs = []error{boom} }, "ocr:", false, false},
		{"classification", func(f *fakeEngines) { f.clsErrs = []error{boom} }, "classification:", true, false},
		{"summarization", func(f *fakeEngines) { f.sumErrs = []error{boom} }, "summarization:", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h.engines)
			h.createJob(t, "doc-1")

			if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"}); err != nil {
				t.Fatalf("stage failure must not surface: %v", err)
			}
			job := h.job(t, "doc-1")
			if job.Status != jobs.StatusError {
				t.Fatalf("status = %s, want error", job.Status)
			}
			if (job.OCRResults != nil) != tc.wantOCR || (job.Classification != nil) != tc.wantCls || job.Summary != nil {
				t.Fatalf("unexpected outputs: ocr=%v cls=%v sum=%v", job.OCRResults != nil, job.Classification != nil, job.Summary != nil)
			}
			if !strings.HasPrefix(job.ProcessingError, tc.prefix) {
				t.Fatalf("processingError = %q, want prefix %q", job.ProcessingError, tc.prefix)
			}
			if len(h.sleeps) != 0 {
				t.Fatalf("permanent error was retried: %v", h.sleeps)
			}
		})
	}
}

func TestTransientErrorIsRetriedWithBackoff(t *testing.T) {
	h := newHarness(t)
	transient := errors.New("temporarily unavailable")
	h.engines.ocrErrs = []error{transient, transient}
	h.createJob(t, "doc-1")

	if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if job := h.job(t, "doc-1"); job.Status != jobs.StatusComplete {
		t.Fatalf("status = %s (%s)", job.Status, job.ProcessingError)
	}
	if h.engines.ocrCalls != 3 {
		t.Fatalf("ocr calls = %d, want 3", h.engines.ocrCalls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(h.sleeps) != len(want) || h.sleeps[0] != want[0] || h.sleeps[1] != want[1] {
		t.Fatalf("sleeps = %v, want %v", h.sleeps, want)
	}
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	transient := errors.New("temporarily unavailable")
	h.engines.clsErrs = []error{transient, transient, transient}
	h.createJob(t, "doc-1")

	if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	job := h.job(t, "doc-1")
	if job.Status != jobs.StatusError || job.OCRResults == nil || job.Classification != nil {
		t.Fatalf("unexpected job: %+v", job)
	}
	if h.engines.clsCalls != 3 {
		t.Fatalf("classify calls = %d, want 3", h.engines.clsCalls)
	}
}

func TestDuplicateTriggerIsNoop(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "doc-1")
	ctx := context.Background()

	if err := h.p.Handle(ctx, Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	before := h.job(t, "doc-1")

	if err := h.p.Handle(ctx, Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("duplicate Handle: %v", err)
	}
	after := h.job(t, "doc-1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Fatalf("duplicate trigger changed the job: before=%+v after=%+v", before, after)
	}
	if h.engines.ocrCalls != 1 {
		t.Fatalf("ocr calls = %d, want 1", h.engines.ocrCalls)
	}
}

func TestDuplicateTriggerWhileProcessingIsNoop(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "doc-1")
	ctx := context.Background()
	if _, err := h.store.Update(ctx, "doc-1", func(j *jobs.Job) error {
		return j.Transition(jobs.StatusProcessingOCR)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := h.p.Handle(ctx, Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if job := h.job(t, "doc-1"); job.Status != jobs.StatusProcessingOCR {
		t.Fatalf("status = %s", job.Status)
	}
	if h.engines.ocrCalls != 0 {
		t.Fatal("duplicate trigger ran the pipeline")
	}
}

func TestHandleUnknownJob(t *testing.T) {
	h := newHarness(t)
	err := h.p.Handle(context.Background(), Trigger{DocumentID: "missing"})
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := h.p.Handle(context.Background(), Trigger{}); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestCancellationFailsJob(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "doc-1")
	ctx, cancel := context.WithCancel(context.Background())
	h.engines.onOCR = func(context.Context) { cancel() }

	if err := h.p.Handle(ctx, Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	job := h.job(t, "doc-1")
	if job.Status != jobs.StatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
	if !strings.Contains(job.ProcessingError, "interrupted") {
		t.Fatalf("processingError = %q", job.ProcessingError)
	}
}

// flakyStore は指定した回数目の Update だけ失敗させます。
type flakyStore struct {
	jobs.Store
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (s *flakyStore) Update(ctx context.Context, id string, mutate func(*jobs.Job) error) (*jobs.Job, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if err := s.fail(call); err != nil {
		return nil, err
	}
	return s.Store.Update(ctx, id, mutate)
}

var errStoreDown = errors.New("redis: connection refused")

func TestTransientStoreWriteIsRetried(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "doc-1")
	// 1 回目は claim、2 回目が OCR 結果の書き込み
	store := &flakyStore{Store: h.store, fail: func(call int) error {
		if call == 2 {
			return errStoreDown
		}
		return nil
	}}
	h.p.store = store

	if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if job := h.job(t, "doc-1"); job.Status != jobs.StatusComplete {
		t.Fatalf("status = %s (%s), want complete", job.Status, job.ProcessingError)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 100*time.Millisecond {
		t.Fatalf("sleeps = %v", h.sleeps)
	}
}

func TestStoreOutageIsReturnedToTransport(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "doc-1")
	h.p.store = &flakyStore{Store: h.store, fail: func(call int) error {
		if call > 1 {
			return errStoreDown
		}
		return nil
	}}

	err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("Handle err = %v, want store error", err)
	}
	if job := h.job(t, "doc-1"); job.Status != jobs.StatusProcessingOCR {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestUnresolvableObjectPathFailsWithoutOCR(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "doc-1")
	h.p.objects = fakeObjects{pathErr: storage.ErrInvalidKey}

	if err := h.p.Handle(context.Background(), Trigger{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	job := h.job(t, "doc-1")
	if job.Status != jobs.StatusError || job.OCRResults != nil {
		t.Fatalf("job = %+v", job)
	}
	if !strings.Contains(job.ProcessingError, "resolve object path") {
		t.Fatalf("processingError = %q", job.ProcessingError)
	}
	if h.engines.ocrCalls != 0 || len(h.sleeps) != 0 {
		t.Fatalf("ocrCalls=%d sleeps=%v", h.engines.ocrCalls, h.sleeps)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	def := RetryPolicy{}.withDefaults()
	if def.MaxAttempts != 3 || def.Multiplier != 2 {
		t.Fatalf("unexpected defaults: %+v", def)
	}
}
