package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/pipeline"
)

const (
	// TaskTypeProcess はドキュメント処理タスクの種別です。
	TaskTypeProcess = "document:process"
	queueDocuments  = "documents"

	defaultConcurrency = 4
	defaultMaxRetry    = 3
)

// AsynqConfig は Asynq の接続とワーカー設定です。
type AsynqConfig struct {
	RedisURL    string
	Concurrency int
	MaxRetry    int
}

// AsynqManager はトリガーを Asynq のタスクとして投入し、同じプロセスでタスクを消費します。
type AsynqManager struct {
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	handler  Handler
	maxRetry int
	logger   *slog.Logger
}

var (
	_ Dispatcher = (*AsynqManager)(nil)
	_ Runner     = (*AsynqManager)(nil)
)

// NewAsynqManager は AsynqManager を初期化します。
func NewAsynqManager(cfg AsynqConfig, handler Handler, logger *slog.Logger) (*AsynqManager, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	maxRetry := cfg.MaxRetry
	if maxRetry < 0 {
		maxRetry = defaultMaxRetry
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueDocuments: 1,
			},
			Logger:   newAsynqLogger(logger),
			LogLevel: asynq.WarnLevel,
		},
	)

	m := &AsynqManager{
		client:   asynq.NewClient(opt),
		server:   server,
		mux:      asynq.NewServeMux(),
		handler:  handler,
		maxRetry: maxRetry,
		logger:   logger,
	}
	m.mux.HandleFunc(TaskTypeProcess, m.ProcessTask)
	return m, nil
}

// Dispatch はトリガーをキューへ投入します。documentId をタスク ID にするので、
// 未処理の同一トリガーは1件にまとまります。
func (m *AsynqManager) Dispatch(ctx context.Context, trig pipeline.Trigger) error {
	if strings.TrimSpace(trig.DocumentID) == "" {
		return pipeline.ErrInvalidTrigger
	}
	body, err := json.Marshal(trig)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeProcess, body, asynq.Queue(queueDocuments))
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.TaskID(trig.DocumentID),
		asynq.MaxRetry(m.maxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		m.logger.Info("worker.duplicate_dispatch", "document_id", trig.DocumentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", trig.DocumentID, err)
	}
	m.logger.Info("worker.dispatched", "document_id", trig.DocumentID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// ProcessTask はタスクのペイロードを復元してパイプラインへ渡します。
// 再試行しても結果が変わらないエラーには asynq.SkipRetry を付けます。
func (m *AsynqManager) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var trig pipeline.Trigger
	if err := json.Unmarshal(task.Payload(), &trig); err != nil {
		m.logger.Error("worker.bad_payload", "error", err)
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	err := m.handler.Handle(ctx, trig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, pipeline.ErrInvalidTrigger):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		m.logger.Warn("worker.task_failed", "document_id", trig.DocumentID, "error", err)
		return err
	}
}

// Run は Asynq サーバーを起動し、ctx が終わったら停止します。
func (m *AsynqManager) Run(ctx context.Context) error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	m.logger.Info("worker.started", "mode", "asynq", "queue", queueDocuments)
	<-ctx.Done()
	m.server.Shutdown()
	m.logger.Info("worker.stopped", "mode", "asynq")
	return nil
}

// Close はクライアント接続を閉じます。
func (m *AsynqManager) Close() error {
	return m.client.Close()
}

// asynqLogger は Asynq のログを slog に流します。
type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) asynq.Logger {
	return asynqLogger{l: l.With("component", "asynq")}
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
