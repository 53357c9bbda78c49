package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/yourusername/docflow/internal/pipeline"
)

const (
	defaultQueueCapacity = 64
	defaultWorkerCount   = 2
	defaultDrainTimeout  = 30 * time.Second
)

// LocalQueue はプロセス内の有界キューとワーカープールです。Redis を使わない構成向けです。
type LocalQueue struct {
	log          *slog.Logger
	handler      Handler
	ch           chan pipeline.Trigger
	workers      int
	drainTimeout time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

var (
	_ Dispatcher = (*LocalQueue)(nil)
	_ Runner     = (*LocalQueue)(nil)
)

// NewLocalQueue は容量とワーカー数を指定して LocalQueue を作ります。
func NewLocalQueue(handler Handler, logger *slog.Logger, capacity, workers int) *LocalQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	return &LocalQueue{
		log:          logger,
		handler:      handler,
		ch:           make(chan pipeline.Trigger, capacity),
		workers:      workers,
		drainTimeout: defaultDrainTimeout,
	}
}

// Start はワーカーを起動します。処理中のトリガーは Shutdown まで ctx のキャンセルに影響されません。
func (q *LocalQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(wctx, i)
	}
	q.started = true
	return nil
}

func (q *LocalQueue) worker(ctx context.Context, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for trig := range q.ch {
		jobLog := log.With("document_id", trig.DocumentID)
		start := time.Now()
		if err := q.handler.Handle(ctx, trig); err != nil {
			jobLog.Error("worker.task_failed", "error", err, "duration", time.Since(start))
			continue
		}
		jobLog.Debug("worker.task_done", "duration", time.Since(start))
	}
}

// Dispatch はトリガーを投入します。キューが満杯なら待たずに ErrQueueFull を返します。
func (q *LocalQueue) Dispatch(ctx context.Context, trig pipeline.Trigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.closed {
		return ErrNotStarted
	}
	select {
	case q.ch <- trig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Run はワーカーを起動し、ctx が終わったら Shutdown します。
func (q *LocalQueue) Run(ctx context.Context) error {
	if err := q.Start(ctx); err != nil {
		return err
	}
	q.log.Info("worker.started", "mode", "inline", "workers", q.workers)
	<-ctx.Done()
	q.Shutdown(q.drainTimeout)
	q.log.Info("worker.stopped", "mode", "inline")
	return nil
}

// Shutdown は受付を止め、残りのトリガーを deadline まで処理させます。
// 期限を過ぎたらワーカーのコンテキストを取り消し、処理中のジョブを error で終わらせます。
func (q *LocalQueue) Shutdown(deadline time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	cancel := q.cancel
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			q.log.Warn("worker.drain_deadline_reached")
		}
	}
	if cancel != nil {
		cancel()
	}
	<-done
}
