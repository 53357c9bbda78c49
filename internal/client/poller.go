package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/docflow/internal/jobs"
)

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultPollMaxAttempts = 30
)

// ErrPollingTimeout は試行回数内にジョブが終端状態にならなかったことを表します。
// サーバー側のジョブには何もしません。
var ErrPollingTimeout = errors.New("polling timed out before the job reached a terminal state")

// FetchFunc はジョブのスナップショットを1回取得します。
type FetchFunc func(ctx context.Context) (*jobs.Job, error)

// Poller はジョブが complete か error になるまで一定間隔で照会します。
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	// Sleep はテストで差し替えるための待機関数です。nil なら ctx を見ながら待ちます。
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller は既定値の Poller を返します。
func NewPoller() *Poller {
	return &Poller{Interval: DefaultPollInterval, MaxAttempts: DefaultPollMaxAttempts}
}

// Poll は fetch を最大 MaxAttempts 回呼びます。
// 終端状態のスナップショットが得られたらそれを返します。取得エラーと非終端状態は1回分の試行として数えます。
// 試行を使い切ったら、最後に観測したスナップショット（無ければ nil）と ErrPollingTimeout を返します。
// onSnapshot が指定されていれば取得できたスナップショットごとに呼びます。
func (p *Poller) Poll(ctx context.Context, fetch FetchFunc, onSnapshot func(*jobs.Job)) (*jobs.Job, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	interval := p.Interval
	if interval < 0 {
		interval = 0
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var (
		last    *jobs.Job
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		job, err := fetch(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			lastErr = err
		case job != nil:
			last = job
			if onSnapshot != nil {
				onSnapshot(job)
			}
			if job.Status.IsTerminal() {
				return job, nil
			}
		}

		if attempt < maxAttempts && interval > 0 {
			if err := sleep(ctx, interval); err != nil {
				return last, err
			}
		}
	}
	if lastErr != nil && last == nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrPollingTimeout, maxAttempts, lastErr)
	}
	return last, fmt.Errorf("%w after %d attempts", ErrPollingTimeout, maxAttempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
