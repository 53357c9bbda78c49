// Package worker はオブジェクト保存完了時のトリガーをパイプラインへ届ける配送路です。
package worker

import (
	"context"
	"errors"

	"github.com/yourusername/docflow/internal/pipeline"
)

var (
	ErrQueueFull  = errors.New("trigger queue is full")
	ErrNotStarted = errors.New("trigger queue not started")
)

// Handler はトリガーを1件処理します。*pipeline.Pipeline が実装します。
type Handler interface {
	Handle(ctx context.Context, trig pipeline.Trigger) error
}

// Dispatcher はトリガーを配送します。配送は少なくとも1回で、重複はパイプライン側で吸収します。
type Dispatcher interface {
	Dispatch(ctx context.Context, trig pipeline.Trigger) error
}

// Runner は ctx が終わるまでワーカーを動かします。
type Runner interface {
	Run(ctx context.Context) error
}
