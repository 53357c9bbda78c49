package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/docflow/internal/config"
	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/pipeline"
	"github.com/yourusername/docflow/internal/processing"
	"github.com/yourusername/docflow/internal/processing/local"
	"github.com/yourusername/docflow/internal/processing/remote"
	"github.com/yourusername/docflow/internal/worker"
)

// dispatcher はトリガーの投入とワーカーの実行を兼ねます。
type dispatcher interface {
	worker.Dispatcher
	worker.Runner
}

// openStore は STORE_BACKEND に応じたジョブストアを開きます。
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (jobs.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.StoreRedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse STORE_REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("ping job store redis: %w", err)
		}
		logger.Info("store.opened", "backend", cfg.StoreBackend, "retention", cfg.JobRetention)
		return jobs.NewRedisStore(rdb, cfg.JobRetention), nil
	case config.StoreSQLite:
		store, err := jobs.OpenSQLStore(jobs.DialectSQLite, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("store.opened", "backend", cfg.StoreBackend, "path", cfg.SQLitePath)
		return store, nil
	case config.StorePostgres:
		store, err := jobs.OpenSQLStore(jobs.DialectPostgres, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("store.opened", "backend", cfg.StoreBackend)
		return store, nil
	case config.StoreMemory:
		logger.Warn("store.opened", "backend", cfg.StoreBackend, "note", "ジョブは再起動で消えます")
		return jobs.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND: %q", cfg.StoreBackend)
	}
}

// newEngines は PROCESSING_BACKEND に応じた処理能力を返します。
func newEngines(cfg *config.Config) processing.Engines {
	if cfg.ProcessingBackend == config.ProcessingRemote {
		return remote.New(remote.Config{
			OCREndpoint:       cfg.OCREndpoint,
			ClassifyEndpoint:  cfg.ClassifyEndpoint,
			SummarizeEndpoint: cfg.SummarizeEndpoint,
			APIKey:            cfg.ProcessingAPIKey,
			Timeout:           cfg.StageTimeout,
		}).Engines()
	}
	return processing.Engines{
		OCR:        local.NewOCR(""),
		Classifier: local.Classifier{},
		Summarizer: local.Summarizer{},
	}
}

// newPipeline はパイプラインを設定値から組み立てます。
func newPipeline(cfg *config.Config, store jobs.Store, objects pipeline.ObjectSource, logger *slog.Logger) *pipeline.Pipeline {
	return pipeline.New(store, objects, newEngines(cfg), pipeline.Options{
		Retry: pipeline.RetryPolicy{
			MaxAttempts:    cfg.StageMaxAttempts,
			InitialBackoff: cfg.StageBackoffInitial,
			MaxBackoff:     cfg.StageBackoffMax,
			Multiplier:     cfg.StageBackoffMulti,
		},
		StageTimeout: cfg.StageTimeout,
		Progress: func(documentID, stage string, percent int) {
			logger.Debug("pipeline.progress", "document_id", documentID, "stage", stage, "percent", percent)
		},
	}, logger)
}

// newDispatcher は TRIGGER_MODE に応じてトリガーの配送方法を選びます。
func newDispatcher(cfg *config.Config, handler worker.Handler, logger *slog.Logger) (dispatcher, error) {
	switch strings.ToLower(cfg.TriggerMode) {
	case config.TriggerAsynq:
		m, err := worker.NewAsynqManager(worker.AsynqConfig{
			RedisURL:    cfg.QueueRedisURL,
			Concurrency: cfg.WorkerConcurrency,
			MaxRetry:    cfg.TriggerMaxRetry,
		}, handler, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.TriggerInline:
		return worker.NewLocalQueue(handler, logger, 0, cfg.WorkerConcurrency), nil
	default:
		return nil, fmt.Errorf("unsupported TRIGGER_MODE: %q", cfg.TriggerMode)
	}
}
