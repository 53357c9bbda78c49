package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/yourusername/docflow/internal/config"
	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/processing/local"
	"github.com/yourusername/docflow/internal/processing/remote"
	"github.com/yourusername/docflow/internal/storage"
	"github.com/yourusername/docflow/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()

	mem, err := openStore(ctx, &config.Config{StoreBackend: config.StoreMemory}, discardLogger())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := mem.(*jobs.MemoryStore); !ok {
		t.Fatalf("memory backend = %T", mem)
	}

	sqlite, err := openStore(ctx, &config.Config{
		StoreBackend: config.StoreSQLite,
		SQLitePath:   filepath.Join(t.TempDir(), "jobs.db"),
	}, discardLogger())
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer func() { _ = sqlite.Close() }()
	if _, ok := sqlite.(*jobs.SQLStore); !ok {
		t.Fatalf("sqlite backend = %T", sqlite)
	}

	if _, err := openStore(ctx, &config.Config{StoreBackend: "mongo"}, discardLogger()); err == nil {
		t.Fatal("unknown backend should fail")
	}
}

func TestNewEnginesSelectsBackend(t *testing.T) {
	engines := newEngines(&config.Config{ProcessingBackend: config.ProcessingLocal})
	if _, ok := engines.OCR.(*local.OCR); !ok {
		t.Fatalf("local OCR = %T", engines.OCR)
	}
	engines = newEngines(&config.Config{ProcessingBackend: config.ProcessingRemote, OCREndpoint: "http://ocr.test"})
	if _, ok := engines.OCR.(*remote.Client); !ok {
		t.Fatalf("remote OCR = %T", engines.OCR)
	}
}

func TestNewDispatcherInline(t *testing.T) {
	cfg := &config.Config{TriggerMode: config.TriggerInline, WorkerConcurrency: 1, StageMaxAttempts: 1}
	p := newPipeline(cfg, jobs.NewMemoryStore(), storage.NewLocalStore(t.TempDir()), discardLogger())
	d, err := newDispatcher(cfg, p, discardLogger())
	if err != nil {
		t.Fatalf("newDispatcher: %v", err)
	}
	if _, ok := d.(*worker.LocalQueue); !ok {
		t.Fatalf("dispatcher = %T", d)
	}
	if _, err := newDispatcher(&config.Config{TriggerMode: "kafka"}, p, discardLogger()); err == nil {
		t.Fatal("unknown trigger mode should fail")
	}
}

func TestCORSConfigIncludesAPIKeyHeader(t *testing.T) {
	c := corsConfig(&config.Config{CORSAllowedOrigins: "http://a.test, http://b.test,"})
	if len(c.AllowOrigins) != 2 || c.AllowOrigins[1] != "http://b.test" {
		t.Fatalf("origins = %v", c.AllowOrigins)
	}
	found := false
	for _, h := range c.AllowHeaders {
		if h == "X-API-Key" {
			found = true
		}
	}
	if !found {
		t.Fatalf("headers = %v", c.AllowHeaders)
	}
	if c := corsConfig(&config.Config{}); !c.AllowAllOrigins {
		t.Fatal("empty origins should allow all")
	}
}
