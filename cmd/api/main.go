// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/docflow/internal/api"
	"github.com/yourusername/docflow/internal/auth"
	"github.com/yourusername/docflow/internal/config"
	"github.com/yourusername/docflow/internal/status"
	"github.com/yourusername/docflow/internal/storage"
	"github.com/yourusername/docflow/internal/upload"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config.load_failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server.exited", "error", err)
		os.Exit(1)
	}
}

// newLogger は release モードでは JSON、それ以外はテキストで出力するロガーを作ります。
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.GinMode == gin.ReleaseMode {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.UploadSecretGenerated() {
		logger.Warn("config.upload_secret_generated", "note", "UPLOAD_URL_SECRET 未設定のため起動ごとに署名鍵を生成しました")
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	objects := storage.NewLocalStore(cfg.StorageDir)
	signer := storage.NewSigner([]byte(cfg.UploadURLSecret), cfg.PublicBaseURL, cfg.UploadURLTTL)
	p := newPipeline(cfg, store, objects, logger)

	disp, err := newDispatcher(cfg, p, logger)
	if err != nil {
		return err
	}
	if c, ok := disp.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	handler := api.NewHandler(api.Deps{
		Uploads: upload.NewCoordinator(store, signer, upload.Options{
			AllowedContentTypes: cfg.AllowedContentTypes,
			MaxFileSize:         cfg.MaxFileSize,
		}, logger),
		Status:     status.NewService(store),
		Store:      store,
		Objects:    objects,
		Verifier:   signer,
		Dispatcher: disp,
		Logger:     logger,
	})

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(cors.New(corsConfig(cfg)))

	authManager := auth.NewManager(cfg.APIKeyHash)
	if !authManager.Enabled() {
		logger.Warn("auth.disabled", "note", "API_KEY_HASH 未設定のため /upload と /results は認証なしで公開されます")
	}
	handler.Register(router, authManager.RequireAPIKey())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return disp.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server.started",
			"addr", srv.Addr,
			"mode", cfg.GinMode,
			"store", cfg.StoreBackend,
			"trigger", cfg.TriggerMode,
			"processing", cfg.ProcessingBackend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info("server.shutting_down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// corsConfig は許可オリジンと API キー用ヘッダーを設定します。
func corsConfig(cfg *config.Config) cors.Config {
	c := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	var origins []string
	for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}
	c.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.HeaderAPIKey,
	}
	return c
}
