// Package api は docflow の HTTP インターフェースです。
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/pipeline"
	"github.com/yourusername/docflow/internal/status"
	"github.com/yourusername/docflow/internal/storage"
	"github.com/yourusername/docflow/internal/upload"
	"github.com/yourusername/docflow/internal/worker"
)

const (
	serviceName = "docflow-api"
	// Version は /health で返すサービスのバージョンです。
	Version = "0.1.0"
)

// ObjectWriter は原本を保存します。
type ObjectWriter interface {
	Put(ctx context.Context, key, fileName, contentType string, r io.Reader, maxBytes int64) (*storage.ObjectManifest, error)
	Committed(key string) (bool, error)
	Location(key string) string
}

// URLVerifier は署名付きアップロード URL を検証します。
type URLVerifier interface {
	Verify(documentID string, query url.Values) (*storage.Grant, error)
}

// Deps はハンドラーが使う部品です。
type Deps struct {
	Uploads    *upload.Coordinator
	Status     *status.Service
	Store      jobs.Store
	Objects    ObjectWriter
	Verifier   URLVerifier
	Dispatcher worker.Dispatcher
	Logger     *slog.Logger
}

// Handler は HTTP ハンドラーの集まりです。
type Handler struct {
	Deps
}

// NewHandler は Handler を初期化します。
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{Deps: d}
}

// Register はルートを登録します。protect は /upload と /results に掛けるミドルウェアです。
// /objects は署名付き URL 自体で認可するため protect を通しません。
func (h *Handler) Register(router gin.IRouter, protect ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.PUT("/objects/:id", h.PutObject)

	protected := router.Group("")
	protected.Use(protect...)
	{
		protected.POST("/upload", h.Upload)
		protected.GET("/results/:id", h.Result)
	}
}

// Health はヘルスチェックエンドポイントのハンドラーです。
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": Version,
	})
}

type uploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type uploadResponse struct {
	DocumentID  string    `json:"documentId"`
	UploadURL   string    `json:"uploadUrl"`
	ContentType string    `json:"contentType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Upload は POST /upload のハンドラーです。ジョブを作成し、書き込み用 URL を返します。
func (h *Handler) Upload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, upload.CodeInvalidInput, "fileName を含む JSON を送ってください。")
		return
	}

	ticket, err := h.Uploads.Begin(c.Request.Context(), upload.Request{
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Size:        req.Size,
	})
	if err != nil {
		h.logFailure(c, "upload.rejected", err)
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, uploadResponse{
		DocumentID:  ticket.DocumentID,
		UploadURL:   ticket.UploadURL,
		ContentType: ticket.ContentType,
		ExpiresAt:   ticket.ExpiresAt,
	})
}

// PutObject は PUT /objects/:id のハンドラーです。
// 保存が完了してからトリガーを送ります。保存済みでジョブが uploaded のままなら、保存は繰り返さずトリガーだけ送り直します。
// 先行する書き込みが完了していない間は 409 を返します。
func (h *Handler) PutObject(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	grant, err := h.Verifier.Verify(id, c.Request.URL.Query())
	if err != nil {
		respondWithError(c, err)
		return
	}
	if ct := upload.NormalizeContentType(c.GetHeader("Content-Type")); ct != grant.ContentType {
		abortWithError(c, http.StatusBadRequest, CodeContentTypeMismatch, "Content-Type が署名された形式と一致しません。")
		return
	}

	job, err := h.Store.Get(ctx, id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if job.Status != jobs.StatusUploaded {
		respondWithError(c, errAlreadyProcessing)
		return
	}

	manifest, err := h.Objects.Put(ctx, id, job.FileName, grant.ContentType, c.Request.Body, h.Uploads.MaxFileSize())
	switch {
	case errors.Is(err, storage.ErrObjectExists):
		committed, cerr := h.Objects.Committed(id)
		if cerr != nil {
			h.logFailure(c, "upload.commit_check_failed", cerr, "document_id", id)
			respondWithError(c, cerr)
			return
		}
		if !committed {
			// 先行する PUT がまだ書き込み中
			h.Logger.Info("upload.write_in_progress", "document_id", id)
			respondWithError(c, storage.ErrObjectExists)
			return
		}
		h.Logger.Info("upload.redispatch", "document_id", id)
	case err != nil:
		h.logFailure(c, "upload.store_failed", err, "document_id", id)
		respondWithError(c, err)
		return
	default:
		h.Logger.Info("upload.object_stored",
			"document_id", id,
			"size", manifest.Size,
			"detected_type", manifest.DetectedType,
		)
	}

	trig := pipeline.Trigger{DocumentID: id, Location: h.Objects.Location(id)}
	if err := h.Dispatcher.Dispatch(ctx, trig); err != nil {
		h.Logger.Error("upload.dispatch_failed", "document_id", id, "error", err)
		abortWithError(c, http.StatusServiceUnavailable, CodeInternal, "処理の開始に失敗しました。同じ URL で再送してください。")
		return
	}
	c.Status(http.StatusNoContent)
}

// Result は GET /results/:id のハンドラーです。
func (h *Handler) Result(c *gin.Context) {
	job, err := h.Status.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if !errors.Is(err, jobs.ErrNotFound) {
			h.logFailure(c, "status.lookup_failed", err)
		}
		respondWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, job)
}

func (h *Handler) logFailure(c *gin.Context, event string, err error, attrs ...any) {
	attrs = append(attrs, "error", err, "path", c.FullPath())
	h.Logger.Warn(event, attrs...)
}
