// Package upload はアップロード受付（documentId の発行、ジョブ作成、書き込み URL の払い出し）を担います。
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/docflow/internal/jobs"
)

// DefaultMaxFileSize はアップロードサイズ上限の既定値（10MiB）です。
const DefaultMaxFileSize int64 = 10 << 20

// DefaultAllowedContentTypes は受け付ける Content-Type の既定値です。
var DefaultAllowedContentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"application/pdf",
}

// URLSigner は書き込み用 URL を発行します。
type URLSigner interface {
	SignUpload(documentID, contentType string) (string, time.Time)
}

// Request はアップロード開始要求です。Size が 0 の場合は未申告として扱います。
type Request struct {
	FileName    string
	ContentType string
	Size        int64
}

// Ticket はアップロード開始時に呼び出し元へ返す情報です。
type Ticket struct {
	DocumentID  string
	UploadURL   string
	ContentType string
	ExpiresAt   time.Time
}

// Options は Coordinator の設定です。
type Options struct {
	AllowedContentTypes []string
	MaxFileSize         int64
}

// Coordinator は documentId を発行し、ジョブを作成してから書き込み URL を返します。
type Coordinator struct {
	store   jobs.Store
	signer  URLSigner
	allowed map[string]struct{}
	maxSize int64
	logger  *slog.Logger
	newID   func() string
}

// NewCoordinator は Coordinator を初期化します。
func NewCoordinator(store jobs.Store, signer URLSigner, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	types := opts.AllowedContentTypes
	if len(types) == 0 {
		types = DefaultAllowedContentTypes
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		if n := NormalizeContentType(t); n != "" {
			allowed[n] = struct{}{}
		}
	}
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Coordinator{
		store:   store,
		signer:  signer,
		allowed: allowed,
		maxSize: maxSize,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// MaxFileSize は書き込み時にも適用するサイズ上限を返します。
func (c *Coordinator) MaxFileSize() int64 {
	return c.maxSize
}

// Allowed は contentType が許可リストに含まれるかを返します。
func (c *Coordinator) Allowed(contentType string) bool {
	_, ok := c.allowed[NormalizeContentType(contentType)]
	return ok
}

// Begin は要求を検証し、ジョブを uploaded で作成したうえで書き込み URL を返します。
// 検証エラーの場合ジョブは作成されません。
func (c *Coordinator) Begin(ctx context.Context, req Request) (*Ticket, error) {
	fileName := sanitizeFileName(req.FileName)
	if fileName == "" {
		return nil, newError(CodeInvalidInput, "fileName を指定してください。", ErrInvalidInput)
	}
	if req.Size < 0 {
		return nil, newError(CodeInvalidInput, "size が不正です。", ErrInvalidInput)
	}

	contentType := NormalizeContentType(req.ContentType)
	if contentType == "" {
		contentType = NormalizeContentType(mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))))
	}
	if !c.Allowed(contentType) {
		return nil, newError(CodeInvalidFileType,
			"対応していないファイル形式です。JPEG, PNG, GIF, PDF のいずれかを指定してください。",
			fmt.Errorf("%w: %q", ErrInvalidFileType, contentType))
	}
	if req.Size > c.maxSize {
		return nil, newError(CodeFileTooLarge,
			fmt.Sprintf("ファイルサイズが上限（%d バイト）を超えています。", c.maxSize),
			fmt.Errorf("%w: %d > %d", ErrFileTooLarge, req.Size, c.maxSize))
	}

	job := &jobs.Job{
		DocumentID:  c.newID(),
		FileName:    fileName,
		ContentType: contentType,
		Status:      jobs.StatusUploaded,
	}
	// 作成が確定してから URL を渡すので、直後のポーリングでも必ずジョブが見つかる
	if err := c.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	uploadURL, expiresAt := c.signer.SignUpload(job.DocumentID, contentType)
	c.logger.Info("upload.job_created",
		"document_id", job.DocumentID,
		"file_name", fileName,
		"content_type", contentType,
		"declared_size", req.Size,
	)
	return &Ticket{
		DocumentID:  job.DocumentID,
		UploadURL:   uploadURL,
		ContentType: contentType,
		ExpiresAt:   expiresAt,
	}, nil
}

// NormalizeContentType はパラメータを除いた小文字の MIME タイプを返します。
func NormalizeContentType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		v = mt
	}
	v = strings.ToLower(v)
	if v == "image/jpg" || v == "image/pjpeg" {
		v = "image/jpeg"
	}
	return v
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}
