package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/status"
	"github.com/yourusername/docflow/internal/storage"
	"github.com/yourusername/docflow/internal/upload"
)

// エラーコード
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeURLExpired          = "URL_EXPIRED"
	CodeContentTypeMismatch = "CONTENT_TYPE_MISMATCH"
	CodeAlreadyUploaded     = "ALREADY_UPLOADED"
	CodeRequestCanceled     = "REQUEST_CANCELED"
	CodeInternal            = "INTERNAL_ERROR"
)

var errAlreadyProcessing = errors.New("document is already being processed")

func abortWithError(c *gin.Context, httpStatus int, code, message string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"error": message,
		"code":  code,
	})
}

func respondWithError(c *gin.Context, err error) {
	var upErr *upload.Error
	switch {
	case errors.As(err, &upErr):
		httpStatus := http.StatusBadRequest
		if upErr.Code == upload.CodeFileTooLarge {
			httpStatus = http.StatusRequestEntityTooLarge
		}
		abortWithError(c, httpStatus, upErr.Code, upErr.Message)
	case errors.Is(err, jobs.ErrNotFound):
		abortWithError(c, http.StatusNotFound, CodeNotFound, "指定されたドキュメントは存在しません。")
	case errors.Is(err, status.ErrInvalidID), errors.Is(err, storage.ErrInvalidKey):
		abortWithError(c, http.StatusBadRequest, upload.CodeInvalidInput, "documentId を指定してください。")
	case errors.Is(err, storage.ErrInvalidSignature):
		abortWithError(c, http.StatusForbidden, CodeInvalidSignature, "アップロード URL の署名が正しくありません。")
	case errors.Is(err, storage.ErrURLExpired):
		abortWithError(c, http.StatusForbidden, CodeURLExpired, "アップロード URL の有効期限が切れています。")
	case errors.Is(err, storage.ErrObjectTooLarge):
		abortWithError(c, http.StatusRequestEntityTooLarge, upload.CodeFileTooLarge, "ファイルサイズが上限を超えています。")
	case errors.Is(err, storage.ErrContentMismatch):
		abortWithError(c, http.StatusBadRequest, upload.CodeInvalidFileType, "ファイルの内容が指定された形式と一致しません。")
	case errors.Is(err, storage.ErrEmptyObject):
		abortWithError(c, http.StatusBadRequest, upload.CodeInvalidInput, "ファイルが空です。")
	case errors.Is(err, storage.ErrObjectExists), errors.Is(err, errAlreadyProcessing):
		abortWithError(c, http.StatusConflict, CodeAlreadyUploaded, "このドキュメントは既にアップロードされています。")
	case errors.Is(err, context.Canceled):
		abortWithError(c, http.StatusRequestTimeout, CodeRequestCanceled, "リクエストがキャンセルされました。")
	default:
		abortWithError(c, http.StatusInternalServerError, CodeInternal, "サーバー内部でエラーが発生しました。")
	}
}
