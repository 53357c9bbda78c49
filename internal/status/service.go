// Package status はジョブの最新スナップショットを返す照会サービスです。
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yourusername/docflow/internal/jobs"
)

// ErrInvalidID は空の documentId です。
var ErrInvalidID = errors.New("documentId is required")

// Service はジョブストアを読むだけで、パイプラインの実行とは独立しています。
type Service struct {
	store jobs.Store
}

// NewService は Service を初期化します。
func NewService(store jobs.Store) *Service {
	return &Service{store: store}
}

// Get は documentId のジョブを返します。存在しなければ jobs.ErrNotFound です。
func (s *Service) Get(ctx context.Context, documentID string) (*jobs.Job, error) {
	id := strings.TrimSpace(documentID)
	if id == "" {
		return nil, ErrInvalidID
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return job, nil
}
