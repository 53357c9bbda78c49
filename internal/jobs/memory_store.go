package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore はプロセス内のマップにジョブを保持します。テストと単一プロセスでの開発用です。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Job
	now  func() time.Time
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record, err := prepareCreate(job, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[record.DocumentID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, record.DocumentID)
	}
	s.data[record.DocumentID] = record
	*job = *record.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, documentID string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, documentID string, mutate func(*Job) error) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	next, err := applyMutation(current, mutate, s.now())
	if err != nil {
		return nil, err
	}
	s.data[documentID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Close() error { return nil }
