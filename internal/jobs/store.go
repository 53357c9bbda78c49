package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
	maxTxRetries = 16
)

// Store はジョブレコードの永続化層です。
// 読み取りは並行に安全で、Update はレコード単位でアトミックです。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, documentID string) (*Job, error)
	Update(ctx context.Context, documentID string, mutate func(*Job) error) (*Job, error)
	Close() error
}

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合は失効させません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create はジョブを新規作成します。同じ ID が既にあれば ErrAlreadyExists を返します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	record, err := prepareCreate(job, s.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.DocumentID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, record.DocumentID)
	}
	*job = *record
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, documentID string) (*Job, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, fmt.Errorf("%w: empty documentId", ErrNotFound)
	}
	data, err := s.rdb.Get(ctx, jobKey(documentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Update は WATCH/MULTI による楽観的トランザクションでレコードを更新します。
func (s *RedisStore) Update(ctx context.Context, documentID string, mutate func(*Job) error) (*Job, error) {
	key := jobKey(documentID)
	for i := 0; i < maxTxRetries; i++ {
		var updated *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: %s", ErrNotFound, documentID)
				}
				return err
			}
			var current Job
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
			next, err := applyMutation(&current, mutate, s.now())
			if err != nil {
				return err
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			if err == nil {
				updated = next
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", documentID)
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// prepareCreate は作成時の初期値を補い、作成可能なレコードか検証します。
func prepareCreate(job *Job, now time.Time) (*Job, error) {
	if job == nil {
		return nil, errors.New("job is nil")
	}
	record := job.Clone()
	if record.Status == "" {
		record.Status = StatusUploaded
	}
	if record.Status != StatusUploaded {
		return nil, fmt.Errorf("%w: new job must start as %s, got %s", ErrInvalidTransition, StatusUploaded, record.Status)
	}
	if record.UploadTime.IsZero() {
		record.UploadTime = now
	}
	record.UpdatedAt = now
	if err := record.CheckConsistency(); err != nil {
		return nil, err
	}
	return record, nil
}

// applyMutation は current のコピーに mutate を適用し、不変条件を検証した結果を返します。
func applyMutation(current *Job, mutate func(*Job) error, now time.Time) (*Job, error) {
	if mutate == nil {
		return nil, errors.New("mutate is nil")
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, current.DocumentID, current.Status)
	}
	if next.DocumentID != current.DocumentID || next.FileName != current.FileName ||
		next.ContentType != current.ContentType || !next.UploadTime.Equal(current.UploadTime) {
		return nil, fmt.Errorf("%w: immutable field changed", ErrInconsistent)
	}
	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}
	// 書き込み済みのステージ結果は他のステージから変更できない
	if current.OCRResults != nil && !reflect.DeepEqual(current.OCRResults, next.OCRResults) {
		return nil, fmt.Errorf("%w: ocrResults rewritten", ErrInconsistent)
	}
	if current.Classification != nil && !reflect.DeepEqual(current.Classification, next.Classification) {
		return nil, fmt.Errorf("%w: classification rewritten", ErrInconsistent)
	}
	if err := next.CheckConsistency(); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	return next, nil
}
