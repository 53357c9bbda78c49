// Package storage はアップロードされた原本ファイルの保存と、署名付き書き込み URL を提供します。
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	objectFilename = "object"
	sniffLen       = 3072
)

var (
	ErrObjectExists    = errors.New("object already written")
	ErrObjectNotFound  = errors.New("object not found")
	ErrObjectTooLarge  = errors.New("object exceeds size limit")
	ErrEmptyObject     = errors.New("object is empty")
	ErrContentMismatch = errors.New("content does not match declared type")
	ErrInvalidKey      = errors.New("invalid object key")
)

// LocalStore はオブジェクトを baseDir/<key>/object に保存します。
// 各キーへの書き込みは成功した1回だけ受け付けます。
type LocalStore struct {
	baseDir string
	now     func() time.Time
}

// NewLocalStore は LocalStore を作成します。
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{
		baseDir: baseDir,
		now:     time.Now,
	}
}

// Put は r の内容を保存します。先頭バイトから判定した MIME が contentType と一致しない場合は保存しません。
func (s *LocalStore) Put(ctx context.Context, key, fileName, contentType string, r io.Reader, maxBytes int64) (_ *ObjectManifest, err error) {
	dir, err := s.objectDir(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure object dir: %w", err)
	}

	path := filepath.Join(dir, objectFilename)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrObjectExists
		}
		return nil, fmt.Errorf("create object: %w", err)
	}
	defer func() {
		closeErr := dst.Close()
		if err == nil && closeErr != nil {
			err = closeErr
		}
		if err != nil {
			// 失敗した書き込みは取り消し、再アップロードできるようにする
			_ = os.Remove(path)
			_ = os.Remove(filepath.Join(dir, manifestFilename))
		}
	}()

	head := make([]byte, sniffLen)
	n, readErr := io.ReadFull(r, head)
	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read object: %w", readErr)
	}
	head = head[:n]
	if len(head) == 0 {
		return nil, ErrEmptyObject
	}
	if maxBytes > 0 && int64(len(head)) > maxBytes {
		return nil, ErrObjectTooLarge
	}

	detected := mimetype.Detect(head)
	if !matchesType(detected, contentType) {
		return nil, fmt.Errorf("%w: declared %s, detected %s", ErrContentMismatch, contentType, detected.String())
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash := sha256.New()
	w := io.MultiWriter(dst, hash)
	if _, err := w.Write(head); err != nil {
		return nil, fmt.Errorf("write object: %w", err)
	}
	var rest io.Reader = r
	if maxBytes > 0 {
		// 上限を1バイト超えて読めたら超過と判定する
		rest = io.LimitReader(r, maxBytes-int64(len(head))+1)
	}
	copied, err := io.Copy(w, rest)
	if err != nil {
		return nil, fmt.Errorf("write object: %w", err)
	}
	size := int64(len(head)) + copied
	if maxBytes > 0 && size > maxBytes {
		return nil, ErrObjectTooLarge
	}
	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync object: %w", err)
	}

	manifest := &ObjectManifest{
		Key:          key,
		FileName:     fileName,
		ContentType:  contentType,
		DetectedType: detected.String(),
		Size:         size,
		SHA256:       hex.EncodeToString(hash.Sum(nil)),
		CreatedAt:    s.now().UTC(),
	}
	if err := writeManifest(dir, manifest); err != nil {
		return nil, fmt.Errorf("オブジェクトマニフェストの保存に失敗しました: %w", err)
	}
	return manifest, nil
}

// Open は保存済みオブジェクトとそのマニフェストを返します。
func (s *LocalStore) Open(key string) (*os.File, *ObjectManifest, error) {
	dir, err := s.objectDir(key)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := loadManifest(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, nil, err
	}
	file, err := os.Open(filepath.Join(dir, objectFilename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, nil, err
	}
	return file, manifest, nil
}

// Committed は key の書き込みが最後まで完了しているかを返します。
// マニフェストは書き込みの最後に作られるため、書き込み中や失敗した書き込みでは false です。
func (s *LocalStore) Committed(key string) (bool, error) {
	dir, err := s.objectDir(key)
	if err != nil {
		return false, err
	}
	if _, err := loadManifest(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Path はオブジェクトのファイルパスを返します。ファイルパスを受け取るライブラリ向けです。
func (s *LocalStore) Path(key string) (string, error) {
	dir, err := s.objectDir(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, objectFilename), nil
}

// Location はトリガーに載せる保存先の表現です。
func (s *LocalStore) Location(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(s.baseDir, key, objectFilename))
}

// matchesType は判定した MIME かその親が contentType なら true を返します。
// APNG を image/png として受け付けるためです。
func matchesType(detected *mimetype.MIME, contentType string) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(contentType) {
			return true
		}
	}
	return false
}

func (s *LocalStore) objectDir(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.baseDir, key), nil
}
