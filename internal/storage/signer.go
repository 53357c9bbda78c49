package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature は署名が一致しないアップロード URL です。
	ErrInvalidSignature = errors.New("invalid upload signature")
	// ErrURLExpired は有効期限切れのアップロード URL です。
	ErrURLExpired = errors.New("upload url expired")
)

// Grant は署名付き URL が許可する書き込み内容です。
type Grant struct {
	DocumentID  string
	ContentType string
	ExpiresAt   time.Time
}

// Signer は PUT 用の署名付き URL を発行・検証します。
type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner は Signer を作成します。baseURL は外部から到達できる API のルートです。
func NewSigner(secret []byte, baseURL string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SignUpload は documentId への1回分の書き込みを許可する URL を返します。
func (s *Signer) SignUpload(documentID, contentType string) (string, time.Time) {
	expires := s.now().Add(s.ttl).UTC().Truncate(time.Second)
	q := url.Values{}
	q.Set("contentType", contentType)
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("signature", s.sign(documentID, contentType, expires.Unix()))
	return fmt.Sprintf("%s/objects/%s?%s", s.baseURL, url.PathEscape(documentID), q.Encode()), expires
}

// Verify はクエリパラメータの署名と有効期限を検証します。
func (s *Signer) Verify(documentID string, query url.Values) (*Grant, error) {
	contentType := query.Get("contentType")
	expiresRaw := query.Get("expires")
	signature := query.Get("signature")
	if contentType == "" || expiresRaw == "" || signature == "" {
		return nil, ErrInvalidSignature
	}
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	expected := s.sign(documentID, contentType, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrInvalidSignature
	}
	expiresAt := time.Unix(expires, 0).UTC()
	if s.now().After(expiresAt) {
		return nil, ErrURLExpired
	}
	return &Grant{
		DocumentID:  documentID,
		ContentType: contentType,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *Signer) sign(documentID, contentType string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(documentID))
	mac.Write([]byte{0})
	mac.Write([]byte(contentType))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
