// Package client は docflow API の HTTP クライアントと、結果のポーリングを提供します。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/docflow/internal/jobs"
)

const (
	defaultTimeout    = 30 * time.Second
	errorSnippetLimit = 400
)

// APIError はサーバーが {error, code} で返したエラーです。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("docflow: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("docflow: status %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// UploadRequest は POST /upload の本文です。
type UploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// UploadTicket は POST /upload の応答です。
type UploadTicket struct {
	DocumentID  string    `json:"documentId"`
	UploadURL   string    `json:"uploadUrl"`
	ContentType string    `json:"contentType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Client は docflow API を呼び出します。
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New は Client を作成します。httpClient が nil なら既定のタイムアウトで作ります。
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Upload はジョブを作成し、書き込み用 URL を受け取ります。
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadTicket, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var ticket UploadTicket
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(body), http.StatusCreated, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// PutObject は署名付き URL へ原本を送ります。
func (c *Client) PutObject(ctx context.Context, ticket *UploadTicket, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ticket.UploadURL, r)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", ticket.ContentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// Result はジョブの最新スナップショットを返します。存在しなければ jobs.ErrNotFound です。
func (c *Client) Result(ctx context.Context, documentID string) (*jobs.Job, error) {
	var job jobs.Job
	target := c.baseURL + "/results/" + url.PathEscape(documentID)
	if err := c.doJSON(ctx, http.MethodGet, target, nil, http.StatusOK, &job); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, documentID)
		}
		return nil, err
	}
	return &job, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = truncate(strings.TrimSpace(string(raw)), errorSnippetLimit)
	}
	return apiErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
