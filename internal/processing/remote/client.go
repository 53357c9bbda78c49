// Package remote は JSON over HTTP で外部の OCR・分類・要約サービスを呼び出します。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/processing"
)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	headerDocumentID    = "X-Document-Id"
	headerFileName      = "X-File-Name"

	contentTypeJSON        = "application/json"
	contentTypeOctetStream = "application/octet-stream"

	defaultTimeout    = 60 * time.Second
	maxResponseBytes  = 8 << 20
	errorSnippetLimit = 400
)

// Config は remote バックエンドの接続先です。
type Config struct {
	OCREndpoint       string
	ClassifyEndpoint  string
	SummarizeEndpoint string
	APIKey            string
	Timeout           time.Duration
}

// Client は3つの処理能力をそれぞれの HTTP エンドポイントで実装します。
type Client struct {
	httpClient *http.Client
	cfg        Config
}

var (
	_ processing.OCREngine  = (*Client)(nil)
	_ processing.Classifier = (*Client)(nil)
	_ processing.Summarizer = (*Client)(nil)
)

// New は Client を初期化します。
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}, cfg: cfg}
}

// Engines は Client を3つの処理能力として束ねて返します。
func (c *Client) Engines() processing.Engines {
	return processing.Engines{OCR: c, Classifier: c, Summarizer: c}
}

// Extract は原本のバイト列をそのまま OCR エンドポイントへ送ります。
func (c *Client) Extract(ctx context.Context, doc processing.Document) (*jobs.OCRResults, error) {
	if doc.Open == nil {
		return nil, processing.Permanent(errors.New("document is not readable"))
	}
	rc, err := doc.Open()
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	ct := strings.TrimSpace(doc.ContentType)
	if ct == "" {
		ct = contentTypeOctetStream
	}
	headers := map[string]string{
		headerDocumentID: doc.ID,
		headerFileName:   doc.FileName,
	}
	var out jobs.OCRResults
	if err := c.post(ctx, c.cfg.OCREndpoint, ct, data, headers, ocrSchema, &out); err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}
	return &out, nil
}

// Classify はテキストを分類エンドポイントへ送ります。
func (c *Client) Classify(ctx context.Context, text string) (*jobs.Classification, error) {
	body, err := json.Marshal(classifyRequest{Text: text, Categories: processing.Categories})
	if err != nil {
		return nil, processing.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	var out jobs.Classification
	if err := c.post(ctx, c.cfg.ClassifyEndpoint, contentTypeJSON, body, nil, classificationSchema, &out); err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return &out, nil
}

// Summarize はテキストとカテゴリを要約エンドポイントへ送ります。
func (c *Client) Summarize(ctx context.Context, text, category string) (*jobs.Summary, error) {
	body, err := json.Marshal(summarizeRequest{Text: text, Category: category})
	if err != nil {
		return nil, processing.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	var out jobs.Summary
	if err := c.post(ctx, c.cfg.SummarizeEndpoint, contentTypeJSON, body, nil, summarySchema, &out); err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	if out.KeyPoints == nil {
		out.KeyPoints = []string{}
	}
	return &out, nil
}

// post はリクエストを送り、応答をスキーマで検証してから out へ読み込みます。
// 接続失敗・5xx・429・スキーマ不一致は一時的なエラー、それ以外の 4xx は恒久的なエラーです。
func (c *Client) post(ctx context.Context, endpoint, contentType string, body []byte, headers map[string]string, schema *jsonschema.Schema, out any) error {
	if strings.TrimSpace(endpoint) == "" {
		return processing.Permanent(errors.New("endpoint is not configured"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return processing.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set(headerContentType, contentType)
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", processing.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", processing.ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d: %s", processing.ErrUnavailable, resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return processing.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit)))
	}

	var doc any
	if err := json.Unmarshal(respBytes, &doc); err != nil {
		return fmt.Errorf("%w: parse response: %v", processing.ErrMalformedOutput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", processing.ErrMalformedOutput, err)
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", processing.ErrMalformedOutput, err)
	}
	return nil
}

type classifyRequest struct {
	Text       string   `json:"text"`
	Categories []string `json:"categories"`
}

type summarizeRequest struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
