package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

var pdfData = []byte("%PDF-1.4\n% dummy pdf content\n")

func TestSignerRoundTrip(t *testing.T) {
	signer := NewSigner([]byte("secret"), "http://localhost:8080/", time.Hour)
	raw, expires := signer.SignUpload("doc-1", "application/pdf")
	if !strings.HasPrefix(raw, "http://localhost:8080/objects/doc-1?") {
		t.Fatalf("unexpected url: %s", raw)
	}
	if expires.Before(time.Now()) {
		t.Fatalf("expires in the past: %v", expires)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	grant, err := signer.Verify("doc-1", u.Query())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if grant.ContentType != "application/pdf" {
		t.Fatalf("contentType = %s", grant.ContentType)
	}

	if _, err := signer.Verify("doc-2", u.Query()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for other id, got %v", err)
	}
	q := u.Query()
	q.Set("contentType", "image/png")
	if _, err := signer.Verify("doc-1", q); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered type, got %v", err)
	}
	if _, err := signer.Verify("doc-1", url.Values{}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for empty query, got %v", err)
	}
}

func TestSignerExpiry(t *testing.T) {
	signer := NewSigner([]byte("secret"), "http://api", time.Minute)
	raw, _ := signer.SignUpload("doc-1", "image/png")
	u, _ := url.Parse(raw)
	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := signer.Verify("doc-1", u.Query()); !errors.Is(err, ErrURLExpired) {
		t.Fatalf("expected ErrURLExpired, got %v", err)
	}
}

func TestLocalStorePutAndOpen(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	manifest, err := s.Put(context.Background(), "doc-1", "invoice.pdf", "application/pdf", bytes.NewReader(pdfData), 1024)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if manifest.Size != int64(len(pdfData)) || manifest.SHA256 == "" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}

	file, got, err := s.Open("doc-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Close()
	data, _ := io.ReadAll(file)
	if !bytes.Equal(data, pdfData) {
		t.Fatalf("stored bytes differ: %q", data)
	}
	if got.FileName != "invoice.pdf" || got.ContentType != "application/pdf" {
		t.Fatalf("unexpected manifest: %+v", got)
	}
}

func TestLocalStoreSingleWrite(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	if _, err := s.Put(ctx, "doc-1", "a.pdf", "application/pdf", bytes.NewReader(pdfData), 0); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err := s.Put(ctx, "doc-1", "a.pdf", "application/pdf", bytes.NewReader(pdfData), 0)
	if !errors.Is(err, ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}
}

func TestLocalStoreRejectsMismatchAndAllowsRetry(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	_, err := s.Put(ctx, "doc-1", "a.png", "image/png", bytes.NewReader(pdfData), 0)
	if !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("expected ErrContentMismatch, got %v", err)
	}
	if _, _, err := s.Open("doc-1"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("failed write left an object behind: %v", err)
	}
	if _, err := s.Put(ctx, "doc-1", "a.pdf", "application/pdf", bytes.NewReader(pdfData), 0); err != nil {
		t.Fatalf("retry after failed write: %v", err)
	}
}

func TestLocalStoreSizeLimit(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	big := append(append([]byte{}, pdfData...), bytes.Repeat([]byte("x"), 5000)...)
	_, err := s.Put(context.Background(), "doc-1", "a.pdf", "application/pdf", bytes.NewReader(big), 4096)
	if !errors.Is(err, ErrObjectTooLarge) {
		t.Fatalf("expected ErrObjectTooLarge, got %v", err)
	}
}

func TestLocalStoreEmptyAndInvalidKey(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	if _, err := s.Put(ctx, "doc-1", "a.pdf", "application/pdf", bytes.NewReader(nil), 0); !errors.Is(err, ErrEmptyObject) {
		t.Fatalf("expected ErrEmptyObject, got %v", err)
	}
	if _, err := s.Put(ctx, "../escape", "a.pdf", "application/pdf", bytes.NewReader(pdfData), 0); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

// waitForFile は path が作られるまで待ちます。
func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s was not created", path)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLocalStoreCommittedOnlyAfterWriteFinishes(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := s.Put(context.Background(), "doc-1", "a.pdf", "application/pdf", pr, 0)
		done <- err
	}()

	if _, err := pw.Write(pdfData[:4]); err != nil {
		t.Fatal(err)
	}
	path, _ := s.Path("doc-1")
	waitForFile(t, path)

	if ok, err := s.Committed("doc-1"); err != nil || ok {
		t.Fatalf("Committed during write = %v, %v", ok, err)
	}
	if _, err := s.Put(context.Background(), "doc-1", "a.pdf", "application/pdf", bytes.NewReader(pdfData), 0); !errors.Is(err, ErrObjectExists) {
		t.Fatalf("concurrent Put err = %v", err)
	}

	if _, err := pw.Write(pdfData[4:]); err != nil {
		t.Fatal(err)
	}
	_ = pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := s.Committed("doc-1"); err != nil || !ok {
		t.Fatalf("Committed after write = %v, %v", ok, err)
	}
	if ok, _ := s.Committed("doc-2"); ok {
		t.Fatal("unknown key reported as committed")
	}
}

func TestLocalStoreAcceptsAnimatedPNGAsPNG(t *testing.T) {
	apng := []byte("\x89PNG\r\n\x1a\n")
	apng = append(apng, 0, 0, 0, 13)
	apng = append(apng, "IHDR"...)
	apng = append(apng, make([]byte, 13+4)...)
	apng = append(apng, 0, 0, 0, 8)
	apng = append(apng, "acTL"...)
	apng = append(apng, make([]byte, 8+4)...)

	s := NewLocalStore(t.TempDir())
	m, err := s.Put(context.Background(), "doc-1", "anim.png", "image/png", bytes.NewReader(apng), 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.Contains(m.DetectedType, "apng") {
		t.Fatalf("detected = %s", m.DetectedType)
	}
}
