package status

import (
	"context"
	"errors"
	"testing"

	"github.com/yourusername/docflow/internal/jobs"
)

func TestGet(t *testing.T) {
	store := jobs.NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &jobs.Job{DocumentID: "doc-1", FileName: "invoice.pdf"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	svc := NewService(store)

	job, err := svc.Get(ctx, " doc-1 ")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobs.StatusUploaded || job.FileName != "invoice.pdf" {
		t.Fatalf("unexpected job: %+v", job)
	}

	if _, err := svc.Get(ctx, "doc-missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, ""); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestGetReturnsIndependentSnapshot(t *testing.T) {
	store := jobs.NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &jobs.Job{DocumentID: "doc-1", FileName: "a.png"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	svc := NewService(store)

	first, _ := svc.Get(ctx, "doc-1")
	first.Status = jobs.StatusComplete
	second, _ := svc.Get(ctx, "doc-1")
	if second.Status != jobs.StatusUploaded {
		t.Fatalf("snapshot mutation leaked into the store: %s", second.Status)
	}
}
