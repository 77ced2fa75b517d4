package audit

import (
	"context"
	"testing"
	"time"
)

func TestAppend_FillsIDAndTimestamp(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	svc.clock = func() time.Time { return time.Unix(1700000000, 0) }

	if err := svc.LogSignatureRejected(context.Background(), "payline", "203.0.113.7", ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	events := repo.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.ID == "" {
		t.Fatalf("expected generated id")
	}
	if e.Type != EventTypeSignatureRejected {
		t.Fatalf("unexpected type %q", e.Type)
	}
	if e.Provider != "payline" || e.IPAddress != "203.0.113.7" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if !e.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("unexpected created_at: %v", e.CreatedAt)
	}
}

func TestAppend_RejectsMissingType(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	if err := svc.Append(context.Background(), Event{}); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestClientIPContext(t *testing.T) {
	ctx := WithClientIP(context.Background(), "198.51.100.4")
	if got := ClientIPFromContext(ctx); got != "198.51.100.4" {
		t.Fatalf("unexpected ip %q", got)
	}
	if got := ClientIPFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty ip, got %q", got)
	}
}
