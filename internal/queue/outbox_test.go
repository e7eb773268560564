package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/inkwell-app/inkwell/internal/remote"
	"github.com/inkwell-app/inkwell/internal/store"
)

func newTestOutbox(t *testing.T) (*Outbox, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	o, err := Open(s.RawDB(), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return o, s
}

func chapterRow(id, project, title string) remote.Row {
	return remote.Row{
		ID:        id,
		ProjectID: project,
		Title:     title,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestEnqueue_Pending(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()

	if err := o.Enqueue(ctx, KindUpsert, TableChapters, "c1", "p1", chapterRow("c1", "p1", "One")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := o.Enqueue(ctx, KindDelete, TableChapters, "c2", "p1", nil); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	n, err := o.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Pending() = %d, want 2", n)
	}
}

func TestEnqueue_RejectsUnknownKind(t *testing.T) {
	o, _ := newTestOutbox(t)
	if err := o.Enqueue(context.Background(), Kind("truncate"), TableChapters, "c1", "p1", nil); err == nil {
		t.Error("Enqueue() accepted unknown kind")
	}
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.db")
	ctx := context.Background()

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	o, err := Open(s.RawDB(), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := o.Enqueue(ctx, KindUpsert, TableChapters, "c1", "p1", chapterRow("c1", "p1", "One")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// A crash between enqueue and delivery must not lose the operation.
	s2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	o2, err := Open(s2.RawDB(), nil)
	if err != nil {
		t.Fatalf("Open() after reopen failed: %v", err)
	}

	n, err := o2.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Pending() after reopen = %d, want 1", n)
	}
}

func TestFlush_DeliversInOrder(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()
	backend := remote.NewFake()

	if err := o.Enqueue(ctx, KindUpsert, TableChapters, "c1", "p1", chapterRow("c1", "p1", "First write")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := o.Enqueue(ctx, KindUpsert, TableChapters, "c1", "p1", chapterRow("c1", "p1", "Second write")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	delivered, err := o.Flush(ctx, backend)
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}

	row, ok := backend.Row("p1", "c1")
	if !ok {
		t.Fatal("row not delivered")
	}
	if row.Title != "Second write" {
		t.Errorf("Title = %q, want the later write to win", row.Title)
	}

	n, _ := o.Pending(ctx)
	if n != 0 {
		t.Errorf("Pending() after flush = %d, want 0", n)
	}
}

func TestFlush_StopsAtFirstFailure(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()

	if err := o.Enqueue(ctx, KindUpsert, TableChapters, "c1", "p1", chapterRow("c1", "p1", "One")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := o.Enqueue(ctx, KindUpsert, TableChapters, "c2", "p1", chapterRow("c2", "p1", "Two")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	backend := remote.NewFake()
	backend.Err = errors.New("backend unreachable")

	delivered, err := o.Flush(ctx, backend)
	if err == nil {
		t.Fatal("Flush() succeeded against a dead backend")
	}
	if delivered != 0 {
		t.Errorf("delivered = %d, want 0", delivered)
	}

	// Both ops stay queued, in order, for the next flush.
	n, _ := o.Pending(ctx)
	if n != 2 {
		t.Errorf("Pending() = %d, want 2", n)
	}

	backend.Err = nil
	delivered, err = o.Flush(ctx, backend)
	if err != nil {
		t.Fatalf("second Flush() failed: %v", err)
	}
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
}

func TestFlush_Delete(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()

	backend := remote.NewFake()
	backend.Seed(chapterRow("c1", "p1", "Doomed"))

	if err := o.Enqueue(ctx, KindDelete, TableChapters, "c1", "p1", nil); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := o.Flush(ctx, backend); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	if _, ok := backend.Row("p1", "c1"); ok {
		t.Error("row still present after delete delivery")
	}
}

func TestFlush_DropsUnknownTable(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()

	if err := o.Enqueue(ctx, KindUpsert, "projects", "p1", "p1", map[string]string{"id": "p1"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	delivered, err := o.Flush(ctx, remote.NewFake())
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 (dropped op still dequeues)", delivered)
	}
}
