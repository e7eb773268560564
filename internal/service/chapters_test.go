package service

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-app/inkwell/internal/cache"
	"github.com/inkwell-app/inkwell/internal/chapter"
	"github.com/inkwell-app/inkwell/internal/queue"
	"github.com/inkwell-app/inkwell/internal/remote"
	"github.com/inkwell-app/inkwell/internal/store"
	"github.com/inkwell-app/inkwell/internal/sync"
)

func newTestService(t *testing.T) (*Chapters, *store.Store, *remote.Fake, *queue.Outbox) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "inkwell.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	outbox, err := queue.Open(st.RawDB(), nil)
	if err != nil {
		t.Fatalf("failed to open outbox: %v", err)
	}

	fake := remote.NewFake()
	logger := log.New(os.Stderr, "[service-test] ", 0)
	shared := cache.New(cache.Config{Logger: logger})
	eng := sync.New(st, fake, outbox, shared, logger)

	svc := New(Config{
		Store:  st,
		Cache:  shared,
		Engine: eng,
		Logger: logger,
	})
	return svc, st, fake, outbox
}

// newSyncedService also hands back the engine, for tests that drive remote
// events and pulls against the service's cache.
func newSyncedService(t *testing.T) (*Chapters, *sync.Engine, *store.Store, *remote.Fake) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "inkwell.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	outbox, err := queue.Open(st.RawDB(), nil)
	if err != nil {
		t.Fatalf("failed to open outbox: %v", err)
	}

	fake := remote.NewFake()
	logger := log.New(os.Stderr, "[service-test] ", 0)
	shared := cache.New(cache.Config{Logger: logger})
	eng := sync.New(st, fake, outbox, shared, logger)

	svc := New(Config{Store: st, Cache: shared, Engine: eng, Logger: logger})
	return svc, eng, st, fake
}

func mustCreate(t *testing.T, svc *Chapters, projectID, title, content string) *chapter.Meta {
	t.Helper()
	meta, err := svc.Create(context.Background(), store.CreateInput{
		ProjectID: projectID,
		Title:     title,
		Content:   content,
	})
	if err != nil {
		t.Fatalf("failed to create chapter %s: %v", title, err)
	}
	return meta
}

func TestListIsCacheFirst(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	mustCreate(t, svc, projectID, "One", "hello world")
	svc.Wait()

	first, err := svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("listed %d chapters, want 1", len(first))
	}

	// Mutate the database behind the service's back. The cached list must
	// still be served until something invalidates it.
	if _, err := st.Create(ctx, store.CreateInput{ProjectID: projectID, Title: "Sneaky"}); err != nil {
		t.Fatalf("direct create failed: %v", err)
	}
	second, err := svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(second) != 1 {
		t.Errorf("expected cached list of 1, got %d", len(second))
	}
}

func TestMutationInvalidatesCachedList(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	mustCreate(t, svc, projectID, "One", "hello")
	svc.Wait()
	if _, err := svc.List(ctx, projectID); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	mustCreate(t, svc, projectID, "Two", "more words")
	svc.Wait()

	metas, err := svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(metas) != 2 {
		t.Errorf("listed %d chapters after create, want 2", len(metas))
	}
}

func TestSaveDocRefreshesCacheAndRecordsSave(t *testing.T) {
	svc, _, fake, outbox := newTestService(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	meta := mustCreate(t, svc, projectID, "One", "first draft")
	if _, err := svc.Get(ctx, meta.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	saved, err := svc.SaveDoc(ctx, meta.ID, "a much longer second draft", nil)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.WordCount != 5 {
		t.Errorf("word count = %d, want 5", saved.WordCount)
	}
	svc.Wait()

	full, err := svc.Get(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get after save failed: %v", err)
	}
	if full.Content != "a much longer second draft" {
		t.Errorf("cached content not refreshed: %q", full.Content)
	}
	if full.Version != 2 {
		t.Errorf("version = %d, want 2", full.Version)
	}

	// The save was handed to the sync engine: project initialized remotely
	// and an upsert op parked in the outbox.
	if fake.Calls["ensure"] != 1 {
		t.Errorf("ensure calls = %d, want 1", fake.Calls["ensure"])
	}
	pending, err := outbox.Pending(ctx)
	if err != nil {
		t.Fatalf("failed to count pending ops: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending ops = %d, want 1", pending)
	}
}

func TestSaveDocSucceedsWhenBackendIsDown(t *testing.T) {
	svc, _, fake, _ := newTestService(t)
	ctx := context.Background()

	meta := mustCreate(t, svc, uuid.NewString(), "One", "draft")
	fake.Err = context.DeadlineExceeded

	if _, err := svc.SaveDoc(ctx, meta.ID, "still saves locally", nil); err != nil {
		t.Fatalf("save must not fail on backend errors: %v", err)
	}
	svc.Wait()

	full, err := svc.Get(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if full.Content != "still saves locally" {
		t.Errorf("content = %q, want the saved draft", full.Content)
	}
}

func TestDegradedSchemaReadsAreCalm(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := st.RawDB().Exec(`DROP TABLE chapter_meta`); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	metas, err := svc.List(ctx, "any-project")
	if err != nil {
		t.Fatalf("degraded list must not error: %v", err)
	}
	if len(metas) != 0 {
		t.Errorf("degraded list returned %d chapters, want 0", len(metas))
	}

	total, err := svc.ProjectWordCount(ctx, "any-project")
	if err != nil {
		t.Fatalf("degraded word count must not error: %v", err)
	}
	if total != 0 {
		t.Errorf("degraded word count = %d, want 0", total)
	}
}

func TestSplitMergeRoundTripThroughService(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	meta := mustCreate(t, svc, projectID, "One", "Hello world")

	tail, err := svc.Split(ctx, meta.ID, 6, "")
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	svc.Wait()

	metas, err := svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("listed %d chapters after split, want 2", len(metas))
	}
	if metas[0].WordCount != 1 || metas[1].WordCount != 1 {
		t.Errorf("word counts = %d/%d, want 1/1", metas[0].WordCount, metas[1].WordCount)
	}
	if tail.Index != 1 {
		t.Errorf("tail index = %d, want 1", tail.Index)
	}

	if _, err := svc.MergeWithNext(ctx, meta.ID); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	svc.Wait()

	full, err := svc.Get(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if full.Content != "Hello world" {
		t.Errorf("merged content = %q, want original", full.Content)
	}
	metas, err = svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(metas) != 1 {
		t.Errorf("listed %d chapters after merge, want 1", len(metas))
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	meta := mustCreate(t, svc, uuid.NewString(), "One", "words")
	for i := 0; i < 2; i++ {
		if err := svc.Remove(ctx, meta.ID); err != nil {
			t.Fatalf("remove %d failed: %v", i, err)
		}
	}
	svc.Wait()
	if _, err := svc.Get(ctx, meta.ID); err == nil {
		t.Error("expected chapter to be gone")
	}
}

func TestImportThroughServiceAppends(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	mustCreate(t, svc, projectID, "Existing", "kept")
	svc.Wait()

	doc := "# First\nalpha beta\n# Second\ngamma\n"
	metas, err := svc.ImportFromDocument(ctx, projectID, doc, nil)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("imported %d chapters, want 2", len(metas))
	}
	svc.Wait()

	all, err := svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("listed %d chapters, want 3", len(all))
	}
	if all[1].Title != "First" || all[2].Title != "Second" {
		t.Errorf("imported titles = %q, %q", all[1].Title, all[2].Title)
	}
}

func TestRemoteDeleteEventEvictsCachedList(t *testing.T) {
	svc, eng, st, fake := newSyncedService(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	meta := mustCreate(t, svc, projectID, "One", "hello world")
	svc.Wait()

	metas, err := svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("listed %d chapters, want 1", len(metas))
	}

	stop, err := eng.SubscribeToChapterChanges(ctx, projectID, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stop()

	fake.Emit(projectID, remote.Event{
		Type: remote.EventDelete,
		Old:  &remote.Row{ID: meta.ID, ProjectID: projectID},
	})

	if _, err := st.Get(ctx, meta.ID); err == nil {
		t.Fatal("expected store row to be gone after delete event")
	}
	metas, err = svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(metas) != 0 {
		t.Errorf("listed %d chapters after remote delete event, want 0", len(metas))
	}
	if _, err := svc.Get(ctx, meta.ID); err == nil {
		t.Error("expected cached doc to be evicted after remote delete event")
	}
}

func TestPullRefreshesCachedList(t *testing.T) {
	svc, eng, _, fake := newSyncedService(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	mustCreate(t, svc, projectID, "One", "hello")
	svc.Wait()
	if _, err := svc.List(ctx, projectID); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	fake.Seed(remote.Row{
		ID: uuid.NewString(), ProjectID: projectID, Title: "Two",
		Body: "from another device", SortOrder: 1,
		UpdatedAt: time.Now().UTC().Add(time.Minute),
	})
	if _, err := eng.PullRemoteChanges(ctx, projectID); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	metas, err := svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(metas) != 2 {
		t.Errorf("listed %d chapters after pull, want 2", len(metas))
	}
}

func TestRemovePropagatesToRemote(t *testing.T) {
	svc, eng, st, fake := newSyncedService(t)
	ctx := context.Background()
	projectID := uuid.NewString()

	meta := mustCreate(t, svc, projectID, "One", "hello world")
	if err := eng.PushLocalChanges(ctx, projectID); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, ok := fake.Row(projectID, meta.ID); !ok {
		t.Fatal("expected remote row after push")
	}

	if err := svc.Remove(ctx, meta.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	svc.Wait()

	// The next sync delivers the queued delete before pulling, so the
	// still-remote row cannot resurrect the chapter.
	if err := eng.SyncChapters(ctx, projectID); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, ok := fake.Row(projectID, meta.ID); ok {
		t.Error("expected remote row to be deleted")
	}
	if _, err := st.Get(ctx, meta.ID); err == nil {
		t.Error("deleted chapter came back on the next sync")
	}
	metas, err := svc.List(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(metas) != 0 {
		t.Errorf("listed %d chapters after delete and sync, want 0", len(metas))
	}
}

func TestUpdateMetaInvalidatesMeta(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	meta := mustCreate(t, svc, uuid.NewString(), "Working Title", "words")
	if _, err := svc.Get(ctx, meta.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	title := "Final Title"
	status := chapter.StatusFinal
	if _, err := svc.UpdateMeta(ctx, meta.ID, store.UpdateMetaInput{Title: &title, Status: &status}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	svc.Wait()

	full, err := svc.Get(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if full.Title != "Final Title" || full.Status != chapter.StatusFinal {
		t.Errorf("stale meta served: %+v", full.Meta)
	}
}
