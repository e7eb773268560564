// Package sync reconciles the local chapter store with the remote backend.
//
// Reconciliation is last-write-wins by the metadata's UpdatedAt timestamp;
// there is no field-level merge. A single writer typically edits a chapter
// from one active device at a time, so timestamp precedence loses nothing
// in practice and keeps the engine availability-first.
//
// Projects become syncable only when their identifier is a well-formed
// UUID. Legacy and demo projects created under older, locally-scoped
// naming schemes are permanently local-only: every engine operation on
// them is a silent no-op, logged at debug level, never an error.
package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-app/inkwell/internal/cache"
	"github.com/inkwell-app/inkwell/internal/chapter"
	"github.com/inkwell-app/inkwell/internal/queue"
	"github.com/inkwell-app/inkwell/internal/remote"
	"github.com/inkwell-app/inkwell/internal/store"
)

// enqueueTimeout bounds the detached save-to-outbox handoff.
const enqueueTimeout = 30 * time.Second

// Engine performs bidirectional reconciliation and feeds the outbound
// operation queue.
type Engine struct {
	store  *store.Store
	client remote.Client
	outbox *queue.Outbox
	cache  *cache.Cache
	logger *log.Logger

	// projLocks serializes push/pull per project so the compare-and-write
	// halves of one device cannot interleave. Cross-device races remain
	// last-write-wins, which the backend already tolerates.
	mu        gosync.Mutex
	projLocks map[string]*gosync.Mutex

	// ready holds per-project latches closed once the project's remote row
	// is known to exist, so an enqueued chapter never references a parent
	// the backend has not seen.
	readyMu gosync.Mutex
	ready   map[string]*projectInit

	// channels counts currently joined live channels.
	channels atomic.Int32

	// detached tracks supervised background tasks for Wait.
	detached gosync.WaitGroup
}

// New creates a sync engine. The outbox may be nil, in which case local
// mutations are not recorded for outbound delivery. The cache may be nil;
// when present, every remote change the engine writes to the store also
// evicts the chapter's list, meta and doc entries, so a read after the
// onChange callback never serves the pre-event copy.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, client remote.Client, outbox *queue.Outbox, invalidations *cache.Cache, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:     st,
		client:    client,
		outbox:    outbox,
		cache:     invalidations,
		logger:    logger,
		projLocks: make(map[string]*gosync.Mutex),
		ready:     make(map[string]*projectInit),
	}
}

// Syncable reports whether a project identifier passes the validity gate.
func Syncable(projectID string) bool {
	_, err := uuid.Parse(projectID)
	return err == nil
}

// PushLocalChanges upserts every local chapter whose UpdatedAt is strictly
// newer than the remote copy's. An absent remote row compares as the epoch,
// so never-pushed chapters always go out. Remote failures are returned so a
// manual "sync now" can show them.
func (e *Engine) PushLocalChanges(ctx context.Context, projectID string) error {
	if !Syncable(projectID) {
		e.logger.Printf("DEBUG: project %s is local-only, skipping push", projectID)
		return nil
	}
	unlock := e.lockProject(projectID)
	defer unlock()

	if err := e.ensureProjectReady(ctx, projectID); err != nil {
		return err
	}

	locals, err := e.store.List(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list local chapters: %w", err)
	}

	remoteTimes, err := e.remoteUpdatedTimes(ctx, projectID)
	if err != nil {
		return err
	}

	for i := range locals {
		meta := &locals[i]
		if !meta.UpdatedAt.After(remoteTimes[meta.ID]) {
			continue
		}

		full, err := e.store.Get(ctx, meta.ID)
		if err != nil {
			return fmt.Errorf("failed to load chapter %s for push: %w", meta.ID, err)
		}
		if err := e.client.UpsertChapter(ctx, rowFromLocal(&full.Meta, full.Content)); err != nil {
			return fmt.Errorf("failed to push chapter %s: %w", meta.ID, err)
		}
		if err := e.store.MarkPushed(ctx, meta.ID); err != nil {
			e.logger.Printf("Warning: failed to record push of %s: %v", meta.ID, err)
		}
	}
	return nil
}

// PullRemoteChanges applies every remote chapter whose updated timestamp is
// strictly newer than the local copy's, through the same upsert path create
// uses, and returns the applied metadata.
func (e *Engine) PullRemoteChanges(ctx context.Context, projectID string) ([]chapter.Meta, error) {
	if !Syncable(projectID) {
		e.logger.Printf("DEBUG: project %s is local-only, skipping pull", projectID)
		return nil, nil
	}
	unlock := e.lockProject(projectID)
	defer unlock()

	rows, err := e.client.ListChapters(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote chapters: %w", err)
	}

	locals, err := e.store.List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list local chapters: %w", err)
	}
	localTimes := make(map[string]time.Time, len(locals))
	for _, m := range locals {
		localTimes[m.ID] = m.UpdatedAt
	}

	var applied []chapter.Meta
	for _, row := range rows {
		if !row.UpdatedAt.After(localTimes[row.ID]) {
			continue
		}
		meta, err := e.applyRemoteRow(ctx, row)
		if err != nil {
			e.invalidateApplied(projectID, applied)
			return applied, fmt.Errorf("failed to apply remote chapter %s: %w", row.ID, err)
		}
		applied = append(applied, *meta)
	}
	e.invalidateApplied(projectID, applied)
	return applied, nil
}

// SyncChapters drains the outbound queue, pushes, then pulls, in that
// order. Queued deletes must reach the backend before the pull compares
// timestamps, otherwise the still-present remote row would resurrect a
// chapter deleted locally.
func (e *Engine) SyncChapters(ctx context.Context, projectID string) error {
	if e.outbox != nil && Syncable(projectID) {
		if delivered, err := e.outbox.Flush(ctx, e.client); err != nil {
			return fmt.Errorf("outbox flush stopped after %d ops: %w", delivered, err)
		}
	}
	if err := e.PushLocalChanges(ctx, projectID); err != nil {
		return err
	}
	if _, err := e.PullRemoteChanges(ctx, projectID); err != nil {
		return err
	}
	return nil
}

// SubscribeToChapterChanges opens a live channel scoped to the project and
// applies its events to the local store: inserts and updates upsert the
// local record from the remote payload (by the payload's own timestamp, not
// arrival order), deletes remove it. After an event changes local state,
// onChange fires with the affected id so a list view can refresh.
//
// For projects that fail the identifier gate a no-op unsubscribe is
// returned immediately, without opening a channel.
func (e *Engine) SubscribeToChapterChanges(ctx context.Context, projectID string, onChange func(id string)) (func(), error) {
	if !Syncable(projectID) {
		e.logger.Printf("DEBUG: project %s is local-only, skipping subscription", projectID)
		return func() {}, nil
	}

	stop, err := e.client.Subscribe(ctx, projectID, func(ev remote.Event) {
		if id, changed := e.applyEvent(ctx, ev); changed && onChange != nil {
			onChange(id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to project %s: %w", projectID, err)
	}

	e.channels.Add(1)
	var once gosync.Once
	return func() {
		once.Do(func() {
			stop()
			e.channels.Add(-1)
		})
	}, nil
}

// IsRealtimeConnected reports whether any live channel is currently joined.
func (e *Engine) IsRealtimeConnected() bool {
	return e.channels.Load() > 0
}

// RecordLocalSave hands a successful local content save to the outbound
// queue. Best-effort by design: the handoff runs detached, waits for the
// parent project's remote initialization, and logs and swallows every
// failure. It never blocks or fails the save that triggered it.
func (e *Engine) RecordLocalSave(meta *chapter.Meta, content string) {
	if e.outbox == nil {
		return
	}
	if !Syncable(meta.ProjectID) {
		e.logger.Printf("DEBUG: project %s is local-only, skipping outbound record", meta.ProjectID)
		return
	}

	row := rowFromLocal(meta, content)
	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		if err := e.ensureProjectReady(ctx, row.ProjectID); err != nil {
			e.logger.Printf("Warning: skipping outbound record for %s: %v", row.ID, err)
			return
		}
		if err := e.outbox.Enqueue(ctx, queue.KindUpsert, queue.TableChapters, row.ID, row.ProjectID, row); err != nil {
			e.logger.Printf("Warning: failed to enqueue save of %s: %v", row.ID, err)
		}
	}()
}

// RecordLocalDelete hands a local chapter deletion to the outbound queue,
// with the same best-effort contract as RecordLocalSave. Without it the
// backend would keep the row and the next pull would resurrect the chapter.
func (e *Engine) RecordLocalDelete(projectID, id string) {
	if e.outbox == nil {
		return
	}
	if !Syncable(projectID) {
		e.logger.Printf("DEBUG: project %s is local-only, skipping outbound delete", projectID)
		return
	}

	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		if err := e.ensureProjectReady(ctx, projectID); err != nil {
			e.logger.Printf("Warning: skipping outbound delete for %s: %v", id, err)
			return
		}
		if err := e.outbox.Enqueue(ctx, queue.KindDelete, queue.TableChapters, id, projectID, nil); err != nil {
			e.logger.Printf("Warning: failed to enqueue delete of %s: %v", id, err)
		}
	}()
}

// Wait blocks until detached background tasks finish. Used by tests and
// graceful shutdown.
func (e *Engine) Wait() {
	e.detached.Wait()
}

// ---- internals ----

func (e *Engine) lockProject(projectID string) func() {
	e.mu.Lock()
	l, ok := e.projLocks[projectID]
	if !ok {
		l = &gosync.Mutex{}
		e.projLocks[projectID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// projectInit is a one-shot latch for a project's remote initialization.
// done is closed with err recorded; a failed init is removed from the map
// so the next caller retries.
type projectInit struct {
	done chan struct{}
	err  error
}

// ensureProjectReady makes sure the project row exists remotely, once per
// process. Concurrent callers share one latch; only the first does the
// round-trip, and a failure releases the waiters instead of leaving them
// blocked on their deadlines.
func (e *Engine) ensureProjectReady(ctx context.Context, projectID string) error {
	e.readyMu.Lock()
	init, ok := e.ready[projectID]
	if !ok {
		init = &projectInit{done: make(chan struct{})}
		e.ready[projectID] = init
	}
	e.readyMu.Unlock()

	if ok {
		select {
		case <-init.done:
			return init.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	init.err = e.client.EnsureProject(ctx, projectID)
	if init.err != nil {
		init.err = fmt.Errorf("failed to initialize project %s remotely: %w", projectID, init.err)
		e.readyMu.Lock()
		delete(e.ready, projectID)
		e.readyMu.Unlock()
	}
	close(init.done)
	return init.err
}

func (e *Engine) remoteUpdatedTimes(ctx context.Context, projectID string) (map[string]time.Time, error) {
	rows, err := e.client.ListChapters(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote chapters: %w", err)
	}
	times := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		times[row.ID] = row.UpdatedAt
	}
	return times, nil
}

// applyEvent applies one live event and reports the affected id and
// whether local state changed. Never panics: a live view dropping an event
// is staleness, not corruption.
func (e *Engine) applyEvent(ctx context.Context, ev remote.Event) (string, bool) {
	switch ev.Type {
	case remote.EventDelete:
		if ev.Old == nil {
			return "", false
		}
		if err := e.store.Remove(ctx, ev.Old.ID); err != nil {
			e.logger.Printf("Warning: failed to apply remote delete of %s: %v", ev.Old.ID, err)
			return "", false
		}
		e.invalidateChapter(ev.Old.ProjectID, ev.Old.ID)
		return ev.Old.ID, true

	case remote.EventInsert, remote.EventUpdate:
		if ev.New == nil {
			return "", false
		}
		row := *ev.New

		// The payload's own timestamp decides, not receipt order.
		local, err := e.store.Get(ctx, row.ID)
		if err == nil && !row.UpdatedAt.After(local.UpdatedAt) {
			return row.ID, false
		}

		if _, err := e.applyRemoteRow(ctx, row); err != nil {
			e.logger.Printf("Warning: failed to apply remote %s of %s: %v", ev.Type, row.ID, err)
			return "", false
		}
		e.invalidateChapter(row.ProjectID, row.ID)
		return row.ID, true

	default:
		e.logger.Printf("Warning: dropping live event with unknown type %q", ev.Type)
		return "", false
	}
}

// invalidateChapter evicts one chapter's cache entries plus the project's
// list. Eviction goes through the cache's own Invalidate so the signal
// also reaches other peers on the bus.
func (e *Engine) invalidateChapter(projectID, id string) {
	if e.cache == nil {
		return
	}
	e.cache.Invalidate(cache.ListKey(projectID), cache.MetaKey(id), cache.DocKey(id))
}

func (e *Engine) invalidateApplied(projectID string, applied []chapter.Meta) {
	if e.cache == nil || len(applied) == 0 {
		return
	}
	keys := []string{cache.ListKey(projectID)}
	for _, m := range applied {
		keys = append(keys, cache.MetaKey(m.ID), cache.DocKey(m.ID))
	}
	e.cache.Invalidate(keys...)
}

// applyRemoteRow writes a remote row through the store's upsert path.
func (e *Engine) applyRemoteRow(ctx context.Context, row remote.Row) (*chapter.Meta, error) {
	status := chapter.Status(row.Status)
	if !status.Valid() {
		// Malformed remote rows degrade to draft instead of failing the pull.
		status = chapter.StatusDraft
	}
	idx := row.SortOrder
	words := row.WordCount
	return e.store.Create(ctx, store.CreateInput{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		Title:     row.Title,
		Status:    status,
		Index:     &idx,
		Content:   row.Body,
		WordCount: &words,
		ClientRev: row.ClientRev,
		UpdatedAt: row.UpdatedAt,
	})
}

// rowFromLocal shapes a local chapter for the remote chapters table.
func rowFromLocal(meta *chapter.Meta, content string) remote.Row {
	return remote.Row{
		ID:        meta.ID,
		ProjectID: meta.ProjectID,
		Title:     meta.Title,
		Body:      content,
		SortOrder: meta.Index,
		WordCount: meta.WordCount,
		Status:    string(meta.Status),
		ClientRev: meta.ClientRev,
		UpdatedAt: meta.UpdatedAt,
	}
}
