// Package service is the editor-facing surface over the chapter store,
// cache and sync engine.
//
// All collaborators are explicit fields on the service. Nothing here
// reads process-global state, so two services over two databases can
// coexist in one process, which is exactly what the multi-device tests do.
package service

import (
	"context"
	"errors"
	"log"
	"os"
	"regexp"
	gosync "sync"

	"github.com/inkwell-app/inkwell/internal/cache"
	"github.com/inkwell-app/inkwell/internal/chapter"
	"github.com/inkwell-app/inkwell/internal/store"
	"github.com/inkwell-app/inkwell/internal/sync"
)

// Config holds the service's collaborators. Store is required; Cache and
// Engine may be nil for cache-less or local-only runs.
type Config struct {
	Store  *store.Store
	Cache  *cache.Cache
	Engine *sync.Engine
	Logger *log.Logger
}

// Chapters is the chapter service.
type Chapters struct {
	store  *store.Store
	cache  *cache.Cache
	engine *sync.Engine
	logger *log.Logger

	detached gosync.WaitGroup
}

// New creates a chapter service. If config.Logger is nil, a default logger
// writing to stderr is used.
func New(config Config) *Chapters {
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[chapters] ", log.LstdFlags)
	}
	return &Chapters{
		store:  config.Store,
		cache:  config.Cache,
		engine: config.Engine,
		logger: logger,
	}
}

// List returns the project's chapter metadata, cache-first.
//
// A database whose chapter tables are missing (an install wiped mid-migration)
// degrades to an empty list with a warning instead of an error, so the editor
// still opens.
func (c *Chapters) List(ctx context.Context, projectID string) ([]chapter.Meta, error) {
	key := cache.ListKey(projectID)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key).([]chapter.Meta); ok {
			return cached, nil
		}
	}

	metas, err := c.store.List(ctx, projectID)
	var schemaErr *store.SchemaError
	if errors.As(err, &schemaErr) {
		c.logger.Printf("Warning: chapter schema degraded (%v), listing no chapters", schemaErr)
		return []chapter.Meta{}, nil
	}
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Set(key, metas)
	}
	return metas, nil
}

// Get returns the full chapter, cache-first.
func (c *Chapters) Get(ctx context.Context, id string) (*chapter.Full, error) {
	key := cache.DocKey(id)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key).(*chapter.Full); ok {
			return cached, nil
		}
	}

	full, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Set(key, full)
		meta := full.Meta
		c.cache.Set(cache.MetaKey(id), &meta)
	}
	return full, nil
}

// ProjectWordCount sums word counts across the project. Degrades to zero
// with a warning when the schema is missing.
func (c *Chapters) ProjectWordCount(ctx context.Context, projectID string) (int, error) {
	total, err := c.store.ProjectWordCount(ctx, projectID)
	var schemaErr *store.SchemaError
	if errors.As(err, &schemaErr) {
		c.logger.Printf("Warning: chapter schema degraded (%v), reporting zero words", schemaErr)
		return 0, nil
	}
	return total, err
}

// Create inserts a chapter and invalidates the project's list.
func (c *Chapters) Create(ctx context.Context, in store.CreateInput) (*chapter.Meta, error) {
	meta, err := c.store.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	c.invalidateChapter(meta.ProjectID, meta.ID)
	return meta, nil
}

// UpdateMeta applies a partial metadata update.
func (c *Chapters) UpdateMeta(ctx context.Context, id string, in store.UpdateMetaInput) (*chapter.Meta, error) {
	meta, err := c.store.UpdateMeta(ctx, id, in)
	if err != nil {
		return nil, err
	}
	c.invalidateChapter(meta.ProjectID, id)
	return meta, nil
}

// UpdateWordCount records editor-computed word and scene counts.
func (c *Chapters) UpdateWordCount(ctx context.Context, id string, words, scenes int) error {
	if err := c.store.UpdateWordCount(ctx, id, words, scenes); err != nil {
		return err
	}
	c.invalidateFor(ctx, id)
	return nil
}

// SaveDoc persists chapter content, then records the save for outbound
// delivery. The sync handoff is best-effort and never fails the save.
func (c *Chapters) SaveDoc(ctx context.Context, id, content string, scenes []chapter.Scene) (*chapter.Meta, error) {
	meta, err := c.store.SaveDoc(ctx, id, content, scenes)
	if err != nil {
		return nil, err
	}
	c.invalidateChapter(meta.ProjectID, id)
	if c.engine != nil {
		c.engine.RecordLocalSave(meta, content)
	}
	return meta, nil
}

// Split divides a chapter at a byte offset into two consecutive chapters.
func (c *Chapters) Split(ctx context.Context, id string, offset int, newTitle string) (*chapter.Meta, error) {
	meta, err := c.store.Split(ctx, id, offset, newTitle)
	if err != nil {
		return nil, err
	}
	c.invalidateProject(meta.ProjectID)
	return meta, nil
}

// MergeWithNext folds the following chapter into this one.
func (c *Chapters) MergeWithNext(ctx context.Context, id string) (*chapter.Meta, error) {
	meta, err := c.store.MergeWithNext(ctx, id)
	if err != nil {
		return nil, err
	}
	c.invalidateProject(meta.ProjectID)
	return meta, nil
}

// Reorder rewrites the project's chapter ordering.
func (c *Chapters) Reorder(ctx context.Context, projectID string, orderedIDs []string) error {
	if err := c.store.Reorder(ctx, projectID, orderedIDs); err != nil {
		return err
	}
	c.invalidateProject(projectID)
	return nil
}

// Remove deletes a chapter. Idempotent, like the store. The deletion is
// also recorded for remote delivery, with the same best-effort contract as
// a save: the backend keeping the row would resurrect the chapter on the
// next pull.
func (c *Chapters) Remove(ctx context.Context, id string) error {
	meta, err := c.store.Get(ctx, id)
	if err := c.store.Remove(ctx, id); err != nil {
		return err
	}
	if err == nil {
		c.invalidateChapter(meta.ProjectID, id)
		if c.engine != nil {
			c.engine.RecordLocalDelete(meta.ProjectID, id)
		}
	} else {
		c.invalidate(cache.MetaKey(id), cache.DocKey(id))
	}
	return nil
}

// ImportFromDocument splits a manuscript at headings and appends the
// sections as chapters.
func (c *Chapters) ImportFromDocument(ctx context.Context, projectID, content string, pattern *regexp.Regexp) ([]chapter.Meta, error) {
	metas, err := c.store.ImportFromDocument(ctx, projectID, content, pattern)
	if err != nil {
		return nil, err
	}
	c.invalidateProject(projectID)
	return metas, nil
}

// Wait blocks until detached invalidations finish. Used by tests and
// graceful shutdown.
func (c *Chapters) Wait() {
	c.detached.Wait()
	if c.engine != nil {
		c.engine.Wait()
	}
}

// invalidateFor looks up the chapter's project so the list key can be
// dropped too. A lookup failure falls back to the id-scoped keys.
func (c *Chapters) invalidateFor(ctx context.Context, id string) {
	if meta, err := c.store.Get(ctx, id); err == nil {
		c.invalidateChapter(meta.ProjectID, id)
		return
	}
	c.invalidate(cache.MetaKey(id), cache.DocKey(id))
}

func (c *Chapters) invalidateChapter(projectID, id string) {
	c.invalidate(cache.ListKey(projectID), cache.MetaKey(id), cache.DocKey(id))
}

func (c *Chapters) invalidateProject(projectID string) {
	if c.cache == nil {
		return
	}
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		c.cache.InvalidateProject(projectID)
	}()
}

// invalidate drops keys in a detached task. Invalidation failures cost a
// stale read until the TTL lapses, never a failed mutation.
func (c *Chapters) invalidate(keys ...string) {
	if c.cache == nil {
		return
	}
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		c.cache.Invalidate(keys...)
	}()
}
