package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkwell-app/inkwell/internal/chapter"
)

// CreateInput holds the fields for Create. Only ProjectID and Title are
// required; everything else has a computed default.
//
// Sync-originated upserts supply their own ID plus explicit timestamps so
// that applying the same remote row twice is harmless and the payload's own
// UpdatedAt, not arrival time, is what lands in the database.
type CreateInput struct {
	ID         string
	ProjectID  string
	Title      string
	Summary    string
	Status     chapter.Status
	Tags       []string
	Index      *int // next free index when nil
	Content    string
	WordCount  *int // recomputed from Content when nil
	SceneCount int
	ClientRev  int
	CreatedAt  time.Time // zero means now
	UpdatedAt  time.Time // zero means now
}

// List returns all metadata for a project sorted by index.
//
// Duplicate ids cannot normally exist (id is the primary key) but
// overlapping sync writes have produced them in the wild, so the scan
// defensively keeps the record with the greatest UpdatedAt per id.
//
// A missing chapter_meta table is returned as *SchemaError.
func (s *Store) List(ctx context.Context, projectID string) ([]chapter.Meta, error) {
	query := `
	SELECT id, project_id, title, summary, status, tags, sort_order,
	       word_count, scene_count, created_at, updated_at, client_rev
	FROM chapter_meta
	WHERE project_id = ?
	ORDER BY sort_order ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, wrapSchemaErr(fmt.Errorf("failed to list chapters: %w", err), "chapter_meta")
	}
	defer rows.Close()

	metas, err := scanMetas(rows)
	if err != nil {
		return nil, err
	}
	return dedupeByID(metas), nil
}

// Get returns the full chapter for the given id.
//
// Returns ErrNotFound if no meta record exists. If the doc record is missing
// an empty doc (content "", version 1) is synthesized rather than failing.
func (s *Store) Get(ctx context.Context, id string) (*chapter.Full, error) {
	meta, err := s.getMeta(ctx, s.conn, id)
	if err != nil {
		return nil, err
	}

	full := &chapter.Full{Meta: *meta, Version: 1}

	var content string
	var version int
	var scenesJSON sql.NullString
	err = s.conn.QueryRowContext(ctx,
		`SELECT content, version, scenes FROM chapter_doc WHERE id = ?`, id).
		Scan(&content, &version, &scenesJSON)
	switch {
	case err == sql.ErrNoRows:
		// Partial write: keep the synthesized empty doc.
	case err != nil:
		return nil, fmt.Errorf("failed to get chapter doc %s: %w", id, err)
	default:
		full.Content = content
		full.Version = version
		if scenesJSON.Valid && scenesJSON.String != "" {
			if err := json.Unmarshal([]byte(scenesJSON.String), &full.Scenes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal scenes for %s: %w", id, err)
			}
		}
	}

	return full, nil
}

// Create inserts a chapter (meta and doc in one transaction).
//
// The index defaults to max(existing indices)+1 and the id to a fresh UUID.
// When the caller supplies an id the write uses upsert semantics, so the
// same chapter arriving twice from sync does not fail on a duplicate key.
func (s *Store) Create(ctx context.Context, in CreateInput) (*chapter.Meta, error) {
	now := time.Now().UTC()

	meta := &chapter.Meta{
		ID:         in.ID,
		ProjectID:  in.ProjectID,
		Title:      in.Title,
		Summary:    in.Summary,
		Status:     in.Status,
		Tags:       in.Tags,
		SceneCount: in.SceneCount,
		ClientRev:  in.ClientRev,
		CreatedAt:  in.CreatedAt,
		UpdatedAt:  in.UpdatedAt,
	}
	meta.SetDefaults()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = now
	}
	if in.WordCount != nil {
		meta.WordCount = *in.WordCount
	} else {
		meta.WordCount = chapter.CountWords(in.Content)
	}

	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	defer tx.Rollback()

	if in.Index != nil {
		meta.Index = *in.Index
	} else {
		next, err := nextIndex(ctx, tx, in.ProjectID)
		if err != nil {
			return nil, err
		}
		meta.Index = next
	}

	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chapter: %w", err)
	}

	if err := upsertMeta(ctx, tx, meta); err != nil {
		return nil, err
	}
	if err := upsertDoc(ctx, tx, meta.ID, in.Content, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit create: %w", err)
	}
	return meta, nil
}

// UpdateMetaInput holds partial metadata updates. Nil fields are untouched.
type UpdateMetaInput struct {
	Title   *string
	Summary *string
	Status  *chapter.Status
	Tags    *[]string
}

// UpdateMeta applies a partial metadata update and bumps UpdatedAt.
func (s *Store) UpdateMeta(ctx context.Context, id string, in UpdateMetaInput) (*chapter.Meta, error) {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	defer tx.Rollback()

	meta, err := s.getMeta(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		meta.Title = *in.Title
	}
	if in.Summary != nil {
		meta.Summary = *in.Summary
	}
	if in.Status != nil {
		meta.Status = *in.Status
	}
	if in.Tags != nil {
		meta.Tags = *in.Tags
	}
	meta.UpdatedAt = time.Now().UTC()

	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chapter update: %w", err)
	}
	if err := upsertMeta(ctx, tx, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit meta update: %w", err)
	}
	return meta, nil
}

// UpdateWordCount stores recomputed word and scene counts and bumps UpdatedAt.
func (s *Store) UpdateWordCount(ctx context.Context, id string, words, scenes int) error {
	s.inflight.Add(1)
	defer s.inflight.Done()

	res, err := s.conn.ExecContext(ctx,
		`UPDATE chapter_meta SET word_count = ?, scene_count = ?, updated_at = ? WHERE id = ?`,
		words, scenes, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update word count for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update word count for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("chapter %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveDoc replaces the chapter content, bumps the doc version by exactly 1,
// recounts words, and bumps the meta UpdatedAt, all in one transaction.
// Returns the updated meta.
func (s *Store) SaveDoc(ctx context.Context, id, content string, scenes []chapter.Scene) (*chapter.Meta, error) {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	defer tx.Rollback()

	meta, err := s.getMeta(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := upsertDoc(ctx, tx, id, content, scenes); err != nil {
		return nil, err
	}

	meta.WordCount = chapter.CountWords(content)
	if scenes != nil {
		meta.SceneCount = len(scenes)
	}
	meta.UpdatedAt = time.Now().UTC()
	if err := upsertMeta(ctx, tx, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit doc save: %w", err)
	}
	return meta, nil
}

// Reorder recomputes the index of every chapter in orderedIDs, in the given
// order. Ids that belong to a different project (or don't exist) are ignored
// rather than erroring, and their positions are not consumed, so the
// surviving indices stay a contiguous permutation of [0, N).
func (s *Store) Reorder(ctx context.Context, projectID string, orderedIDs []string) error {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pos := 0
	for _, id := range orderedIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE chapter_meta SET sort_order = ?, updated_at = ? WHERE id = ? AND project_id = ?`,
			pos, now, id, projectID)
		if err != nil {
			return fmt.Errorf("failed to reorder chapter %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to reorder chapter %s: %w", id, err)
		}
		if n > 0 {
			pos++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reorder: %w", err)
	}
	return nil
}

// Remove deletes both halves of a chapter. No-op if already absent.
func (s *Store) Remove(ctx context.Context, id string) error {
	tx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chapter_meta WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete chapter meta %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chapter_doc WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete chapter doc %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ProjectWordCount returns the summed word count across a project.
// A missing chapter_meta table is returned as *SchemaError.
func (s *Store) ProjectWordCount(ctx context.Context, projectID string) (int, error) {
	var total int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(word_count), 0) FROM chapter_meta WHERE project_id = ?`,
		projectID).Scan(&total)
	if err != nil {
		return 0, wrapSchemaErr(fmt.Errorf("failed to sum word counts: %w", err), "chapter_meta")
	}
	return total, nil
}

// MarkPushed records a successful remote push by bumping client_rev.
// UpdatedAt is deliberately untouched: a push is not an edit.
func (s *Store) MarkPushed(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE chapter_meta SET client_rev = client_rev + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to bump client_rev for %s: %w", id, err)
	}
	return nil
}

// ---- internal helpers ----

// querier abstracts sql.DB and sql.Tx for the shared row helpers.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) getMeta(ctx context.Context, q querier, id string) (*chapter.Meta, error) {
	query := `
	SELECT id, project_id, title, summary, status, tags, sort_order,
	       word_count, scene_count, created_at, updated_at, client_rev
	FROM chapter_meta
	WHERE id = ?
	`
	row := q.QueryRowContext(ctx, query, id)
	meta, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chapter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter %s: %w", id, err)
	}
	return meta, nil
}

func nextIndex(ctx context.Context, q querier, projectID string) (int, error) {
	var next int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_order) + 1, 0) FROM chapter_meta WHERE project_id = ?`,
		projectID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next index: %w", err)
	}
	return next, nil
}

func upsertMeta(ctx context.Context, q querier, meta *chapter.Meta) error {
	tagsJSON, err := json.Marshal(meta.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	INSERT INTO chapter_meta (
		id, project_id, title, summary, status, tags, sort_order,
		word_count, scene_count, created_at, updated_at, client_rev
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		project_id = excluded.project_id,
		title = excluded.title,
		summary = excluded.summary,
		status = excluded.status,
		tags = excluded.tags,
		sort_order = excluded.sort_order,
		word_count = excluded.word_count,
		scene_count = excluded.scene_count,
		updated_at = excluded.updated_at,
		client_rev = excluded.client_rev
	`

	_, err = q.ExecContext(ctx, query,
		meta.ID,
		meta.ProjectID,
		meta.Title,
		meta.Summary,
		string(meta.Status),
		string(tagsJSON),
		meta.Index,
		meta.WordCount,
		meta.SceneCount,
		meta.CreatedAt.UTC().Format(time.RFC3339Nano),
		meta.UpdatedAt.UTC().Format(time.RFC3339Nano),
		meta.ClientRev,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chapter meta %s: %w", meta.ID, err)
	}
	return nil
}

func upsertDoc(ctx context.Context, q querier, id, content string, scenes []chapter.Scene) error {
	var scenesJSON sql.NullString
	if scenes != nil {
		data, err := json.Marshal(scenes)
		if err != nil {
			return fmt.Errorf("failed to marshal scenes: %w", err)
		}
		scenesJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO chapter_doc (id, content, version, scenes)
	VALUES (?, ?, 1, ?)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		version = chapter_doc.version + 1,
		scenes = excluded.scenes
	`

	if _, err := q.ExecContext(ctx, query, id, content, scenesJSON); err != nil {
		return fmt.Errorf("failed to upsert chapter doc %s: %w", id, err)
	}
	return nil
}

func scanMeta(row *sql.Row) (*chapter.Meta, error) {
	var meta chapter.Meta
	var status, tagsJSON, createdAt, updatedAt string

	err := row.Scan(
		&meta.ID,
		&meta.ProjectID,
		&meta.Title,
		&meta.Summary,
		&status,
		&tagsJSON,
		&meta.Index,
		&meta.WordCount,
		&meta.SceneCount,
		&createdAt,
		&updatedAt,
		&meta.ClientRev,
	)
	if err != nil {
		return nil, err
	}
	if err := fillMeta(&meta, status, tagsJSON, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &meta, nil
}

func scanMetas(rows *sql.Rows) ([]chapter.Meta, error) {
	var metas []chapter.Meta
	for rows.Next() {
		var meta chapter.Meta
		var status, tagsJSON, createdAt, updatedAt string

		err := rows.Scan(
			&meta.ID,
			&meta.ProjectID,
			&meta.Title,
			&meta.Summary,
			&status,
			&tagsJSON,
			&meta.Index,
			&meta.WordCount,
			&meta.SceneCount,
			&createdAt,
			&updatedAt,
			&meta.ClientRev,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chapter meta: %w", err)
		}
		if err := fillMeta(&meta, status, tagsJSON, createdAt, updatedAt); err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chapters: %w", err)
	}
	return metas, nil
}

func fillMeta(meta *chapter.Meta, status, tagsJSON, createdAt, updatedAt string) error {
	meta.Status = chapter.Status(status)

	if tagsJSON != "" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &meta.Tags); err != nil {
			return fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	} else {
		meta.Tags = []string{}
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		meta.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		meta.UpdatedAt = t
	}
	return nil
}

// dedupeByID keeps one record per id, preferring the greatest UpdatedAt.
// Relative ordering of the survivors is preserved.
func dedupeByID(metas []chapter.Meta) []chapter.Meta {
	seen := make(map[string]int, len(metas))
	out := metas[:0]
	for _, m := range metas {
		if i, ok := seen[m.ID]; ok {
			if m.UpdatedAt.After(out[i].UpdatedAt) {
				out[i] = m
			}
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}
