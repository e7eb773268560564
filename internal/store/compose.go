package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/inkwell-app/inkwell/internal/chapter"
)

// Split truncates the chapter's content to [0, offset), creates a new
// chapter holding [offset, end), recomputes word counts for both, and
// inserts the new chapter immediately after the original in ordering.
// The whole operation is one transaction.
//
// Concatenating the two resulting contents reproduces the original exactly.
func (s *Store) Split(ctx context.Context, id string, offset int, newTitle string) (*chapter.Meta, error) {
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
	content, err := getDocContent(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(content) {
		offset = len(content)
	}
	first, second := content[:offset], content[offset:]

	now := time.Now().UTC()

	if err := upsertDoc(ctx, tx, id, first, nil); err != nil {
		return nil, err
	}
	meta.WordCount = chapter.CountWords(first)
	meta.UpdatedAt = now
	if err := upsertMeta(ctx, tx, meta); err != nil {
		return nil, err
	}

	// Make room right after the original.
	if err := shiftOrders(ctx, tx, meta.ProjectID, meta.Index, +1, now); err != nil {
		return nil, err
	}

	if newTitle == "" {
		newTitle = meta.Title + " (cont.)"
	}
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	newMeta := &chapter.Meta{
		ID:        chapter.NewID(),
		ProjectID: meta.ProjectID,
		Title:     newTitle,
		Status:    meta.Status,
		Tags:      tags,
		Index:     meta.Index + 1,
		WordCount: chapter.CountWords(second),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := upsertMeta(ctx, tx, newMeta); err != nil {
		return nil, err
	}
	if err := upsertDoc(ctx, tx, newMeta.ID, second, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit split: %w", err)
	}
	return newMeta, nil
}

// MergeWithNext absorbs the following chapter: contents are concatenated,
// the word count recomputed, and the following chapter deleted, with later
// chapters shifted down to keep indices contiguous.
//
// Returns ErrLastChapter when id is the last chapter in its project.
func (s *Store) MergeWithNext(ctx context.Context, id string) (*chapter.Meta, error) {
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

	var nextID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM chapter_meta WHERE project_id = ? AND sort_order = ? LIMIT 1`,
		meta.ProjectID, meta.Index+1).Scan(&nextID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chapter %s: %w", id, ErrLastChapter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find following chapter: %w", err)
	}

	first, err := getDocContent(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	second, err := getDocContent(ctx, tx, nextID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	merged := first + second

	if err := upsertDoc(ctx, tx, id, merged, nil); err != nil {
		return nil, err
	}
	meta.WordCount = chapter.CountWords(merged)
	meta.UpdatedAt = now
	if err := upsertMeta(ctx, tx, meta); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chapter_meta WHERE id = ?`, nextID); err != nil {
		return nil, fmt.Errorf("failed to delete absorbed chapter meta: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chapter_doc WHERE id = ?`, nextID); err != nil {
		return nil, fmt.Errorf("failed to delete absorbed chapter doc: %w", err)
	}

	if err := shiftOrders(ctx, tx, meta.ProjectID, meta.Index+1, -1, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit merge: %w", err)
	}
	return meta, nil
}

// ImportFromDocument splits a flat document into chapters at heading
// boundaries matched by pattern (DefaultHeadingPattern when nil). If no
// heading matches, the entire document becomes one chapter.
func (s *Store) ImportFromDocument(ctx context.Context, projectID, content string, pattern *regexp.Regexp) ([]chapter.Meta, error) {
	sections := chapter.SplitAtHeadings(content, pattern)

	metas := make([]chapter.Meta, 0, len(sections))
	for i, section := range sections {
		title := section.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		meta, err := s.Create(ctx, CreateInput{
			ProjectID: projectID,
			Title:     title,
			Content:   strings.TrimLeft(section.Content, "\n"),
		})
		if err != nil {
			return metas, fmt.Errorf("failed to import section %d: %w", i+1, err)
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// getDocContent reads a chapter body inside a transaction. A missing doc
// row reads as empty content, matching Get's synthesized doc.
func getDocContent(ctx context.Context, q querier, id string) (string, error) {
	var content string
	err := q.QueryRowContext(ctx, `SELECT content FROM chapter_doc WHERE id = ?`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chapter doc %s: %w", id, err)
	}
	return content, nil
}

// shiftOrders moves every chapter with sort_order > after by delta.
func shiftOrders(ctx context.Context, q querier, projectID string, after, delta int, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE chapter_meta SET sort_order = sort_order + ?, updated_at = ?
		 WHERE project_id = ? AND sort_order > ?`,
		delta, now.Format(time.RFC3339Nano), projectID, after)
	if err != nil {
		return fmt.Errorf("failed to shift chapter ordering: %w", err)
	}
	return nil
}
