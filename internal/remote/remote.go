// Package remote provides the client for the remote chapters backend.
//
// The backend is a relational store keyed by the same chapter id used
// locally, so local and remote copies of one logical chapter are identified
// without translation. Conflict resolution between copies never happens
// here: the sync engine compares timestamps and this package only moves
// rows and events.
package remote

import (
	"context"
	"time"
)

// Row is a chapter as the remote backend stores it. UpdatedAt is the column
// the sync engine's last-write-wins comparison runs on.
type Row struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	SortOrder int       `json:"sort_order"`
	WordCount int       `json:"word_count"`
	Status    string    `json:"status"`
	ClientRev int       `json:"client_rev"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType classifies a live channel event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one change delivered by a project's live channel, with old/new
// row snapshots. Delete events carry only Old.
type Event struct {
	Type EventType `json:"type"`
	New  *Row      `json:"new,omitempty"`
	Old  *Row      `json:"old,omitempty"`
}

// Client is the surface the sync engine and the outbound queue need from
// the backend.
type Client interface {
	// ListChapters returns every chapter row for a project.
	ListChapters(ctx context.Context, projectID string) ([]Row, error)

	// UpsertChapter writes a row, keyed by its id.
	UpsertChapter(ctx context.Context, row Row) error

	// DeleteChapter removes a row. Idempotent.
	DeleteChapter(ctx context.Context, projectID, id string) error

	// EnsureProject makes sure the owning project row exists remotely, so a
	// chapter never references a parent that is not there yet.
	EnsureProject(ctx context.Context, projectID string) error

	// Subscribe opens a live channel filtered server-side to the project's
	// rows and delivers events until the returned stop func is called.
	Subscribe(ctx context.Context, projectID string, handler func(Event)) (func(), error)
}
