// Package chapter provides the data structures for inkwell chapter storage.
package chapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status describes where a chapter sits in the writing workflow.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusRevising Status = "revising"
	StatusFinal    Status = "final"
)

// Valid reports whether s is one of the known workflow states.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRevising, StatusFinal:
		return true
	}
	return false
}

// Meta is the lightweight, list-friendly half of a chapter.
//
// Meta and Doc share one ID and are created and deleted together. The
// structure is flat with last-write-wins semantics: UpdatedAt is the sole
// authority for conflict resolution between devices.
type Meta struct {
	// ===== Core Identification =====
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	// ===== Chapter Content =====
	Title   string   `json:"title"`
	Summary string   `json:"summary,omitempty"`
	Status  Status   `json:"status"`
	Tags    []string `json:"tags,omitempty"`

	// ===== Ordering =====
	// Index is the zero-based position among sibling chapters of the same
	// project. Indices for a project form a contiguous permutation of [0, N).
	Index int `json:"index"`

	// ===== Derived Counts =====
	WordCount  int `json:"word_count"`
	SceneCount int `json:"scene_count"`

	// ===== Timestamps (conflict resolution) =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ClientRev is a monotonically increasing local revision counter,
	// incremented on each successful remote push.
	ClientRev int `json:"client_rev,omitempty"`
}

// Doc is the heavy, content-bearing half of a chapter.
type Doc struct {
	ID      string `json:"id"`
	Content string `json:"content"`

	// Version increases by exactly 1 per content save. It is never used for
	// conflict resolution, only UpdatedAt is.
	Version int `json:"version"`

	Scenes []Scene `json:"scenes,omitempty"`
}

// Scene is an optional ordered sub-structure within a chapter body.
type Scene struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// Full is a chapter assembled on read from its Meta and Doc halves.
// It is never stored as one record.
type Full struct {
	Meta
	Content string  `json:"content"`
	Version int     `json:"version"`
	Scenes  []Scene `json:"scenes,omitempty"`
}

// Validate checks if the Meta has valid field values.
func (m *Meta) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if m.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(m.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(m.Title))
	}
	if !m.Status.Valid() {
		return fmt.Errorf("status must be draft, revising, or final (got %q)", m.Status)
	}
	if m.Index < 0 {
		return fmt.Errorf("index must not be negative (got %d)", m.Index)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (m *Meta) SetDefaults() {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Status == "" {
		m.Status = StatusDraft
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
}

// NewID returns a fresh chapter identifier. The same id is used as the
// remote backend's primary key, so local and remote copies of a chapter are
// identified without translation.
func NewID() string {
	return uuid.NewString()
}

// CountWords is the single word-count authority for the whole module.
// Store writes, split, merge, and import all recount through it.
func CountWords(s string) int {
	return len(strings.Fields(s))
}
