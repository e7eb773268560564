package remote

import (
	"context"
	"sync"
)

// Fake is an in-memory backend for tests and offline runs. It records call
// counts so tests can assert that gated operations made no network calls.
type Fake struct {
	mu       sync.Mutex
	rows     map[string]map[string]Row // projectID -> chapterID -> row
	projects map[string]bool
	subs     map[string][]*fakeSub

	// Err, when set, is returned by every data operation.
	Err error

	// Calls counts operations by name.
	Calls map[string]int
}

type fakeSub struct {
	projectID string
	handler   func(Event)
	stopped   bool
}

var _ Client = (*Fake)(nil)

// NewFake creates an empty fake backend.
func NewFake() *Fake {
	return &Fake{
		rows:     make(map[string]map[string]Row),
		projects: make(map[string]bool),
		subs:     make(map[string][]*fakeSub),
		Calls:    make(map[string]int),
	}
}

// Seed stores a row without counting as a client call or emitting events.
func (f *Fake) Seed(row Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seedLocked(row)
}

func (f *Fake) seedLocked(row Row) {
	if f.rows[row.ProjectID] == nil {
		f.rows[row.ProjectID] = make(map[string]Row)
	}
	f.rows[row.ProjectID][row.ID] = row
}

// Row returns the stored row and whether it exists.
func (f *Fake) Row(projectID, id string) (Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[projectID][id]
	return row, ok
}

// TotalCalls sums every recorded operation.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.Calls {
		total += n
	}
	return total
}

// Emit delivers an event to the project's live subscribers, simulating a
// change made by another device.
func (f *Fake) Emit(projectID string, ev Event) {
	f.mu.Lock()
	var handlers []func(Event)
	for _, sub := range f.subs[projectID] {
		if !sub.stopped {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (f *Fake) ListChapters(ctx context.Context, projectID string) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["list"]++
	if f.Err != nil {
		return nil, f.Err
	}
	var rows []Row
	for _, row := range f.rows[projectID] {
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *Fake) UpsertChapter(ctx context.Context, row Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["upsert"]++
	if f.Err != nil {
		return f.Err
	}
	f.seedLocked(row)
	return nil
}

func (f *Fake) DeleteChapter(ctx context.Context, projectID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["delete"]++
	if f.Err != nil {
		return f.Err
	}
	delete(f.rows[projectID], id)
	return nil
}

func (f *Fake) EnsureProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["ensure"]++
	if f.Err != nil {
		return f.Err
	}
	f.projects[projectID] = true
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, projectID string, handler func(Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["subscribe"]++
	if f.Err != nil {
		return nil, f.Err
	}
	sub := &fakeSub{projectID: projectID, handler: handler}
	f.subs[projectID] = append(f.subs[projectID], sub)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.stopped = true
	}, nil
}
