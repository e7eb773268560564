// Package bus provides the cross-peer cache invalidation channel.
//
// Each running inkwell process is one peer on the bus; the bus carries only
// invalidation signals, never data. Every peer re-reads its own local store
// after a signal, so lost messages cost staleness (bounded by the cache
// TTL), never correctness.
package bus

// Signal is one invalidation message. Exactly one of Keys, ProjectID, or
// Clear is meaningful per signal.
type Signal struct {
	// Origin identifies the publishing peer so it can skip its own signals
	// when they echo back.
	Origin string `json:"origin"`

	// Keys lists individual cache keys to drop.
	Keys []string `json:"keys,omitempty"`

	// ProjectID drops every key scoped to the project.
	ProjectID string `json:"project_id,omitempty"`

	// Clear drops everything.
	Clear bool `json:"clear,omitempty"`
}

// Handler receives signals published by other peers.
type Handler func(Signal)

// Bus is the transport between peers. Publish is fire-and-forget: delivery
// is not guaranteed and failures must never propagate to the caller.
type Bus interface {
	// Publish broadcasts a signal to the other peers.
	Publish(Signal)

	// SetHandler registers the callback for incoming signals. Signals whose
	// Origin matches this peer are not delivered.
	SetHandler(Handler)

	// Close tears the peer down.
	Close() error
}

// Nop is the single-peer bus used when no hub is reachable: publishing goes
// nowhere and nothing ever arrives. Coherence degrades to one process,
// still correct within it.
type Nop struct{}

func (Nop) Publish(Signal)     {}
func (Nop) SetHandler(Handler) {}
func (Nop) Close() error       { return nil }
