// Package cache provides the capacity- and time-bounded lookup cache that
// fronts the local store's read paths.
//
// Eviction is LRU and bounds memory as chapters accumulate across projects
// over a session; the TTL bounds staleness even when a peer misses an
// invalidation broadcast (the bus is fire-and-forget, so the TTL is the
// correctness backstop, not the broadcast).
package cache

import (
	"container/list"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/inkwell-app/inkwell/internal/bus"
)

const (
	// DefaultCapacity bounds the number of cached entries.
	DefaultCapacity = 100

	// DefaultTTL bounds the age of a cached entry.
	DefaultTTL = 5 * time.Minute
)

// Cache key namespaces. Invalidation by project matches the list key and
// any key carrying the project id as a scoping segment; meta and doc keys
// are scoped by chapter id and are invalidated individually.
const (
	listPrefix = "chapter-list:"
	metaPrefix = "chapter-meta:"
	docPrefix  = "chapter-doc:"
)

// ListKey returns the cache key for a project's chapter list.
func ListKey(projectID string) string { return listPrefix + projectID }

// MetaKey returns the cache key for one chapter's metadata.
func MetaKey(id string) string { return metaPrefix + id }

// DocKey returns the cache key for one chapter's content.
func DocKey(id string) string { return docPrefix + id }

type entry struct {
	key      string
	value    any
	storedAt time.Time
}

// Config holds cache configuration.
type Config struct {
	// Capacity is the maximum entry count (default 100).
	Capacity int

	// TTL is the maximum entry age (default 5 minutes).
	TTL time.Duration

	// Bus carries invalidations to other peers. Nil means single-peer.
	Bus bus.Bus

	// Logger for cache activity (default: stderr logger).
	Logger *log.Logger

	// Now is the clock, injectable for TTL tests.
	Now func() time.Time
}

// Cache is an in-process LRU+TTL cache kept coherent across peers via the
// invalidation bus.
type Cache struct {
	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element

	capacity int
	ttl      time.Duration
	now      func() time.Time

	bus    bus.Bus
	logger *log.Logger
}

// New creates a cache and subscribes it to the bus for incoming
// invalidations. An unavailable bus degrades to single-peer coherence;
// within one peer the cache stays correct, cross-peer staleness is bounded
// by the TTL.
func New(config Config) *Cache {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Bus == nil {
		config.Bus = bus.Nop{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Cache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: config.Capacity,
		ttl:      config.TTL,
		now:      config.Now,
		bus:      config.Bus,
		logger:   config.Logger,
	}
	c.bus.SetHandler(c.apply)
	return c
}

// Get returns the cached value or nil on miss or expiry. A hit refreshes
// the key's recency.
func (c *Cache) Get(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil
	}

	ent := el.Value.(*entry)
	if c.now().Sub(ent.storedAt) > c.ttl {
		c.removeElement(el)
		return nil
	}

	c.ll.MoveToFront(el)
	return ent.value
}

// Set inserts or overwrites a value. At capacity, inserting a new key
// evicts the least-recently-used entry first.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.storedAt = c.now()
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		if oldest := c.ll.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}

	el := c.ll.PushFront(&entry{key: key, value: value, storedAt: c.now()})
	c.items[key] = el
}

// Invalidate removes keys locally and broadcasts the same invalidation to
// the other peers.
func (c *Cache) Invalidate(keys ...string) {
	c.removeKeys(keys)
	c.bus.Publish(bus.Signal{Keys: keys})
}

// InvalidateProject removes every key scoped to the project, broadcast
// included.
func (c *Cache) InvalidateProject(projectID string) {
	c.removeProject(projectID)
	c.bus.Publish(bus.Signal{ProjectID: projectID})
}

// Clear resets the cache entirely, broadcast included.
func (c *Cache) Clear() {
	c.reset()
	c.bus.Publish(bus.Signal{Clear: true})
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// apply handles a signal from another peer. Signals carry no data; truth is
// re-derived from the local store on the next read.
func (c *Cache) apply(sig bus.Signal) {
	switch {
	case sig.Clear:
		c.reset()
	case sig.ProjectID != "":
		c.removeProject(sig.ProjectID)
	case len(sig.Keys) > 0:
		c.removeKeys(sig.Keys)
	}
}

func (c *Cache) removeKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if el, ok := c.items[key]; ok {
			c.removeElement(el)
		}
	}
}

func (c *Cache) removeProject(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.items {
		if key == listPrefix+projectID || strings.Contains(key, ":"+projectID) {
			c.removeElement(el)
		}
	}
}

func (c *Cache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// removeElement must be called with the lock held.
func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
