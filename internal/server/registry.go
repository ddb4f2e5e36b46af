package server

import (
	"sort"
	"sync"

	"github.com/opsgrid/tagdvr/internal/tag"
)

// Connection is one configured data source with its tag set and default
// poll cadence.
type Connection struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	IntervalMs  int64     `json:"intervalMs"`
	Tags        []tag.Tag `json:"tags"`
}

// Registry resolves connection and tag definitions for the API handlers.
// Definitions come from configuration; the registry only indexes them.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connection
	tags  map[string]tag.Tag
}

// NewRegistry indexes the given connections.
func NewRegistry(conns []Connection) *Registry {
	r := &Registry{
		conns: make(map[string]Connection, len(conns)),
		tags:  make(map[string]tag.Tag),
	}
	for _, c := range conns {
		r.conns[c.ID] = c
		for _, t := range c.Tags {
			r.tags[t.ID] = t
		}
	}
	return r
}

// Connection returns one connection's definition.
func (r *Registry) Connection(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Connections returns all connection IDs, sorted.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tag returns one tag's definition.
func (r *Registry) Tag(id string) (tag.Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tags[id]
	return t, ok
}

// Tags returns all tag definitions, sorted by ID.
func (r *Registry) Tags() []tag.Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tag.Tag, 0, len(r.tags))
	for _, t := range r.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
