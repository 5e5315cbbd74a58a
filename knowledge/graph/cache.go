package graph

import (
	"context"
	"sync"

	"goa.design/pilot/knowledge"
)

// Store is the slice of the knowledge store the cache rebuilds indexes
// from.
type Store interface {
	ListScreens(ctx context.Context, knowledgeID string) ([]*knowledge.Screen, error)
	ListTransitions(ctx context.Context, knowledgeID string) ([]*knowledge.Transition, error)
	ListGroups(ctx context.Context, knowledgeID string) ([]*knowledge.ScreenGroup, error)
}

// Cache holds one index per knowledge scope, built on first use and
// dropped on invalidation. Concurrent misses may build the same index
// twice; the last build wins, which is harmless for a cache.
type Cache struct {
	store Store

	mu      sync.RWMutex
	indexes map[string]*Index
}

// NewCache returns an empty cache over the store.
func NewCache(store Store) *Cache {
	return &Cache{store: store, indexes: make(map[string]*Index)}
}

// Index returns the index for a knowledge scope, building it from the
// store when not resident.
func (c *Cache) Index(ctx context.Context, knowledgeID string) (*Index, error) {
	c.mu.RLock()
	idx := c.indexes[knowledgeID]
	c.mu.RUnlock()
	if idx != nil {
		return idx, nil
	}

	idx, err := c.build(ctx, knowledgeID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.indexes[knowledgeID] = idx
	c.mu.Unlock()
	return idx, nil
}

// Resident returns the index only if it is already built.
func (c *Cache) Resident(knowledgeID string) (*Index, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexes[knowledgeID]
	return idx, ok
}

// Invalidate drops the index for a scope. Called after re-extraction or
// linking so the next read rebuilds from the store.
func (c *Cache) Invalidate(knowledgeID string) {
	c.mu.Lock()
	delete(c.indexes, knowledgeID)
	c.mu.Unlock()
}

// FindPath returns the shortest path between two screens. When the index
// is resident it answers from memory; otherwise it runs the search over
// the store's transitions without materializing an index.
func (c *Cache) FindPath(ctx context.Context, knowledgeID, fromID, toID string) ([]*knowledge.Transition, bool, error) {
	if idx, ok := c.Resident(knowledgeID); ok {
		path, found := idx.FindPath(fromID, toID)
		return path, found, nil
	}

	transitions, err := c.store.ListTransitions(ctx, knowledgeID)
	if err != nil {
		return nil, false, err
	}
	out := make(map[string][]Edge, len(transitions))
	known := make(map[string]bool, len(transitions))
	for _, tr := range transitions {
		out[tr.FromScreenID] = append(out[tr.FromScreenID], Edge{Transition: tr, TargetID: tr.ToScreenID})
		known[tr.FromScreenID] = true
		known[tr.ToScreenID] = true
	}
	if fromID != toID && (!known[fromID] || !known[toID]) {
		return nil, false, nil
	}
	for _, edges := range out {
		sortEdges(edges)
	}
	path, found := bfs(fromID, toID, func(id string) []Edge { return out[id] })
	return path, found, nil
}

func (c *Cache) build(ctx context.Context, knowledgeID string) (*Index, error) {
	screens, err := c.store.ListScreens(ctx, knowledgeID)
	if err != nil {
		return nil, err
	}
	transitions, err := c.store.ListTransitions(ctx, knowledgeID)
	if err != nil {
		return nil, err
	}
	groups, err := c.store.ListGroups(ctx, knowledgeID)
	if err != nil {
		return nil, err
	}
	return Build(&knowledge.Set{
		KnowledgeID: knowledgeID,
		Screens:     screens,
		Transitions: transitions,
		Groups:      groups,
	}), nil
}
