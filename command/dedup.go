package command

import (
	"context"
	"sync"
	"time"
)

// DedupStatus is the lifecycle mark of a command in the dedup cache.
type DedupStatus string

const (
	// DedupProcessing marks a command currently being dispatched.
	DedupProcessing DedupStatus = "processing"
	// DedupProcessed marks a command whose StateUpdate was published.
	DedupProcessed DedupStatus = "processed"
)

// DefaultDedupTTL bounds how long processed command IDs are remembered.
// Retransmissions older than this are indistinguishable from new commands,
// which the sequence check still catches.
const DefaultDedupTTL = 5 * time.Minute

// DedupCache remembers recently seen command IDs so redeliveries are
// acknowledged without re-executing their actions.
type DedupCache interface {
	// Status returns the mark for a command ID, if any.
	Status(ctx context.Context, commandID string) (DedupStatus, bool, error)
	// MarkProcessing records that dispatch started.
	MarkProcessing(ctx context.Context, commandID string) error
	// MarkProcessed records that the result was published.
	MarkProcessed(ctx context.Context, commandID string) error
	// Forget drops the mark so a redelivery processes normally. Used
	// when dispatch fails transiently before publishing.
	Forget(ctx context.Context, commandID string) error
}

type memoryEntry struct {
	status    DedupStatus
	expiresAt time.Time
}

// MemoryDedup is the per-session in-process cache. Consumer-group
// exclusivity means a session's commands are handled by one process, so a
// local cache suffices; RedisDedup exists for deployments that re-place
// sessions across instances.
type MemoryDedup struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryDedup returns an in-process cache. A non-positive ttl falls back
// to DefaultDedupTTL.
func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDedup{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Status implements DedupCache.
func (c *MemoryDedup) Status(_ context.Context, commandID string) (DedupStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[commandID]
	if !ok {
		return "", false, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, commandID)
		return "", false, nil
	}
	return e.status, true, nil
}

// MarkProcessing implements DedupCache.
func (c *MemoryDedup) MarkProcessing(_ context.Context, commandID string) error {
	c.set(commandID, DedupProcessing)
	return nil
}

// MarkProcessed implements DedupCache.
func (c *MemoryDedup) MarkProcessed(_ context.Context, commandID string) error {
	c.set(commandID, DedupProcessed)
	return nil
}

// Forget implements DedupCache.
func (c *MemoryDedup) Forget(_ context.Context, commandID string) error {
	c.mu.Lock()
	delete(c.entries, commandID)
	c.mu.Unlock()
	return nil
}

func (c *MemoryDedup) set(commandID string, status DedupStatus) {
	now := c.now()
	c.mu.Lock()
	c.entries[commandID] = memoryEntry{status: status, expiresAt: now.Add(c.ttl)}
	// Opportunistic sweep keeps the map bounded without a timer goroutine.
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}
