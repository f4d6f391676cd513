package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nostrfit/settlement/logger"
)

type memoryEntry struct {
	snapshot   *Snapshot
	storedAt   time.Time
	refreshing bool
}

// MemoryCache is the in-process LeaderboardCache. Values are immutable
// snapshots, so concurrent writes for the same key are safely
// last-writer-wins.
type MemoryCache struct {
	ttl        time.Duration
	staleAfter time.Duration
	clock      clockwork.Clock
	logger     *logger.Logger

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryCache(ttl, staleAfter time.Duration, log *logger.Logger) *MemoryCache {
	return NewMemoryCacheWithClock(ttl, staleAfter, clockwork.NewRealClock(), log)
}

func NewMemoryCacheWithClock(ttl, staleAfter time.Duration, clock clockwork.Clock, log *logger.Logger) *MemoryCache {
	return &MemoryCache{
		ttl:        ttl,
		staleAfter: staleAfter,
		clock:      clock,
		logger:     log,
		entries:    make(map[string]*memoryEntry),
	}
}

func (c *MemoryCache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (*Snapshot, error) {
	now := c.clock.Now()
	id := key.String()

	c.mu.Lock()
	entry, ok := c.entries[id]
	if ok {
		age := now.Sub(entry.storedAt)
		if age < c.ttl {
			if age >= c.staleAfter && !entry.refreshing {
				entry.refreshing = true
				go c.refresh(context.WithoutCancel(ctx), id, compute)
			}
			snapshot := annotate(entry.snapshot, age)
			c.mu.Unlock()
			return snapshot, nil
		}
		delete(c.entries, id)
	}
	c.mu.Unlock()

	snapshot, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	c.store(id, snapshot)
	return snapshot, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, key Key) {
	c.mu.Lock()
	delete(c.entries, key.String())
	c.mu.Unlock()
}

func (c *MemoryCache) refresh(ctx context.Context, id string, compute ComputeFunc) {
	snapshot, err := compute(ctx)
	if err != nil {
		c.logger.Warn("background leaderboard refresh failed", "key", id, "error", err)
		c.mu.Lock()
		if entry, ok := c.entries[id]; ok {
			entry.refreshing = false
		}
		c.mu.Unlock()
		return
	}

	c.store(id, snapshot)
}

func (c *MemoryCache) store(id string, snapshot *Snapshot) {
	c.mu.Lock()
	c.entries[id] = &memoryEntry{
		snapshot: snapshot,
		storedAt: c.clock.Now(),
	}
	c.mu.Unlock()
}

// annotate returns a shallow copy marked as served from cache. The stored
// snapshot itself is never mutated.
func annotate(s *Snapshot, age time.Duration) *Snapshot {
	out := *s
	out.FromCache = true
	out.Age = age
	return &out
}
