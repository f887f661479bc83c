package brain

import (
	"sync"
	"time"

	"trading-brain/internal/domain"
)

// decisionCache is the idempotency layer. A signal id seen within the TTL
// returns the exact decision produced the first time, so a retrying
// producer can never double-spend its intent.
type decisionCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	decision *domain.BrainDecision
	storedAt time.Time
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *decisionCache) get(signalID string, now time.Time) (*domain.BrainDecision, bool) {
	c.mu.RLock()
	entry, ok := c.entries[signalID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if now.Sub(entry.storedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, signalID)
		c.mu.Unlock()
		return nil, false
	}
	return entry.decision, true
}

func (c *decisionCache) put(decision *domain.BrainDecision, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[decision.Signal.SignalID] = cacheEntry{decision: decision, storedAt: now}

	// Opportunistic purge keeps the map bounded without a sweeper goroutine.
	if len(c.entries)%256 == 0 {
		for id, entry := range c.entries {
			if now.Sub(entry.storedAt) > c.ttl {
				delete(c.entries, id)
			}
		}
	}
}

func (c *decisionCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// decisionRing keeps the newest N decisions for the dashboard.
type decisionRing struct {
	mu    sync.RWMutex
	items []*domain.BrainDecision
	next  int
	full  bool
}

func newDecisionRing(size int) *decisionRing {
	if size < 1 {
		size = 1
	}
	return &decisionRing{items: make([]*domain.BrainDecision, size)}
}

func (r *decisionRing) add(decision *domain.BrainDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = decision
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns the stored decisions newest first.
func (r *decisionRing) recent() []*domain.BrainDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.next
	if r.full {
		count = len(r.items)
	}
	out := make([]*domain.BrainDecision, 0, count)
	for i := 0; i < count; i++ {
		idx := (r.next - 1 - i + len(r.items)) % len(r.items)
		out = append(out, r.items[idx])
	}
	return out
}
