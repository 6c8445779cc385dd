// Package labelcache memoizes tracker.Tracker.GetLabels reads behind a short
// TTL with targeted invalidation, and throttles the underlying tracker calls
// (spec.md §4.1 component table: "Short-TTL memoized label reads with
// targeted invalidation"; §4.1 "API-call cost mitigated by LabelCache
// (TTL)... and batching"). Grounded on steveyegge-vc's polling-interval
// config pattern for the TTL knob and on golang.org/x/time/rate, which the
// teacher's go.mod declares but never imports, for the call-rate limiter.
package labelcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomhq/loomd/internal/tracker"
)

// Cache wraps a tracker.Tracker, memoizing GetLabels results for ttl and
// rate-limiting calls that miss the cache.
type Cache struct {
	tr      tracker.Tracker
	ttl     time.Duration
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	entries map[int]entry
}

type entry struct {
	labels    []string
	fetchedAt time.Time
}

// New wraps tr with a label cache. ttl bounds how long a read is reused
// without a fresh fetch; callsPerSecond and burst bound the rate at which
// cache misses are allowed to hit the underlying tracker.
func New(tr tracker.Tracker, ttl time.Duration, callsPerSecond float64, burst int) *Cache {
	return &Cache{
		tr:      tr,
		ttl:     ttl,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
		now:     time.Now,
		entries: make(map[int]entry),
	}
}

// GetLabels returns entity's labels, served from cache when fresh.
func (c *Cache) GetLabels(ctx context.Context, entity int) ([]string, error) {
	c.mu.Lock()
	e, ok := c.entries[entity]
	c.mu.Unlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.labels, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	labels, err := c.tr.GetLabels(ctx, entity)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[entity] = entry{labels: labels, fetchedAt: c.now()}
	c.mu.Unlock()
	return labels, nil
}

// Invalidate drops entity's cached entry so the next GetLabels forces a
// fresh fetch, used after AddLabel/RemoveLabel to avoid serving a stale read
// back to the caller that just changed the label.
func (c *Cache) Invalidate(entity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, entity)
}

// AddLabel adds a label through the wrapped tracker and invalidates entity's
// cache entry.
func (c *Cache) AddLabel(ctx context.Context, entity int, label, actor string) error {
	if err := c.tr.AddLabel(ctx, entity, label, actor); err != nil {
		return err
	}
	c.Invalidate(entity)
	return nil
}

// RemoveLabel removes a label through the wrapped tracker and invalidates
// entity's cache entry.
func (c *Cache) RemoveLabel(ctx context.Context, entity int, label, actor string) error {
	if err := c.tr.RemoveLabel(ctx, entity, label, actor); err != nil {
		return err
	}
	c.Invalidate(entity)
	return nil
}
