// Package ratelimit keeps, per device, the earliest instant a new send is allowed.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"duster/internal/observability"
)

// Cache is the in-process rate window store. All methods are safe for concurrent use.
//
// A single mutex guards the map. The critical sections are a lookup and a
// write; nobody sleeps while holding it, so unrelated devices never wait on
// each other's pacing.
type Cache struct {
	mu     sync.Mutex
	next   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewCache returns a cache whose collector drops entries that expired more
// than window ago.
func NewCache(window time.Duration) *Cache {
	return &Cache{
		next:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// TryReserve reports whether a send to deviceID is allowed right now and, if
// so, closes the window for period. Check and write happen under one lock.
func (c *Cache) TryReserve(_ context.Context, deviceID string, period time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if next, ok := c.next[deviceID]; ok && now.Before(next) {
		return false, nil
	}
	c.next[deviceID] = now.Add(period)
	return true, nil
}

// Reserve closes the window for period without checking it.
func (c *Cache) Reserve(_ context.Context, deviceID string, period time.Duration) error {
	c.mu.Lock()
	c.next[deviceID] = c.now().Add(period)
	c.mu.Unlock()
	return nil
}

// NextAllowed returns the stored instant for deviceID.
func (c *Cache) NextAllowed(deviceID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.next[deviceID]
	return t, ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.next)
}

// Collect removes entries whose window closed before now-window and returns
// how many were removed.
func (c *Cache) Collect() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	threshold := c.now().Add(-c.window)
	removed := 0
	for id, next := range c.next {
		if next.Before(threshold) {
			delete(c.next, id)
			removed++
		}
	}
	observability.RateLimitEntries.Set(float64(len(c.next)))
	return removed
}

// RunCollector calls Collect every interval until ctx is done.
func (c *Cache) RunCollector(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := c.Collect()
			slog.Debug("rate limiter collector run", "removed", removed, "entries", c.Len())
		}
	}
}
