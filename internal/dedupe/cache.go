// ABOUTME: Thread-safe TTL cache for deduplicating inbound event ids
// ABOUTME: Size-bounded; insertion order gives O(1) eviction of the oldest key

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers keys for a TTL, capped at maxSize entries. When full, the
// oldest key is evicted.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts a background sweep of expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark atomically reports whether key was already seen and marks it
// otherwise. Returns true for duplicates.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && time.Since(e.seenAt) < c.ttl {
		return true
	}
	c.mark(key)
	return false
}

// Check reports whether key was seen within the TTL, without marking.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Mark records key as seen, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mark(key)
}

// mark records key, evicting the oldest entry at capacity. Caller holds mu.
func (c *Cache) mark(key string) {
	now := time.Now()

	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}

	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, e := range c.seen {
				if now.Sub(e.seenAt) > c.ttl {
					c.order.Remove(e.element)
					delete(c.seen, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
