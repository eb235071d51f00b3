// ABOUTME: TTL-bounded cache of recently processed callback turn ids
// ABOUTME: Lets the orchestrator drop webhook redeliveries without touching storage

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults sized for webhook redelivery windows, not long-term history.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 4096
)

// Cache remembers callback turn ids it has seen recently. The external
// platform redelivers callbacks on timeout or ambiguous failure, so the
// orchestrator consults the cache before doing any work for a turn.
// Entries expire after a TTL and the cache holds at most maxSize entries,
// evicting oldest-first.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = oldest

	now func() time.Time // overridable in tests
}

type entry struct {
	key    string
	seenAt time.Time
	reply  string
}

// NewCache creates a Cache. Non-positive ttl or maxSize fall back to
// defaults.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Seen reports whether key was marked within the TTL and marks it if not.
// The check and the mark are one atomic step so two concurrent callbacks
// for the same turn cannot both pass.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictLocked(now)

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		// Expired but not yet evicted; refresh in place
		e.seenAt = now
		e.reply = ""
		c.order.MoveToBack(el)
		return false
	}

	c.entries[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Record attaches the reply that was delivered for key, so a redelivery of
// the same turn can be answered with the utterance the first delivery got.
// A no-op if the key is no longer tracked.
func (c *Cache) Record(key, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).reply = reply
	}
}

// Reply returns the reply recorded for key, or "" when none was recorded
// or the first delivery is still in flight.
func (c *Cache) Reply(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		return el.Value.(*entry).reply
	}
	return ""
}

// Forget drops a key so the turn can be reprocessed. Used when processing
// failed before any state changed and a redelivery should get a fresh run.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the number of entries currently tracked, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked removes expired entries from the front, then trims to leave
// room for one more entry. Oldest entries sit at the front of the list.
func (c *Cache) evictLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			break
		}
		c.order.Remove(el)
		delete(c.entries, e.key)
	}
	for c.order.Len() >= c.maxSize {
		el := c.order.Front()
		delete(c.entries, el.Value.(*entry).key)
		c.order.Remove(el)
	}
}
