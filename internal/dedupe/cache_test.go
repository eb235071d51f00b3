// ABOUTME: Tests for the callback turn deduplication cache
// ABOUTME: Covers first-seen semantics, TTL expiry, size bounds, Forget, and reply replay

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_FirstAndRepeat(t *testing.T) {
	c := NewCache(time.Minute, 10)

	assert.False(t, c.Seen("turn-1"))
	assert.True(t, c.Seen("turn-1"))
	assert.False(t, c.Seen("turn-2"))
}

func TestCache_Seen_ExpiresAfterTTL(t *testing.T) {
	c := NewCache(time.Minute, 10)
	current := time.Now()
	c.now = func() time.Time { return current }

	assert.False(t, c.Seen("turn-1"))
	assert.True(t, c.Seen("turn-1"))

	current = current.Add(2 * time.Minute)
	assert.False(t, c.Seen("turn-1"))
	assert.True(t, c.Seen("turn-1"))
}

func TestCache_Seen_EvictsOldestAtCapacity(t *testing.T) {
	c := NewCache(time.Hour, 3)

	for i := 0; i < 3; i++ {
		assert.False(t, c.Seen(fmt.Sprintf("turn-%d", i)))
	}
	// Inserting a fourth evicts turn-0
	assert.False(t, c.Seen("turn-3"))
	assert.False(t, c.Seen("turn-0"))
	assert.True(t, c.Seen("turn-2"))
}

func TestCache_Forget(t *testing.T) {
	c := NewCache(time.Hour, 10)

	assert.False(t, c.Seen("turn-1"))
	c.Forget("turn-1")
	assert.False(t, c.Seen("turn-1"))
}

func TestCache_RecordAndReply(t *testing.T) {
	c := NewCache(time.Minute, 10)

	assert.Empty(t, c.Reply("turn-1"))

	assert.False(t, c.Seen("turn-1"))
	// Nothing recorded yet while the first delivery is in flight
	assert.Empty(t, c.Reply("turn-1"))

	c.Record("turn-1", "the answer")
	assert.Equal(t, "the answer", c.Reply("turn-1"))

	// Recording for an untracked key is a no-op
	c.Record("turn-2", "lost")
	assert.Empty(t, c.Reply("turn-2"))
}

func TestCache_ReplyClearedOnExpiredRefresh(t *testing.T) {
	c := NewCache(time.Minute, 10)
	current := time.Now()
	c.now = func() time.Time { return current }

	assert.False(t, c.Seen("turn-1"))
	c.Record("turn-1", "stale answer")

	// Past the TTL the key counts as fresh again and the old reply is gone
	current = current.Add(2 * time.Minute)
	assert.False(t, c.Seen("turn-1"))
	assert.Empty(t, c.Reply("turn-1"))
}

func TestCache_Seen_ConcurrentSingleWinner(t *testing.T) {
	c := NewCache(time.Hour, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("turn-contended") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
}

func TestCache_Defaults(t *testing.T) {
	c := NewCache(0, 0)
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}
