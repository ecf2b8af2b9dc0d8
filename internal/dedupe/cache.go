// ABOUTME: Bounded TTL set for dropping re-delivered platform updates
// ABOUTME: Keys expire after the TTL; the oldest key is evicted once the set is full

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers recently seen keys. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// New creates a cache that forgets keys after ttl and holds at most maxSize
// keys. Expired keys are swept every sweep interval; zero disables sweeping
// and relies on eviction alone.
func New(ttl time.Duration, maxSize int, sweep time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweep > 0 {
		go c.sweepLoop(sweep)
	}
	return c
}

// Seen reports whether key was already seen within the TTL. A key that was not
// seen is recorded, so the first caller gets false and every repeat gets true.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		// Expired: re-record as new.
		e.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	for len(c.index) >= c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).key)
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Len returns the number of keys currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Keys are ordered by last sighting, so it stops at
// the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(el)
		delete(c.index, e.key)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}
