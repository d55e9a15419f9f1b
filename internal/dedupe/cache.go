// ABOUTME: TTL and size bounded set of recently seen keys
// ABOUTME: Guards webhook handling against at-least-once redelivery

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultTTL is how long a webhook event id is remembered.
const DefaultTTL = 10 * time.Minute

// DefaultMaxSize bounds memory when the provider floods us.
const DefaultMaxSize = 10000

type entry struct {
	key  string
	seen time.Time
}

// Cache is safe for concurrent use. Entries are kept in insertion order so
// expiry and eviction both work from the front of the list.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache. Non-positive arguments take the defaults.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seen reports whether key was marked within the TTL, without marking it.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	_, ok := c.index[key]
	return ok
}

// CheckAndMark reports whether key is a duplicate. A new key is recorded in
// the same critical section. Empty keys are never duplicates.
func (c *Cache) CheckAndMark(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	if _, ok := c.index[key]; ok {
		return true
	}
	if c.order.Len() >= c.maxSize {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.index, front.Value.(*entry).key)
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: c.now()})
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	return c.order.Len()
}

func (c *Cache) pruneLocked() {
	cutoff := c.now().Add(-c.ttl)
	for e := c.order.Front(); e != nil; e = c.order.Front() {
		ent := e.Value.(*entry)
		if ent.seen.After(cutoff) {
			return
		}
		c.order.Remove(e)
		delete(c.index, ent.key)
	}
}
