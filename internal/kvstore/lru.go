package kvstore

import "sync"

// entry is a doubly linked list node holding a cached value.
type entry struct {
	key   string
	value []byte
	prev  *entry
	next  *entry
}

// lruCache is a bounded least-recently-used cache of raw values.
// A map gives O(1) lookup; the list keeps eviction order.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*entry
	head     *entry // most recently used (sentinel)
	tail     *entry // least recently used (sentinel)

	hits   uint64
	misses uint64
}

func newLRU(capacity int) *lruCache {
	if capacity < 1 {
		capacity = 1
	}
	head := &entry{}
	tail := &entry{}
	head.next = tail
	tail.prev = head
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		head:     head,
		tail:     tail,
	}
}

func (c *lruCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.unlink(e)
	c.pushFront(e)
	return clone(e.value), true
}

func (c *lruCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = clone(value)
		c.unlink(e)
		c.pushFront(e)
		return
	}

	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.unlink(victim)
		delete(c.items, victim.key)
	}

	e := &entry{key: key, value: clone(value)}
	c.items[key] = e
	c.pushFront(e)
}

func (c *lruCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.unlink(e)
		delete(c.items, key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lruCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// caller must hold lock
func (c *lruCache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

// caller must hold lock
func (c *lruCache) pushFront(e *entry) {
	e.next = c.head.next
	e.prev = c.head
	c.head.next.prev = e
	c.head.next = e
}
