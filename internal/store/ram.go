package store

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU kept in front of the leveldb tier. Keys are
// ramKey(generation, url).
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func ramKey(gen, url string) string {
	return gen + "\x00" + url
}

func entrySize(ent Entry) int64 {
	n := int64(len(ent.Body))
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

// Put stores ent. With maxBytes <= 0 the tier is disabled; entries larger
// than the whole tier are skipped and any older copy under key is dropped.
func (c *ramCache) Put(key string, ent Entry) {
	if c.maxBytes <= 0 {
		return
	}
	sz := entrySize(ent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if sz > c.maxBytes {
		if it, ok := c.items[key]; ok {
			c.dropLocked(it)
		}
		return
	}

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.total > c.maxBytes && c.tail != nil {
		c.dropLocked(c.tail)
	}
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
}

// DeleteGeneration drops every item written under gen.
func (c *ramCache) DeleteGeneration(gen string) {
	prefix := gen + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.dropLocked(it)
		}
	}
}

func (c *ramCache) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
