package cache

import (
	"context"
	"sync"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
)

// DefaultMemoryBytes bounds a MemoryStore created without a byte limit.
const DefaultMemoryBytes = 64 << 20

// MemoryStore is a bounded in-process store that evicts the least recently
// used entries first. Entries are weighed by Entry.Weight.
type MemoryStore struct {
	maxBytes   int64
	maxEntries int

	mu    sync.Mutex
	items map[cachekey.Key]*memoryItem
	head  *memoryItem
	tail  *memoryItem
	total int64
}

type memoryItem struct {
	key   cachekey.Key
	entry *Entry
	size  int64
	prev  *memoryItem
	next  *memoryItem
}

// NewMemoryStore creates a store holding at most maxBytes of entries and, if
// maxEntries is positive, at most maxEntries entries.
func NewMemoryStore(maxBytes int64, maxEntries int) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryBytes
	}
	return &MemoryStore{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		items:      map[cachekey.Key]*memoryItem{},
	}
}

// Get returns the stored entry. Callers must not modify it.
func (c *MemoryStore) Get(_ context.Context, key cachekey.Key) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	c.moveToFront(it)
	return it.entry, nil
}

// Put stores the entry. An entry heavier than the whole store is not kept.
func (c *MemoryStore) Put(_ context.Context, key cachekey.Key, entry *Entry) error {
	size := entry.Weight()

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.removeItem(it)
	}
	if size > c.maxBytes {
		return nil
	}
	for c.tail != nil && (c.total+size > c.maxBytes || c.maxEntries > 0 && len(c.items) >= c.maxEntries) {
		c.removeItem(c.tail)
	}
	it := &memoryItem{key: key, entry: entry, size: size}
	c.items[key] = it
	c.addToFront(it)
	c.total += size
	return nil
}

func (c *MemoryStore) Remove(_ context.Context, key cachekey.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeItem(it)
	}
	return nil
}

func (c *MemoryStore) Purge(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[cachekey.Key]*memoryItem{}
	c.head, c.tail = nil, nil
	c.total = 0
	return nil
}

// Len returns the number of stored entries.
func (c *MemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// TotalSize returns the summed weight of all stored entries.
func (c *MemoryStore) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *MemoryStore) removeItem(it *memoryItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *MemoryStore) addToFront(it *memoryItem) {
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

func (c *MemoryStore) unlink(it *memoryItem) {
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

func (c *MemoryStore) moveToFront(it *memoryItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
