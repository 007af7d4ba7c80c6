package swarm

import "sort"

const defaultCacheCapacity = 50 * 1024 * 1024

type cacheEntry struct {
	data   []byte
	access uint64
}

// PieceCache keeps recently served piece bodies in memory, keyed by piece
// index and bounded by total byte size. When the cache is full, the oldest
// quarter of entries by access order is evicted before a new piece lands.
type PieceCache struct {
	maxBytes     int
	currentBytes int
	accessClock  uint64
	entries      map[int]*cacheEntry
}

func NewPieceCache(maxBytes int) *PieceCache {
	if maxBytes == 0 {
		maxBytes = defaultCacheCapacity
	}

	return &PieceCache{
		maxBytes: maxBytes,
		entries:  make(map[int]*cacheEntry),
	}
}

// Add inserts a piece body. If the cache has reached its byte capacity, the
// least recently accessed ~25% of entries are evicted, repeatedly if needed,
// until the stored total drops below the capacity.
func (c *PieceCache) Add(index int, data []byte) {
	if existing, ok := c.entries[index]; ok {
		c.currentBytes -= len(existing.data)
		delete(c.entries, index)
	}

	for c.currentBytes >= c.maxBytes && len(c.entries) > 0 {
		c.evictOldestQuarter()
	}

	c.accessClock++
	c.entries[index] = &cacheEntry{data: data, access: c.accessClock}
	c.currentBytes += len(data)
}

// Get returns the cached piece body and bumps its access order.
func (c *PieceCache) Get(index int) ([]byte, bool) {
	entry, ok := c.entries[index]

	if !ok {
		return nil, false
	}

	c.accessClock++
	entry.access = c.accessClock

	return entry.data, true
}

func (c *PieceCache) Size() int {
	return c.currentBytes
}

func (c *PieceCache) Len() int {
	return len(c.entries)
}

func (c *PieceCache) evictOldestQuarter() {
	type aged struct {
		index  int
		access uint64
	}

	entries := make([]aged, 0, len(c.entries))

	for index, entry := range c.entries {
		entries = append(entries, aged{index: index, access: entry.access})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].access < entries[j].access
	})

	victims := (len(entries) + 3) / 4

	for _, victim := range entries[:victims] {
		c.currentBytes -= len(c.entries[victim.index].data)
		delete(c.entries, victim.index)
	}
}
