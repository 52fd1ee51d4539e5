// Package cache holds the newest valid record per topic.
package cache

import (
	"sync"

	"pricerelay/models"
)

// UpdateResult reports what Update did with a record.
type UpdateResult int

const (
	// Stored means the record replaced the entry or created it.
	Stored UpdateResult = iota
	// Duplicate means the record carried the same timestamp as the stored
	// one and overwrote it.
	Duplicate
	// Stale means the record was older than the stored one and was discarded.
	Stale
)

func (r UpdateResult) String() string {
	switch r {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Cache is the latest-state store shared by the ingestion and forwarding
// loops. The lock is only held for in-memory copies.
type Cache struct {
	mu      sync.RWMutex
	entries map[models.TopicID]models.Record
}

func New() *Cache {
	return &Cache{entries: make(map[models.TopicID]models.Record)}
}

// Update stores rec unless an entry with a newer ObservedAt exists. A record
// with the same timestamp overwrites the entry, so redelivery is idempotent.
func (c *Cache) Update(rec models.Record) UpdateResult {
	stored := rec.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries[rec.TopicID]
	switch {
	case !ok:
		c.entries[rec.TopicID] = stored
		return Stored
	case rec.ObservedAt.Before(current.ObservedAt):
		return Stale
	case rec.ObservedAt.Equal(current.ObservedAt):
		c.entries[rec.TopicID] = stored
		return Duplicate
	default:
		c.entries[rec.TopicID] = stored
		return Stored
	}
}

// Snapshot returns a copy of the entry for topic.
func (c *Cache) Snapshot(topic models.TopicID) (models.Record, bool) {
	c.mu.RLock()
	rec, ok := c.entries[topic]
	c.mu.RUnlock()
	if !ok {
		return models.Record{}, false
	}
	return rec.Clone(), true
}

// SnapshotAll returns a deep copy of every entry. Callers may iterate and
// perform I/O on the result without affecting the cache.
func (c *Cache) SnapshotAll() map[models.TopicID]models.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[models.TopicID]models.Record, len(c.entries))
	for id, rec := range c.entries {
		out[id] = rec.Clone()
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
