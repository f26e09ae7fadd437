package internal

import (
	"time"
)

type seenBucket struct {
	start time.Time
	// ids are ordered by insertion time.
	ids []MessageID
}

// SeenCache records the IDs of recently seen messages so duplicates can be
// dropped. Entries expire once their TTL has elapsed.
//
// Entries are indexed by a map and also appended to a queue of time buckets,
// so sweeping only visits expired entries.
//
// Note this is not thread safe. It is owned by the engine loop.
type SeenCache struct {
	ttl         time.Duration
	granularity time.Duration
	entries     map[MessageID]time.Time
	buckets     []*seenBucket
}

// NewSeenCache returns a cache with the given TTL. Entries are grouped into
// buckets of the given granularity.
func NewSeenCache(ttl time.Duration, granularity time.Duration) *SeenCache {
	if granularity <= 0 {
		granularity = time.Second
	}
	return &SeenCache{
		ttl:         ttl,
		granularity: granularity,
		entries:     make(map[MessageID]time.Time),
	}
}

func (c *SeenCache) Seen(id MessageID) bool {
	_, ok := c.entries[id]
	return ok
}

// Record marks the ID as seen at the given time. Recording an ID that is
// already present does not extend its expiry.
func (c *SeenCache) Record(id MessageID, now time.Time) {
	if _, ok := c.entries[id]; ok {
		return
	}
	c.entries[id] = now

	start := now.Truncate(c.granularity)
	if n := len(c.buckets); n > 0 && !c.buckets[n-1].start.Before(start) {
		// Either the current bucket, or the clock went backwards in which
		// case keep the queue ordered by adding to the latest bucket.
		c.buckets[n-1].ids = append(c.buckets[n-1].ids, id)
		return
	}
	c.buckets = append(c.buckets, &seenBucket{
		start: start,
		ids:   []MessageID{id},
	})
}

// Sweep removes all entries where now >= inserted + TTL, returning the number
// of entries removed.
func (c *SeenCache) Sweep(now time.Time) int {
	removed := 0
	for len(c.buckets) > 0 {
		bucket := c.buckets[0]
		// Nothing in the bucket can have expired yet.
		if now.Before(bucket.start.Add(c.ttl)) {
			break
		}

		for len(bucket.ids) > 0 {
			id := bucket.ids[0]
			if now.Before(c.entries[id].Add(c.ttl)) {
				break
			}
			delete(c.entries, id)
			bucket.ids = bucket.ids[1:]
			removed++
		}

		if len(bucket.ids) > 0 {
			break
		}
		c.buckets[0] = nil
		c.buckets = c.buckets[1:]
	}
	return removed
}

func (c *SeenCache) Len() int {
	return len(c.entries)
}
