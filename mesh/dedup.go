package mesh

import (
	"sort"
	"time"
)

// dedupCleanupInterval limits how often expired entries are swept
const dedupCleanupInterval = 10 * time.Second

// Deduplicator is a time-windowed set of seen identifiers with a hard size
// cap. Entries older than the window are swept at most every 10 seconds;
// when the cap is exceeded the oldest half is evicted immediately.
//
// Owned by the engine goroutine; not safe for concurrent use.
type Deduplicator struct {
	window     time.Duration
	maxEntries int

	seen        map[string]time.Time // id -> insertion time
	lastCleanup time.Time

	nowFunc func() time.Time
}

// NewDeduplicator creates a deduplicator with the given window and cap
func NewDeduplicator(window time.Duration, maxEntries int) *Deduplicator {
	return &Deduplicator{
		window:     window,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
		nowFunc:    time.Now,
	}
}

// IsDuplicate reports whether id has been marked within the window. The
// matched entry's own age is checked against the window, so expiry is exact
// even between cleanup passes. Triggers a periodic cleanup pass.
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.maybeCleanup()
	at, exists := d.seen[id]
	if !exists {
		return false
	}
	if d.nowFunc().Sub(at) > d.window {
		delete(d.seen, id)
		return false
	}
	return true
}

// MarkProcessed inserts id. If the cap is exceeded the oldest half of the
// entries (by insertion time) is evicted.
func (d *Deduplicator) MarkProcessed(id string) {
	d.maybeCleanup()
	d.seen[id] = d.nowFunc()

	if len(d.seen) > d.maxEntries {
		d.evictOldestHalf()
	}
}

// Reset clears all entries
func (d *Deduplicator) Reset() {
	d.seen = make(map[string]time.Time)
	d.lastCleanup = time.Time{}
}

// Len returns the number of retained entries
func (d *Deduplicator) Len() int {
	return len(d.seen)
}

func (d *Deduplicator) maybeCleanup() {
	now := d.nowFunc()
	if !d.lastCleanup.IsZero() && now.Sub(d.lastCleanup) < dedupCleanupInterval {
		return
	}
	d.lastCleanup = now

	for id, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, id)
		}
	}
}

func (d *Deduplicator) evictOldestHalf() {
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(d.seen))
	for id, at := range d.seen {
		entries = append(entries, entry{id, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	for i := 0; i < len(entries)/2; i++ {
		delete(d.seen, entries[i].id)
	}
}
