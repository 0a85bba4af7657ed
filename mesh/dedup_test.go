package mesh

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source for deterministic tests
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestDedupDetectsDuplicates(t *testing.T) {
	d := NewDeduplicator(30*time.Second, 1000)

	if d.IsDuplicate("0102030405060708-1000-2") {
		t.Errorf("Fresh id should not be a duplicate")
	}
	d.MarkProcessed("0102030405060708-1000-2")
	if !d.IsDuplicate("0102030405060708-1000-2") {
		t.Errorf("Marked id should be a duplicate")
	}
	if d.IsDuplicate("0102030405060708-1001-2") {
		t.Errorf("Different timestamp should not be a duplicate")
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	clock := newFakeClock()
	d := NewDeduplicator(30*time.Second, 1000)
	d.nowFunc = clock.Now

	d.MarkProcessed("id-1")
	clock.Advance(29 * time.Second)
	if !d.IsDuplicate("id-1") {
		t.Errorf("Entry inside the window should still be a duplicate")
	}

	clock.Advance(5 * time.Second) // now 34s old, past window and cleanup interval
	if d.IsDuplicate("id-1") {
		t.Errorf("Entry past the window should have expired")
	}
	if d.Len() != 0 {
		t.Errorf("Expected 0 retained entries, got %d", d.Len())
	}
}

func TestDedupCapEvictsOldestHalf(t *testing.T) {
	clock := newFakeClock()
	d := NewDeduplicator(time.Hour, 4)
	d.nowFunc = clock.Now

	for i := 0; i < 5; i++ {
		d.MarkProcessed(fmt.Sprintf("id-%d", i))
		clock.Advance(time.Millisecond)
	}

	// 5 > cap 4, so the oldest two were evicted
	if d.Len() != 3 {
		t.Fatalf("Expected 3 entries after eviction, got %d", d.Len())
	}
	for _, id := range []string{"id-0", "id-1"} {
		if d.IsDuplicate(id) {
			t.Errorf("Oldest entry %s should have been evicted", id)
		}
	}
	for _, id := range []string{"id-2", "id-3", "id-4"} {
		if !d.IsDuplicate(id) {
			t.Errorf("Newer entry %s should survive eviction", id)
		}
	}
}

func TestDedupReset(t *testing.T) {
	d := NewDeduplicator(30*time.Second, 1000)
	d.MarkProcessed("id-1")
	d.MarkProcessed("id-2")
	d.Reset()
	if d.Len() != 0 {
		t.Errorf("Expected empty deduplicator after reset, got %d", d.Len())
	}
	if d.IsDuplicate("id-1") {
		t.Errorf("Reset should forget all entries")
	}
}
