// Package dedup implements the sliding-window candle deduplicator: it
// recognises when the same (symbol, bar-open-time) pair has already been
// seen within the configured window and should be dropped rather than
// forwarded again.
//
// The insertion-ordered map here plays the same role an OrderedDict plays in
// the reference connector's deduplicator: entries age out in insertion order,
// which is also chronological order for a stream of live candle updates, so
// cleanup never has to scan the whole table.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

type entry struct {
	key  string
	seen time.Time
}

// Deduplicator tracks recently-seen candle keys for one upstream session.
// Safe for concurrent use.
type Deduplicator struct {
	window     time.Duration
	maxEntries int

	mu        sync.Mutex
	order     *list.List               // front = oldest, back = newest
	positions map[string]*list.Element // key -> its node in order
	inserts   uint64
}

// New builds a Deduplicator with the given sliding window and capacity cap.
func New(window time.Duration, maxEntries int) *Deduplicator {
	return &Deduplicator{
		window:     window,
		maxEntries: maxEntries,
		order:      list.New(),
		positions:  make(map[string]*list.Element),
	}
}

// IsDuplicate reports whether this candle's key has already been recorded
// within the current window. If it is new, it is recorded as seen. Cleanup
// of expired entries runs every 100th insertion, mirroring the reference
// deduplicator's amortised-cleanup cadence so a single call never pays for a
// full table scan.
func (d *Deduplicator) IsDuplicate(c model.Candle) bool {
	key := c.DedupKey()
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if el, exists := d.positions[key]; exists {
		if now.Sub(el.Value.(*entry).seen) < d.window {
			return true
		}
		d.order.Remove(el)
		delete(d.positions, key)
	}

	el := d.order.PushBack(&entry{key: key, seen: now})
	d.positions[key] = el
	d.inserts++

	if d.inserts%100 == 0 {
		d.cleanupLocked(now)
	}
	d.enforceMaxEntriesLocked()

	return false
}

// cleanupLocked drops entries older than the sliding window. Caller must
// hold d.mu. Stops at the first still-fresh entry since order is
// chronological.
func (d *Deduplicator) cleanupLocked(now time.Time) {
	for d.order.Len() > 0 {
		front := d.order.Front()
		e := front.Value.(*entry)
		if now.Sub(e.seen) < d.window {
			break
		}
		d.order.Remove(front)
		delete(d.positions, e.key)
	}
}

// enforceMaxEntriesLocked evicts the oldest entries once the table exceeds
// maxEntries, independent of the time-based cleanup above.
func (d *Deduplicator) enforceMaxEntriesLocked() {
	if d.maxEntries <= 0 {
		return
	}
	for d.order.Len() > d.maxEntries {
		front := d.order.Front()
		e := front.Value.(*entry)
		d.order.Remove(front)
		delete(d.positions, e.key)
	}
}

// Len returns the current number of tracked keys, for metrics/tests.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Clear empties all tracked state.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order.Init()
	d.positions = make(map[string]*list.Element)
	d.inserts = 0
}
