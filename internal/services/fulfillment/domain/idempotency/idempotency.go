// Package idempotency keeps the per-aggregate record of applied correlation
// ids and the outcome each one produced.
//
// The record is derived from the event stream: every persisted event
// registers its correlation id, so replay rebuilds it exactly and snapshots
// carry it verbatim. Retention is a bounded LRU ordered by event sequence;
// lookups never change recency, which keeps eviction a pure function of the
// stream.
package idempotency

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// DefaultCapacity bounds how many correlation ids one aggregate remembers.
const DefaultCapacity = 1024

// Outcome is the cached result of an accepted command.
type Outcome struct {
	Seq       uint64     `json:"seq"`
	EventType event.Type `json:"event_type"`
}

// Entry is one correlation id and its outcome, used for snapshots.
type Entry struct {
	CorrelationID string  `json:"correlation_id"`
	Outcome       Outcome `json:"outcome"`
}

// Record is the bounded correlation id set of one aggregate. It is owned by
// the aggregate's actor and is not safe for concurrent use.
type Record struct {
	capacity int
	entries  *simplelru.LRU[string, Outcome]
}

// New creates an empty record holding at most capacity ids.
func New(capacity int) *Record {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := simplelru.NewLRU[string, Outcome](capacity, nil)
	if err != nil {
		// NewLRU only fails for non-positive sizes.
		panic(fmt.Sprintf("idempotency: %v", err))
	}
	return &Record{capacity: capacity, entries: entries}
}

// Capacity returns the retention bound.
func (r *Record) Capacity() int {
	return r.capacity
}

// Lookup returns the cached outcome for correlationID.
func (r *Record) Lookup(correlationID string) (Outcome, bool) {
	if r == nil || correlationID == "" {
		return Outcome{}, false
	}
	return r.entries.Peek(correlationID)
}

// Observe registers the correlation id of a persisted event. The first event
// for a correlation id wins.
func (r *Record) Observe(evt event.Event) {
	if r == nil || evt.CorrelationID == "" {
		return
	}
	if r.entries.Contains(evt.CorrelationID) {
		return
	}
	r.entries.Add(evt.CorrelationID, Outcome{Seq: evt.Seq, EventType: evt.Type})
}

// Len returns the number of remembered ids.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return r.entries.Len()
}

// Entries lists remembered ids from oldest to newest.
func (r *Record) Entries() []Entry {
	if r == nil {
		return nil
	}
	keys := r.entries.Keys()
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		outcome, ok := r.entries.Peek(key)
		if !ok {
			continue
		}
		out = append(out, Entry{CorrelationID: key, Outcome: outcome})
	}
	return out
}

// Restore rebuilds a record from snapshot entries, oldest first.
func Restore(capacity int, entries []Entry) *Record {
	r := New(capacity)
	for _, entry := range entries {
		if entry.CorrelationID == "" {
			continue
		}
		r.entries.Add(entry.CorrelationID, entry.Outcome)
	}
	return r
}
