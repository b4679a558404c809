package idempotency

import (
	"reflect"
	"testing"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

func TestObserveAndLookup(t *testing.T) {
	record := New(4)
	record.Observe(event.Event{Seq: 1, Type: "order.created", CorrelationID: "c1"})
	record.Observe(event.Event{Seq: 2, Type: "order.updated"})

	outcome, ok := record.Lookup("c1")
	if !ok {
		t.Fatal("expected c1 to be remembered")
	}
	if outcome.Seq != 1 || outcome.EventType != "order.created" {
		t.Fatalf("outcome = %+v, want seq 1 order.created", outcome)
	}
	if record.Len() != 1 {
		t.Fatalf("len = %d, want 1", record.Len())
	}
	if _, ok := record.Lookup(""); ok {
		t.Fatal("empty correlation id must never match")
	}
}

func TestObserveKeepsFirstOutcome(t *testing.T) {
	record := New(4)
	record.Observe(event.Event{Seq: 1, Type: "a", CorrelationID: "c1"})
	record.Observe(event.Event{Seq: 9, Type: "b", CorrelationID: "c1"})
	outcome, _ := record.Lookup("c1")
	if outcome.Seq != 1 {
		t.Fatalf("seq = %d, want 1", outcome.Seq)
	}
}

func TestEvictionFollowsStreamOrderOnly(t *testing.T) {
	record := New(2)
	record.Observe(event.Event{Seq: 1, Type: "a", CorrelationID: "c1"})
	record.Observe(event.Event{Seq: 2, Type: "a", CorrelationID: "c2"})
	// Lookups must not refresh recency.
	record.Lookup("c1")
	record.Observe(event.Event{Seq: 3, Type: "a", CorrelationID: "c3"})

	if _, ok := record.Lookup("c1"); ok {
		t.Fatal("expected c1 to be evicted")
	}
	if _, ok := record.Lookup("c2"); !ok {
		t.Fatal("expected c2 to be retained")
	}
}

func TestEntriesRestoreRoundTrip(t *testing.T) {
	record := New(3)
	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		record.Observe(event.Event{Seq: uint64(i + 1), Type: "a", CorrelationID: id})
	}
	restored := Restore(3, record.Entries())
	if !reflect.DeepEqual(restored.Entries(), record.Entries()) {
		t.Fatalf("restored = %+v, want %+v", restored.Entries(), record.Entries())
	}

	// Continuing both records with the same event must evict the same id.
	next := event.Event{Seq: 5, Type: "a", CorrelationID: "c5"}
	record.Observe(next)
	restored.Observe(next)
	if !reflect.DeepEqual(restored.Entries(), record.Entries()) {
		t.Fatalf("diverged after observe: %+v vs %+v", restored.Entries(), record.Entries())
	}
}

func TestNewDefaultsCapacity(t *testing.T) {
	if got := New(0).Capacity(); got != DefaultCapacity {
		t.Fatalf("capacity = %d, want %d", got, DefaultCapacity)
	}
}
