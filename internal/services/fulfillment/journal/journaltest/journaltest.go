// Package journaltest holds the behavioral contract every journal backend
// must satisfy.
package journaltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

// Factory opens a fresh, empty journal for one subtest.
type Factory func(t *testing.T) journal.Journal

// Run executes the contract against journals produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, journal.Journal)
	}{
		{"append and read in order", testAppendAndRead},
		{"retried append returns stored event", testRetriedAppend},
		{"sequence conflict", testSequenceConflict},
		{"read paging", testReadPaging},
		{"snapshots keep latest", testSnapshots},
		{"published watermark", testPublished},
		{"concurrent disjoint streams", testConcurrentStreams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := open(t)
			t.Cleanup(func() { _ = j.Close() })
			tc.fn(t, j)
		})
	}
}

// Event builds a test event for stream kind/id.
func Event(kind, id string, seq uint64, correlationID string) event.Event {
	return event.Event{
		AggregateType: kind,
		AggregateID:   id,
		Seq:           seq,
		Type:          event.Type(kind + ".touched"),
		Timestamp:     time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
		CorrelationID: correlationID,
		CausationID:   "cause-" + correlationID,
		PayloadJSON:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, seq)),
	}
}

func testAppendAndRead(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		stored, err := j.Append(ctx, Event("order", "O1", seq, fmt.Sprintf("c%d", seq)))
		if err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
		if stored.Seq != seq {
			t.Fatalf("stored seq = %d, want %d", stored.Seq, seq)
		}
	}
	if _, err := j.Append(ctx, Event("order", "O2", 1, "other")); err != nil {
		t.Fatalf("append other stream: %v", err)
	}

	events, err := j.ReadStream(ctx, "order/O1", 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("seqs = %d,%d, want 2,3", events[0].Seq, events[1].Seq)
	}
	got := events[0]
	if got.Type != "order.touched" || got.CorrelationID != "c2" || got.CausationID != "cause-c2" {
		t.Fatalf("event envelope = %+v", got)
	}
	if !got.Timestamp.Equal(time.Date(2026, 1, 1, 0, 0, 2, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", got.Timestamp)
	}
	var payload struct{ N int }
	if err := json.Unmarshal(got.PayloadJSON, &payload); err != nil || payload.N != 2 {
		t.Fatalf("payload = %s (%v)", got.PayloadJSON, err)
	}

	empty, err := j.ReadStream(ctx, "order/missing", 0, 10)
	if err != nil {
		t.Fatalf("read missing: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("missing stream events = %d, want 0", len(empty))
	}
}

func testRetriedAppend(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	first := Event("payment", "P1", 1, "corr-1")
	if _, err := j.Append(ctx, first); err != nil {
		t.Fatalf("append: %v", err)
	}
	retry := first
	retry.Timestamp = retry.Timestamp.Add(time.Minute)
	stored, err := j.Append(ctx, retry)
	if err != nil {
		t.Fatalf("retried append: %v", err)
	}
	if !stored.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("retried append returned %v, want original %v", stored.Timestamp, first.Timestamp)
	}
	events, err := j.ReadStream(ctx, "payment/P1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
}

func testSequenceConflict(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	if _, err := j.Append(ctx, Event("product", "P1", 1, "a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := j.Append(ctx, Event("product", "P1", 1, "b")); !errors.Is(err, journal.ErrSequenceConflict) {
		t.Fatalf("occupied seq err = %v, want conflict", err)
	}
	if _, err := j.Append(ctx, Event("product", "P1", 3, "c")); !errors.Is(err, journal.ErrSequenceConflict) {
		t.Fatalf("gap err = %v, want conflict", err)
	}
	if _, err := j.Append(ctx, Event("product", "P1", 1, "")); !errors.Is(err, journal.ErrSequenceConflict) {
		t.Fatalf("uncorrelated retry err = %v, want conflict", err)
	}
}

func testReadPaging(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	for seq := uint64(1); seq <= 5; seq++ {
		if _, err := j.Append(ctx, Event("counter", "C1", seq, fmt.Sprintf("c%d", seq))); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	page, err := j.ReadStream(ctx, "counter/C1", 2, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Fatalf("page = %+v, want seqs 3,4", page)
	}
	tail, err := j.ReadStream(ctx, "counter/C1", 5, 2)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if len(tail) != 0 {
		t.Fatalf("tail = %d, want 0", len(tail))
	}
}

func testSnapshots(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	if _, err := j.LoadLatestSnapshot(ctx, "order/O1"); !errors.Is(err, journal.ErrSnapshotNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, seq := range []uint64{25, 50, 40} {
		snap := journal.Snapshot{
			StreamID:  "order/O1",
			Seq:       seq,
			Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
			CreatedAt: now,
		}
		if err := j.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("save snapshot %d: %v", seq, err)
		}
	}
	snap, err := j.LoadLatestSnapshot(ctx, "order/O1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.Seq != 50 {
		t.Fatalf("snapshot seq = %d, want 50", snap.Seq)
	}
	var payload struct{ Seq int }
	if err := json.Unmarshal(snap.Payload, &payload); err != nil || payload.Seq != 50 {
		t.Fatalf("snapshot payload = %s (%v)", snap.Payload, err)
	}
}

func testPublished(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	seq, err := j.LoadPublished(ctx, "order/O1")
	if err != nil {
		t.Fatalf("load published: %v", err)
	}
	if seq != 0 {
		t.Fatalf("published = %d, want 0", seq)
	}
	for _, s := range []uint64{3, 7, 5} {
		if err := j.SavePublished(ctx, "order/O1", s); err != nil {
			t.Fatalf("save published %d: %v", s, err)
		}
	}
	seq, err = j.LoadPublished(ctx, "order/O1")
	if err != nil {
		t.Fatalf("load published: %v", err)
	}
	if seq != 7 {
		t.Fatalf("published = %d, want 7", seq)
	}
}

func testConcurrentStreams(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	const streams, perStream = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for s := 0; s < streams; s++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for seq := uint64(1); seq <= perStream; seq++ {
				if _, err := j.Append(ctx, Event("counter", id, seq, fmt.Sprintf("%s-%d", id, seq))); err != nil {
					errs <- err
					return
				}
			}
		}(fmt.Sprintf("C%d", s))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}
	for s := 0; s < streams; s++ {
		events, err := j.ReadStream(ctx, fmt.Sprintf("counter/C%d", s), 0, 0)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(events) != perStream {
			t.Fatalf("stream C%d events = %d, want %d", s, len(events), perStream)
		}
	}
}
