package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/idempotency"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/replay"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

// snapshotPayload is the JSON document stored in journal snapshots.
type snapshotPayload[S any] struct {
	State       S                   `json:"state"`
	Idempotency []idempotency.Entry `json:"idempotency"`
}

// LoadStats reports what recovery did.
type LoadStats struct {
	SnapshotSeq uint64
	Replayed    int
}

// Load recovers an instance: latest snapshot (if any) and then every later
// event, folded in order.
func Load[S any](ctx context.Context, j journal.Journal, b Behavior[S], id string, capacity int) (*Instance[S], LoadStats, error) {
	inst := NewInstance(b, id, capacity)
	var stats LoadStats

	snap, err := j.LoadLatestSnapshot(ctx, inst.StreamID())
	switch {
	case err == nil:
		var payload snapshotPayload[S]
		if err := json.Unmarshal(snap.Payload, &payload); err != nil {
			return nil, stats, fmt.Errorf("decode snapshot %s@%d: %w", inst.StreamID(), snap.Seq, err)
		}
		inst.State = payload.State
		inst.Seq = snap.Seq
		inst.Idempotency = idempotency.Restore(capacity, payload.Idempotency)
		stats.SnapshotSeq = snap.Seq
	case errors.Is(err, journal.ErrSnapshotNotFound):
	default:
		return nil, stats, fmt.Errorf("load snapshot %s: %w", inst.StreamID(), err)
	}

	applied, err := CatchUp(ctx, j, b, inst)
	stats.Replayed = applied
	if err != nil {
		return nil, stats, err
	}
	return inst, stats, nil
}

// CatchUp folds events appended after inst.Seq.
func CatchUp[S any](ctx context.Context, j journal.Journal, b Behavior[S], inst *Instance[S]) (int, error) {
	result, err := replay.Replay(ctx, j, inst.StreamID(), func(evt event.Event) error {
		return inst.Apply(b, evt)
	}, replay.Options{AfterSeq: inst.Seq})
	if err != nil {
		return result.Applied, fmt.Errorf("replay %s: %w", inst.StreamID(), err)
	}
	return result.Applied, nil
}

// SaveSnapshot persists the instance's current state and idempotency record.
func SaveSnapshot[S any](ctx context.Context, j journal.Journal, inst *Instance[S], now time.Time) error {
	payload, err := json.Marshal(snapshotPayload[S]{
		State:       inst.State,
		Idempotency: inst.Idempotency.Entries(),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", inst.StreamID(), err)
	}
	return j.SaveSnapshot(ctx, journal.Snapshot{
		StreamID:  inst.StreamID(),
		Seq:       inst.Seq,
		Payload:   payload,
		CreatedAt: now,
	})
}

// StateAt returns the event inst persisted at seq and the state right after
// it, as the command that produced it first saw them.
func StateAt[S any](ctx context.Context, j journal.Journal, b Behavior[S], inst *Instance[S], seq uint64) (event.Event, S, error) {
	var zero S
	if seq == 0 || seq > inst.Seq {
		return event.Event{}, zero, fmt.Errorf("seq %d is outside %s@%d", seq, inst.StreamID(), inst.Seq)
	}
	if seq == inst.Seq {
		events, err := j.ReadStream(ctx, inst.StreamID(), seq-1, 1)
		if err != nil {
			return event.Event{}, zero, fmt.Errorf("read %s@%d: %w", inst.StreamID(), seq, err)
		}
		if len(events) != 1 || events[0].Seq != seq {
			return event.Event{}, zero, fmt.Errorf("event %s@%d not found", inst.StreamID(), seq)
		}
		return events[0], inst.State, nil
	}

	state := b.Initial(inst.ID)
	var after uint64
	snap, err := j.LoadLatestSnapshot(ctx, inst.StreamID())
	switch {
	case err == nil && snap.Seq < seq:
		var payload snapshotPayload[S]
		if err := json.Unmarshal(snap.Payload, &payload); err != nil {
			return event.Event{}, zero, fmt.Errorf("decode snapshot %s@%d: %w", inst.StreamID(), snap.Seq, err)
		}
		state, after = payload.State, snap.Seq
	case err == nil, errors.Is(err, journal.ErrSnapshotNotFound):
	default:
		return event.Event{}, zero, fmt.Errorf("load snapshot %s: %w", inst.StreamID(), err)
	}

	var last event.Event
	_, err = replay.Replay(ctx, j, inst.StreamID(), func(evt event.Event) error {
		next, err := b.Fold(state, evt)
		if err != nil {
			return err
		}
		state, last = next, evt
		return nil
	}, replay.Options{AfterSeq: after, UntilSeq: seq})
	if err != nil {
		return event.Event{}, zero, fmt.Errorf("replay %s through %d: %w", inst.StreamID(), seq, err)
	}
	if last.Seq != seq {
		return event.Event{}, zero, fmt.Errorf("event %s@%d not found", inst.StreamID(), seq)
	}
	return last, state, nil
}
