package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Memory is a process-local journal. Several nodes of an in-process cluster
// may share one instance.
type Memory struct {
	mu        sync.RWMutex
	streams   map[string][]event.Event
	snapshots map[string]Snapshot
	published map[string]uint64
	closed    bool
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{
		streams:   make(map[string][]event.Event),
		snapshots: make(map[string]Snapshot),
		published: make(map[string]uint64),
	}
}

func (m *Memory) check(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if m == nil {
		return errors.New("journal is required")
	}
	return nil
}

// Append stores evt if evt.Seq is the next sequence of its stream.
func (m *Memory) Append(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := m.check(ctx); err != nil {
		return event.Event{}, err
	}
	streamID := evt.StreamID()
	if strings.TrimSpace(evt.AggregateType) == "" || strings.TrimSpace(evt.AggregateID) == "" {
		return event.Event{}, ErrStreamIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return event.Event{}, ErrClosed
	}

	stream := m.streams[streamID]
	next := uint64(len(stream)) + 1
	switch {
	case evt.Seq == next:
		stored := cloneEvent(evt)
		m.streams[streamID] = append(stream, stored)
		return cloneEvent(stored), nil
	case evt.Seq > 0 && evt.Seq < next:
		existing := stream[evt.Seq-1]
		if SameAppend(existing, evt) {
			return cloneEvent(existing), nil
		}
		return event.Event{}, fmt.Errorf("%w: %s seq %d is taken", ErrSequenceConflict, streamID, evt.Seq)
	default:
		return event.Event{}, fmt.Errorf("%w: %s expected seq %d got %d", ErrSequenceConflict, streamID, next, evt.Seq)
	}
}

// ReadStream returns events with Seq > afterSeq.
func (m *Memory) ReadStream(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, ErrStreamIDRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	stream := m.streams[streamID]
	if afterSeq >= uint64(len(stream)) {
		return nil, nil
	}
	tail := stream[afterSeq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]event.Event, len(tail))
	for i, evt := range tail {
		out[i] = cloneEvent(evt)
	}
	return out, nil
}

// SaveSnapshot keeps only the newest snapshot per stream.
func (m *Memory) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	snap.StreamID = strings.TrimSpace(snap.StreamID)
	if snap.StreamID == "" {
		return ErrStreamIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.snapshots[snap.StreamID]; ok && current.Seq >= snap.Seq {
		return nil
	}
	snap.Payload = append([]byte(nil), snap.Payload...)
	m.snapshots[snap.StreamID] = snap
	return nil
}

// LoadLatestSnapshot returns the stream's snapshot.
func (m *Memory) LoadLatestSnapshot(ctx context.Context, streamID string) (Snapshot, error) {
	if err := m.check(ctx); err != nil {
		return Snapshot{}, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return Snapshot{}, ErrStreamIDRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[streamID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	snap.Payload = append([]byte(nil), snap.Payload...)
	return snap, nil
}

// SavePublished advances the publication watermark; it never moves back.
func (m *Memory) SavePublished(ctx context.Context, streamID string, seq uint64) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return ErrStreamIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.published[streamID] {
		m.published[streamID] = seq
	}
	return nil
}

// LoadPublished returns the publication watermark.
func (m *Memory) LoadPublished(ctx context.Context, streamID string) (uint64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return 0, ErrStreamIDRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published[streamID], nil
}

// Close marks the journal closed for appends.
func (m *Memory) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// StreamLen returns how many events a stream holds.
func (m *Memory) StreamLen(streamID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams[streamID])
}

func cloneEvent(evt event.Event) event.Event {
	evt.PayloadJSON = append([]byte(nil), evt.PayloadJSON...)
	return evt
}
