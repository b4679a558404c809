// Package journal defines the durable log contract for aggregate event
// streams and snapshots, and ships an in-memory implementation.
//
// Append is optimistic: the event's Seq must be the stream's next sequence.
// A retried append that finds its own event (same correlation id) already at
// that Seq returns the stored event, so ambiguous writes never duplicate.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

var (
	// ErrSequenceConflict indicates Seq is not the stream's next sequence
	// and is not a retry of the event stored there.
	ErrSequenceConflict = errors.New("stream sequence conflict")
	// ErrSnapshotNotFound indicates the stream has no snapshot yet.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrStreamIDRequired indicates a missing stream id.
	ErrStreamIDRequired = errors.New("stream id is required")
	// ErrClosed indicates the journal has been closed.
	ErrClosed = errors.New("journal is closed")
)

// Snapshot is a point-in-time materialization of one stream.
type Snapshot struct {
	StreamID  string          `json:"stream_id"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal is the durable log and snapshot store shared by all aggregates.
// Implementations must support concurrent appends to disjoint streams.
type Journal interface {
	// Append stores evt at evt.Seq in its stream and returns the stored event.
	Append(ctx context.Context, evt event.Event) (event.Event, error)
	// ReadStream returns up to limit events with Seq > afterSeq, in order.
	ReadStream(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]event.Event, error)
	// SaveSnapshot replaces the stream's snapshot when snap is newer.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LoadLatestSnapshot returns ErrSnapshotNotFound when none exists.
	LoadLatestSnapshot(ctx context.Context, streamID string) (Snapshot, error)
	// SavePublished records the highest sequence published on the bus.
	SavePublished(ctx context.Context, streamID string, seq uint64) error
	// LoadPublished returns 0 when nothing was published yet.
	LoadPublished(ctx context.Context, streamID string) (uint64, error)
	Close() error
}

// SameAppend reports whether stored is the result of a retried append of evt.
func SameAppend(stored, evt event.Event) bool {
	return evt.CorrelationID != "" &&
		stored.CorrelationID == evt.CorrelationID &&
		stored.Type == evt.Type
}
