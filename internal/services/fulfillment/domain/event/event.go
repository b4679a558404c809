package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type identifies the event type string, e.g. "order.created".
type Type string

// Event is one persisted fact in an aggregate stream.
type Event struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Seq           uint64          `json:"seq"`
	Type          Type            `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	PayloadJSON   json.RawMessage `json:"payload"`
}

// StreamID returns the journal stream this event belongs to.
func (e Event) StreamID() string {
	return StreamID(e.AggregateType, e.AggregateID)
}

// StreamID joins an aggregate kind and id into a stream id ("order/O1").
func StreamID(kind, id string) string {
	return kind + "/" + id
}

// ParseStreamID splits a stream id produced by StreamID.
func ParseStreamID(streamID string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(streamID, "/")
	if !ok || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}

// Decode unmarshals the event payload into T.
func Decode[T any](evt Event) (T, error) {
	var payload T
	if len(evt.PayloadJSON) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return payload, nil
}
