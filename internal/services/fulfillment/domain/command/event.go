package command

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// NewEvent builds an event addressed to the command's own aggregate, copying
// the correlation envelope. The sequence number is stamped by the runtime.
func NewEvent(cmd Command, eventType event.Type, payloadJSON []byte, now time.Time) event.Event {
	return event.Event{
		AggregateType: cmd.AggregateType,
		AggregateID:   cmd.AggregateID,
		Type:          eventType,
		Timestamp:     now,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.CausationID,
		PayloadJSON:   json.RawMessage(payloadJSON),
	}
}

// EncodeEvent marshals payload and builds the event with NewEvent.
func EncodeEvent(cmd Command, eventType event.Type, payload any, now time.Time) (event.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return event.Event{}, err
	}
	return NewEvent(cmd, eventType, raw, now), nil
}

// CorrelationFor derives the correlation id of work caused by the event at
// seq in streamID: "<stream>#<seq>", qualified by ":suffix" when one event
// causes several commands. Redelivery and re-fired entry actions derive the
// same id, which the receiver's idempotency record then absorbs.
func CorrelationFor(streamID string, seq uint64, suffix string) string {
	id := streamID + "#" + strconv.FormatUint(seq, 10)
	if suffix != "" {
		id += ":" + suffix
	}
	return id
}

// Caused builds a command for kind/id caused by evt. The payload is a plain
// struct or nil; marshaling it cannot fail.
func Caused(evt event.Event, suffix, kind, id string, t Type, payload any) Command {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Command{
		AggregateType: kind,
		AggregateID:   id,
		Type:          t,
		CorrelationID: CorrelationFor(evt.StreamID(), evt.Seq, suffix),
		CausationID:   evt.CorrelationID,
		PayloadJSON:   raw,
	}
}
