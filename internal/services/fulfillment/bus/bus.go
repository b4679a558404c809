// Package bus carries published domain events from the aggregate that
// persisted them to the aggregate kinds that react to them.
//
// Delivery is at-least-once and unordered across streams. Subscribers must
// be idempotent; the saga layer derives deterministic correlation ids from
// each event's stream and sequence so redelivery hits the receiver's
// idempotency record.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("bus is closed")

// Handler receives one delivered event. Errors are logged by the bus; they do
// not stop the subscription.
type Handler func(ctx context.Context, evt event.Event) error

// Publisher publishes persisted events.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Bus is a publish/subscribe channel for domain events.
type Bus interface {
	Publisher
	// Subscribe delivers events whose type is listed in types to h until ctx
	// ends or the bus closes. Subscribers sharing a name share a delivery
	// stream where the broker supports it.
	Subscribe(ctx context.Context, name string, types []event.Type, h Handler) error
	Close() error
}

func encode(evt event.Event) ([]byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.Type, err)
	}
	return raw, nil
}

func decode(raw []byte) (event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return event.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}

func accepts(types []event.Type, t event.Type) bool {
	return slices.Contains(types, t)
}
