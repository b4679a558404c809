package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRegistryValidateForAppend(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: "counter.incremented", Owner: "counter"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	evt, err := registry.ValidateForAppend(Event{
		AggregateType: " counter ",
		AggregateID:   "c1",
		Seq:           1,
		Type:          "counter.incremented",
		Timestamp:     time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)),
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if evt.AggregateType != "counter" {
		t.Fatalf("aggregate type = %q, want counter", evt.AggregateType)
	}
	if string(evt.PayloadJSON) != "{}" {
		t.Fatalf("payload = %s, want {}", evt.PayloadJSON)
	}
	if evt.Timestamp.Location() != time.UTC {
		t.Fatal("expected UTC timestamp")
	}
}

func TestRegistryRejectsInvalidEvents(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(Definition{Type: "counter.incremented", Owner: "counter"})

	base := Event{AggregateType: "counter", AggregateID: "c1", Seq: 1, Type: "counter.incremented"}
	tests := []struct {
		name   string
		mutate func(*Event)
		want   error
	}{
		{"missing kind", func(e *Event) { e.AggregateType = "" }, ErrAggregateTypeRequired},
		{"missing id", func(e *Event) { e.AggregateID = " " }, ErrAggregateIDRequired},
		{"missing seq", func(e *Event) { e.Seq = 0 }, ErrSeqRequired},
		{"unknown type", func(e *Event) { e.Type = "counter.exploded" }, ErrTypeUnknown},
		{"wrong owner", func(e *Event) { e.AggregateType = "order" }, ErrOwnerMismatch},
		{"bad payload", func(e *Event) { e.PayloadJSON = json.RawMessage("{") }, ErrPayloadInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := base
			tt.mutate(&evt)
			if _, err := registry.ValidateForAppend(evt); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistryRejectsDuplicateDefinition(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: "a.b", Owner: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(Definition{Type: "a.b", Owner: "a"}); err == nil {
		t.Fatal("expected error")
	}
	if err := registry.Register(Definition{Type: "a.c"}); err == nil {
		t.Fatal("expected missing owner error")
	}
}

func TestStreamIDRoundTrip(t *testing.T) {
	kind, id, ok := ParseStreamID(StreamID("order", "O-1/x"))
	if !ok || kind != "order" || id != "O-1/x" {
		t.Fatalf("parse = %q %q %v, want order O-1/x true", kind, id, ok)
	}
	if _, _, ok := ParseStreamID("order"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestDecode(t *testing.T) {
	type payload struct {
		By int `json:"by"`
	}
	got, err := Decode[payload](Event{Type: "counter.incremented", PayloadJSON: json.RawMessage(`{"by":3}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.By != 3 {
		t.Fatalf("by = %d, want 3", got.By)
	}
	if _, err := Decode[payload](Event{PayloadJSON: json.RawMessage(`[`)}); err == nil {
		t.Fatal("expected error")
	}
}
