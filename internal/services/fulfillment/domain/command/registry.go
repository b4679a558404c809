package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAggregateTypeRequired indicates a missing aggregate type.
	ErrAggregateTypeRequired = errors.New("aggregate type is required")
	// ErrAggregateIDRequired indicates a missing aggregate id.
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	// ErrTypeRequired indicates a missing command type.
	ErrTypeRequired = errors.New("command type is required")
	// ErrTypeUnknown indicates an unregistered command type.
	ErrTypeUnknown = errors.New("command type is not registered")
	// ErrOwnerMismatch indicates a command addressed to the wrong aggregate kind.
	ErrOwnerMismatch = errors.New("command type is not handled by aggregate type")
	// ErrCorrelationIDRequired indicates a missing correlation id.
	ErrCorrelationIDRequired = errors.New("correlation id is required")
	// ErrPayloadInvalid indicates malformed payload JSON.
	ErrPayloadInvalid = errors.New("payload json must be valid")
)

// Type identifies the command type string, e.g. "order.create".
type Type string

// Command captures the canonical command envelope.
type Command struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Type          Type            `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	PayloadJSON   json.RawMessage `json:"payload,omitempty"`
}

// New builds a command with payload marshaled to JSON.
func New(kind, id string, t Type, correlationID string, payload any) (Command, error) {
	cmd := Command{
		AggregateType: kind,
		AggregateID:   id,
		Type:          t,
		CorrelationID: correlationID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		cmd.PayloadJSON = raw
	}
	return cmd, nil
}

// Decode unmarshals the command payload into T.
func Decode[T any](cmd Command) (T, error) {
	var payload T
	if len(cmd.PayloadJSON) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", cmd.Type, err)
	}
	return payload, nil
}

// PayloadValidator validates a payload JSON document.
type PayloadValidator func(json.RawMessage) error

// Definition registers metadata for a command type.
type Definition struct {
	Type Type
	// Owner is the aggregate kind that handles this type.
	Owner           string
	ValidatePayload PayloadValidator
}

// Registry stores command definitions and validates commands.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// Register adds a new command type definition to the registry.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return ErrTypeRequired
	}
	def.Owner = strings.TrimSpace(def.Owner)
	if def.Owner == "" {
		return fmt.Errorf("owner is required for %s", def.Type)
	}
	if r.definitions == nil {
		r.definitions = make(map[Type]Definition)
	}
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("command type already registered: %s", def.Type)
	}
	r.definitions[def.Type] = def
	return nil
}

// Registered reports whether t has a definition.
func (r *Registry) Registered(t Type) bool {
	if r == nil {
		return false
	}
	_, ok := r.definitions[t]
	return ok
}

// ValidateForDecision validates and normalizes a command before decision handling.
func (r *Registry) ValidateForDecision(cmd Command) (Command, error) {
	cmd.AggregateType = strings.TrimSpace(cmd.AggregateType)
	if cmd.AggregateType == "" {
		return Command{}, ErrAggregateTypeRequired
	}
	cmd.AggregateID = strings.TrimSpace(cmd.AggregateID)
	if cmd.AggregateID == "" {
		return Command{}, ErrAggregateIDRequired
	}
	cmd.Type = Type(strings.TrimSpace(string(cmd.Type)))
	if cmd.Type == "" {
		return Command{}, ErrTypeRequired
	}
	def, ok := r.definitions[cmd.Type]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrTypeUnknown, cmd.Type)
	}
	if def.Owner != cmd.AggregateType {
		return Command{}, fmt.Errorf("%w: %s on %s", ErrOwnerMismatch, cmd.Type, cmd.AggregateType)
	}
	cmd.CorrelationID = strings.TrimSpace(cmd.CorrelationID)
	if cmd.CorrelationID == "" {
		return Command{}, ErrCorrelationIDRequired
	}
	cmd.CausationID = strings.TrimSpace(cmd.CausationID)

	if len(cmd.PayloadJSON) == 0 {
		cmd.PayloadJSON = json.RawMessage("{}")
	}
	if !json.Valid(cmd.PayloadJSON) {
		return Command{}, ErrPayloadInvalid
	}
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(cmd.PayloadJSON); err != nil {
			return Command{}, fmt.Errorf("payload invalid: %w", err)
		}
	}
	return cmd, nil
}
