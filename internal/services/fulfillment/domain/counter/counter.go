// Package counter is the smallest aggregate: an integer that can be read,
// incremented and overwritten. It exists on first increment or set.
package counter

import (
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Kind is the aggregate type name.
const Kind = "counter"

const (
	CommandFetch     command.Type = "counter.fetch"
	CommandIncrement command.Type = "counter.increment"
	CommandSet       command.Type = "counter.set"

	EventIncremented event.Type = "counter.incremented"
	EventSet         event.Type = "counter.value_set"
)

// State is the folded counter.
type State struct {
	ID    string `json:"id"`
	Value int64  `json:"value"`
}

// IncrementPayload adds By to the counter.
type IncrementPayload struct {
	By int64 `json:"by"`
}

// SetPayload overwrites the counter.
type SetPayload struct {
	Value int64 `json:"value"`
}

// IncrementedPayload is persisted for each increment.
type IncrementedPayload struct {
	By    int64 `json:"by"`
	Value int64 `json:"value"`
}

// Behavior implements engine.Behavior for counters.
type Behavior struct{}

func (Behavior) Kind() string { return Kind }

// Register adds counter commands and events to the registries.
func (Behavior) Register(commands *command.Registry, events *event.Registry) error {
	for _, def := range []command.Definition{
		{Type: CommandFetch, Owner: Kind},
		{Type: CommandIncrement, Owner: Kind, ValidatePayload: validateIncrement},
		{Type: CommandSet, Owner: Kind},
	} {
		if err := commands.Register(def); err != nil {
			return err
		}
	}
	for _, t := range []event.Type{EventIncremented, EventSet} {
		if err := events.Register(event.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	return nil
}

func validateIncrement(raw json.RawMessage) error {
	var p IncrementPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.By == 0 {
		return errors.New("by must not be zero")
	}
	return nil
}

func (Behavior) Initial(id string) State { return State{ID: id} }

// Decide handles counter commands. Fetch is a query and emits nothing.
func (Behavior) Decide(state State, cmd command.Command, now time.Time) command.Decision {
	switch cmd.Type {
	case CommandFetch:
		return command.Decision{}
	case CommandIncrement:
		p, err := command.Decode[IncrementPayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		return command.Emit(cmd, EventIncremented, IncrementedPayload{By: p.By, Value: state.Value + p.By}, now)
	case CommandSet:
		p, err := command.Decode[SetPayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		return command.Emit(cmd, EventSet, p, now)
	}
	return command.Rejectf(apperrors.CodeValidation, "counter does not handle %s", cmd.Type)
}

// Fold applies a counter event.
func (Behavior) Fold(state State, evt event.Event) (State, error) {
	switch evt.Type {
	case EventIncremented:
		p, err := event.Decode[IncrementedPayload](evt)
		if err != nil {
			return state, err
		}
		state.Value += p.By
	case EventSet:
		p, err := event.Decode[SetPayload](evt)
		if err != nil {
			return state, err
		}
		state.Value = p.Value
	}
	return state, nil
}
