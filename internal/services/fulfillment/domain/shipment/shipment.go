// Package shipment owns carrier booking and delivery progress for an order.
package shipment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/platform/timeouts"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/customer"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/gateway"
)

// Kind is the aggregate type name.
const Kind = "shipment"

const (
	CommandCreate       command.Type = "shipment.create"
	CommandResolve      command.Type = "shipment.resolve"
	CommandUpdateStatus command.Type = "shipment.update_status"

	EventCreated       event.Type = "shipment.created"
	EventScheduled     event.Type = "shipment.scheduled"
	EventFailed        event.Type = "shipment.failed"
	EventStatusUpdated event.Type = "shipment.status_updated"
)

// Status is the shipment lifecycle.
type Status string

const (
	StatusNone      Status = ""
	StatusBooking   Status = "booking"
	StatusScheduled Status = "scheduled"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// progression lists the statuses update_status may move through, in order.
var progression = map[Status]Status{
	StatusScheduled: StatusInTransit,
	StatusInTransit: StatusDelivered,
}

// State is the folded shipment.
type State struct {
	ID             string           `json:"id"`
	OrderID        string           `json:"order_id,omitempty"`
	Address        customer.Address `json:"address"`
	Status         Status           `json:"status,omitempty"`
	CreatedSeq     uint64           `json:"created_seq,omitempty"`
	Carrier        string           `json:"carrier,omitempty"`
	TrackingNumber string           `json:"tracking_number,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
}

// CreatePayload books a shipment for an order.
type CreatePayload struct {
	OrderID string           `json:"order_id"`
	Address customer.Address `json:"address"`
}

// ResolvePayload reports the carrier outcome. A non-empty Reason is a
// failure.
type ResolvePayload struct {
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// UpdateStatusPayload advances delivery progress.
type UpdateStatusPayload struct {
	Status Status `json:"status"`
}

// ScheduledPayload is published when the carrier accepted the booking.
type ScheduledPayload struct {
	OrderID        string `json:"order_id"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

// FailedPayload is published when booking failed.
type FailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// StatusUpdatedPayload is published on every delivery progress change.
type StatusUpdatedPayload struct {
	OrderID string `json:"order_id"`
	Status  Status `json:"status"`
}

// Behavior wires shipments to a carrier.
type Behavior struct {
	Carrier     gateway.Carrier
	Retry       retry.Policy
	CallTimeout time.Duration
	Logger      *logger.Logger
}

var (
	_ engine.Reactor[State]   = Behavior{}
	_ engine.Recoverer[State] = Behavior{}
	_ engine.Stasher[State]   = Behavior{}
)

func (Behavior) Kind() string { return Kind }

func (Behavior) Register(commands *command.Registry, events *event.Registry) error {
	for _, t := range []command.Type{CommandCreate, CommandResolve, CommandUpdateStatus} {
		if err := commands.Register(command.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	for _, t := range []event.Type{EventCreated, EventScheduled, EventFailed, EventStatusUpdated} {
		if err := events.Register(event.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	return nil
}

func (Behavior) Initial(id string) State { return State{ID: id} }

func (Behavior) Decide(state State, cmd command.Command, now time.Time) command.Decision {
	switch cmd.Type {
	case CommandCreate:
		p, err := command.Decode[CreatePayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		p.OrderID = strings.TrimSpace(p.OrderID)
		p.Address = p.Address.Normalize()
		if p.OrderID == "" {
			return command.Rejectf(apperrors.CodeValidation, "order id is required")
		}
		if err := p.Address.Validate(); err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		if state.Status != StatusNone {
			if state.OrderID != p.OrderID {
				return command.Rejectf(apperrors.CodeConflict, "shipment %s belongs to order %s", state.ID, state.OrderID)
			}
			return command.Decision{}
		}
		return command.Emit(cmd, EventCreated, p, now)

	case CommandResolve:
		p, err := command.Decode[ResolvePayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		if state.Status != StatusBooking {
			return command.Decision{}
		}
		if p.Reason == "" && p.TrackingNumber != "" {
			return command.Emit(cmd, EventScheduled, ScheduledPayload{
				OrderID: state.OrderID, Carrier: p.Carrier, TrackingNumber: p.TrackingNumber,
			}, now)
		}
		reason := p.Reason
		if reason == "" {
			reason = "carrier returned no tracking number"
		}
		return command.Emit(cmd, EventFailed, FailedPayload{OrderID: state.OrderID, Reason: reason}, now)

	case CommandUpdateStatus:
		if state.Status == StatusNone {
			return command.Rejectf(apperrors.CodeNotFound, "shipment %s not found", state.ID)
		}
		p, err := command.Decode[UpdateStatusPayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		if p.Status == state.Status {
			return command.Decision{}
		}
		if progression[state.Status] != p.Status {
			return command.Rejectf(apperrors.CodeIllegalTransition, "shipment %s cannot move from %s to %s", state.ID, state.Status, p.Status)
		}
		return command.Emit(cmd, EventStatusUpdated, StatusUpdatedPayload{OrderID: state.OrderID, Status: p.Status}, now)
	}
	return command.Rejectf(apperrors.CodeValidation, "shipment does not handle %s", cmd.Type)
}

func (Behavior) Fold(state State, evt event.Event) (State, error) {
	switch evt.Type {
	case EventCreated:
		p, err := event.Decode[CreatePayload](evt)
		if err != nil {
			return state, err
		}
		state.OrderID = p.OrderID
		state.Address = p.Address
		state.Status = StatusBooking
		state.CreatedSeq = evt.Seq
	case EventScheduled:
		p, err := event.Decode[ScheduledPayload](evt)
		if err != nil {
			return state, err
		}
		state.Status = StatusScheduled
		state.Carrier = p.Carrier
		state.TrackingNumber = p.TrackingNumber
	case EventFailed:
		p, err := event.Decode[FailedPayload](evt)
		if err != nil {
			return state, err
		}
		state.Status = StatusFailed
		state.FailureReason = p.Reason
	case EventStatusUpdated:
		p, err := event.Decode[StatusUpdatedPayload](evt)
		if err != nil {
			return state, err
		}
		state.Status = p.Status
	}
	return state, nil
}

// React books the carrier once the shipment is created.
func (b Behavior) React(state State, evt event.Event) []engine.Effect {
	if evt.Type != EventCreated {
		return nil
	}
	return []engine.Effect{b.book(state, evt.CorrelationID)}
}

// Recover re-books a shipment whose booking was in flight.
func (b Behavior) Recover(state State) []engine.Effect {
	if state.Status != StatusBooking {
		return nil
	}
	return []engine.Effect{b.book(state, "")}
}

// Deferrable holds status updates until booking resolves.
func (Behavior) Deferrable(state State, cmd command.Command) bool {
	return state.Status == StatusBooking && cmd.Type == CommandUpdateStatus
}

func (b Behavior) book(state State, causation string) engine.Effect {
	key := command.CorrelationFor(event.StreamID(Kind, state.ID), state.CreatedSeq, "")
	req := gateway.ScheduleRequest{
		ShipmentID:     state.ID,
		OrderID:        state.OrderID,
		Country:        state.Address.Country,
		PostalCode:     state.Address.PostalCode,
		IdempotencyKey: key,
	}
	timeout := b.CallTimeout
	if timeout <= 0 {
		timeout = timeouts.ExternalCall
	}
	policy := b.Retry
	if policy.Attempts <= 0 {
		policy = retry.External
	}
	carrier := b.Carrier
	log := b.Logger.With("shipment_id", state.ID)

	return engine.Call(timeout, func(ctx context.Context) command.Command {
		var resolve ResolvePayload
		res, err := retry.Do(ctx, policy, func(ctx context.Context) (gateway.ScheduleResult, error) {
			if carrier == nil {
				return gateway.ScheduleResult{}, retry.Permanent(errors.New("no carrier configured"))
			}
			res, err := carrier.Schedule(ctx, req)
			if gateway.Permanent(err) {
				return res, retry.Permanent(err)
			}
			return res, err
		}, func(err error, wait time.Duration) {
			log.Warn("carrier booking failed, retrying", "wait", wait, "error", err)
		})
		if err != nil {
			resolve.Reason = err.Error()
		} else {
			resolve.Carrier = res.Carrier
			resolve.TrackingNumber = res.TrackingNumber
		}
		raw, _ := json.Marshal(resolve)
		return command.Command{
			AggregateType: Kind,
			AggregateID:   state.ID,
			Type:          CommandResolve,
			CorrelationID: key + ":resolve",
			CausationID:   causation,
			PayloadJSON:   raw,
		}
	})
}
