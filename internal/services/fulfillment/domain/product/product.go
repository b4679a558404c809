// Package product owns catalog entries and their stock ledger.
//
// Stock is reserved per order: the ledger maps order id to reserved
// quantity, so a reservation or release for the same order is applied at
// most once no matter how often the command is redelivered. Available stock
// never goes negative.
package product

import (
	"errors"
	"maps"
	"sort"
	"strings"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Kind is the aggregate type name.
const Kind = "product"

const (
	CommandCreate    command.Type = "product.create"
	CommandReserve   command.Type = "product.reserve"
	CommandRelease   command.Type = "product.release"
	CommandReplenish command.Type = "product.replenish"

	EventCreated                event.Type = "product.created"
	EventStockReserved          event.Type = "product.stock_reserved"
	EventStockReservationFailed event.Type = "product.stock_reservation_failed"
	EventStockReleased          event.Type = "product.stock_released"
	EventReplenished            event.Type = "product.replenished"
)

// ReasonOutOfStock is the failure reason when available stock is short.
const ReasonOutOfStock = "out of stock"

// ReasonReleased is the failure reason when the order's reservation was
// already released by compensation.
const ReasonReleased = "reservation released"

// State is the folded product.
type State struct {
	ID         string `json:"id"`
	Created    bool   `json:"created"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Available  int64  `json:"available"`
	// Reservations maps order id to reserved quantity.
	Reservations map[string]int64 `json:"reservations,omitempty"`
	// Released holds order ids whose reservation was released.
	Released map[string]bool `json:"released,omitempty"`
}

// Reserved returns the total reserved quantity.
func (s State) Reserved() int64 {
	var total int64
	for _, q := range s.Reservations {
		total += q
	}
	return total
}

// ReservedOrders lists orders holding a reservation, sorted.
func (s State) ReservedOrders() []string {
	out := make([]string, 0, len(s.Reservations))
	for id := range s.Reservations {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreatePayload registers a product with its initial stock.
type CreatePayload struct {
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Stock      int64  `json:"stock"`
}

// ReservePayload reserves Quantity units for OrderID.
type ReservePayload struct {
	OrderID  string `json:"order_id"`
	Quantity int64  `json:"quantity"`
}

// ReleasePayload returns OrderID's reservation to available stock.
type ReleasePayload struct {
	OrderID string `json:"order_id"`
}

// ReplenishPayload adds Quantity units.
type ReplenishPayload struct {
	Quantity int64 `json:"quantity"`
}

// StockReservedPayload is published when a reservation succeeds.
type StockReservedPayload struct {
	OrderID  string `json:"order_id"`
	Quantity int64  `json:"quantity"`
}

// StockReservationFailedPayload is published when a reservation fails.
type StockReservationFailedPayload struct {
	OrderID   string `json:"order_id"`
	Quantity  int64  `json:"quantity"`
	Available int64  `json:"available"`
	Reason    string `json:"reason"`
}

// StockReleasedPayload records a release. Quantity is zero when the order
// never held a reservation; the release still blocks later reservations.
type StockReleasedPayload struct {
	OrderID  string `json:"order_id"`
	Quantity int64  `json:"quantity"`
}

// Behavior implements engine.Behavior for products.
type Behavior struct{}

func (Behavior) Kind() string { return Kind }

func (Behavior) Register(commands *command.Registry, events *event.Registry) error {
	for _, t := range []command.Type{CommandCreate, CommandReserve, CommandRelease, CommandReplenish} {
		if err := commands.Register(command.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	for _, t := range []event.Type{EventCreated, EventStockReserved, EventStockReservationFailed, EventStockReleased, EventReplenished} {
		if err := events.Register(event.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	return nil
}

func (Behavior) Initial(id string) State { return State{ID: id} }

func (Behavior) Decide(state State, cmd command.Command, now time.Time) command.Decision {
	if cmd.Type == CommandCreate {
		if state.Created {
			return command.Rejectf(apperrors.CodeConflict, "product %s already exists", state.ID)
		}
		p, err := command.Decode[CreatePayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		p.Name = strings.TrimSpace(p.Name)
		if err := validateCreate(p); err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		return command.Emit(cmd, EventCreated, p, now)
	}
	if !state.Created {
		return command.Rejectf(apperrors.CodeNotFound, "product %s not found", state.ID)
	}

	switch cmd.Type {
	case CommandReserve:
		p, err := command.Decode[ReservePayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		p.OrderID = strings.TrimSpace(p.OrderID)
		if p.OrderID == "" || p.Quantity <= 0 {
			return command.Rejectf(apperrors.CodeValidation, "order id and a positive quantity are required")
		}
		if _, ok := state.Reservations[p.OrderID]; ok {
			return command.Decision{}
		}
		if state.Released[p.OrderID] {
			return command.Emit(cmd, EventStockReservationFailed, StockReservationFailedPayload{
				OrderID: p.OrderID, Quantity: p.Quantity, Available: state.Available, Reason: ReasonReleased,
			}, now)
		}
		if state.Available < p.Quantity {
			return command.Emit(cmd, EventStockReservationFailed, StockReservationFailedPayload{
				OrderID: p.OrderID, Quantity: p.Quantity, Available: state.Available, Reason: ReasonOutOfStock,
			}, now)
		}
		return command.Emit(cmd, EventStockReserved, StockReservedPayload{OrderID: p.OrderID, Quantity: p.Quantity}, now)

	case CommandRelease:
		p, err := command.Decode[ReleasePayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		p.OrderID = strings.TrimSpace(p.OrderID)
		if p.OrderID == "" {
			return command.Rejectf(apperrors.CodeValidation, "order id is required")
		}
		if state.Released[p.OrderID] {
			return command.Decision{}
		}
		return command.Emit(cmd, EventStockReleased, StockReleasedPayload{
			OrderID: p.OrderID, Quantity: state.Reservations[p.OrderID],
		}, now)

	case CommandReplenish:
		p, err := command.Decode[ReplenishPayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		if p.Quantity <= 0 {
			return command.Rejectf(apperrors.CodeValidation, "quantity must be positive")
		}
		return command.Emit(cmd, EventReplenished, p, now)
	}
	return command.Rejectf(apperrors.CodeValidation, "product does not handle %s", cmd.Type)
}

func validateCreate(p CreatePayload) error {
	switch {
	case p.Name == "":
		return errors.New("name is required")
	case p.PriceCents <= 0:
		return errors.New("price must be positive")
	case p.Stock < 0:
		return errors.New("stock must not be negative")
	}
	return nil
}

func (Behavior) Fold(state State, evt event.Event) (State, error) {
	switch evt.Type {
	case EventCreated:
		p, err := event.Decode[CreatePayload](evt)
		if err != nil {
			return state, err
		}
		state.Created = true
		state.Name = p.Name
		state.PriceCents = p.PriceCents
		state.Available = p.Stock
	case EventStockReserved:
		p, err := event.Decode[StockReservedPayload](evt)
		if err != nil {
			return state, err
		}
		state.Reservations = maps.Clone(state.Reservations)
		if state.Reservations == nil {
			state.Reservations = make(map[string]int64)
		}
		state.Reservations[p.OrderID] = p.Quantity
		state.Available -= p.Quantity
	case EventStockReleased:
		p, err := event.Decode[StockReleasedPayload](evt)
		if err != nil {
			return state, err
		}
		if q, ok := state.Reservations[p.OrderID]; ok {
			state.Available += q
			state.Reservations = maps.Clone(state.Reservations)
			delete(state.Reservations, p.OrderID)
		}
		state.Released = maps.Clone(state.Released)
		if state.Released == nil {
			state.Released = make(map[string]bool)
		}
		state.Released[p.OrderID] = true
	case EventReplenished:
		p, err := event.Decode[ReplenishPayload](evt)
		if err != nil {
			return state, err
		}
		state.Available += p.Quantity
	}
	return state, nil
}
