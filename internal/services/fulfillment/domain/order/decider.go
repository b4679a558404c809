package order

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

const defaultPaymentMethod = "card"

// Decide returns the decision for an order command against current state.
func Decide(state State, cmd command.Command, now time.Time) command.Decision {
	if cmd.Type == CommandCreate {
		return decideCreate(state, cmd, now)
	}
	if state.Status == StatusInitial || state.Status == "" {
		return command.Rejectf(apperrors.CodeNotFound, "order %s not found", state.ID)
	}

	switch cmd.Type {
	case CommandUpdate:
		return decideUpdate(state, cmd, now)
	case CommandCancel:
		return decideCancel(state, cmd, now)
	case CommandRecordStockReserved:
		return decideStockReserved(state, cmd, now)
	case CommandRecordStockFailed:
		return decideStockFailed(state, cmd, now)
	case CommandRequestPayment:
		if state.Closing() {
			return command.Decision{}
		}
		if rejected, ok := step(state, TriggerRequestPayment); !ok {
			return rejected
		}
		return command.Emit(cmd, EventPaymentRequested, PaymentRequestedPayload{
			PaymentID: state.PaymentID, AmountCents: state.TotalCents,
		}, now)
	case CommandRecordPaymentSucceeded:
		return decidePaymentSucceeded(state, cmd, now)
	case CommandRecordPaymentFailed:
		return decidePaymentFailed(state, cmd, now)
	case CommandRequestShipment:
		if state.Closing() {
			return command.Decision{}
		}
		if rejected, ok := step(state, TriggerRequestShipment); !ok {
			return rejected
		}
		return command.Emit(cmd, EventShipmentRequested, ShipmentRequestedPayload{ShipmentID: state.ShipmentID}, now)
	case CommandRecordShipmentScheduled:
		return decideShipmentScheduled(state, cmd, now)
	case CommandRecordShipmentFailed:
		return decideShipmentFailed(state, cmd, now)
	case CommandConfirmDelivery:
		return decideConfirmDelivery(state, cmd, now)
	case CommandTimeout:
		return decideTimeout(state, cmd, now)
	case CommandCompleteCompensation:
		if !state.Compensating() {
			return command.Decision{}
		}
		c := state.Compensation
		return command.Emit(cmd, terminalEvent(c.Target), TerminalPayload{
			Trigger: c.Trigger, Reason: c.Reason, PaymentFailed: state.PaymentFailed,
		}, now)
	}
	return command.Rejectf(apperrors.CodeValidation, "order does not handle %s", cmd.Type)
}

// step checks the transition table. The returned decision is the rejection
// when ok is false.
func step(state State, trigger Trigger) (command.Decision, bool) {
	if _, err := Machine.Next(state.Status, trigger); err != nil {
		return command.Rejectf(apperrors.CodeIllegalTransition, "order %s: %s is not allowed in %s", state.ID, trigger, state.Status), false
	}
	return command.Decision{}, true
}

func decideCreate(state State, cmd command.Command, now time.Time) command.Decision {
	if state.Status != StatusInitial && state.Status != "" {
		return command.Rejectf(apperrors.CodeConflict, "order %s already exists", state.ID)
	}
	p, err := command.Decode[CreatePayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	created, err := normalizeCreate(p)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if rejected, ok := step(State{ID: state.ID, Status: StatusInitial}, TriggerCreate); !ok {
		return rejected
	}
	return command.Emit(cmd, EventCreated, created, now)
}

func normalizeCreate(p CreatePayload) (CreatedPayload, error) {
	out := CreatedPayload{
		CustomerID:    strings.TrimSpace(p.CustomerID),
		Address:       p.Address.Normalize(),
		PaymentMethod: strings.TrimSpace(p.PaymentMethod),
	}
	if out.CustomerID == "" {
		return out, errors.New("customer id is required")
	}
	if len(p.Lines) == 0 {
		return out, errors.New("order needs at least one line")
	}
	if err := out.Address.Validate(); err != nil {
		return out, err
	}
	if out.PaymentMethod == "" {
		out.PaymentMethod = defaultPaymentMethod
	}
	seen := make(map[string]bool, len(p.Lines))
	for i, line := range p.Lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		switch {
		case line.ProductID == "":
			return out, fmt.Errorf("line %d: product id is required", i)
		case seen[line.ProductID]:
			return out, fmt.Errorf("line %d: product %s appears twice", i, line.ProductID)
		case line.Quantity <= 0:
			return out, fmt.Errorf("line %d: quantity must be positive", i)
		case line.UnitPriceCents <= 0:
			return out, fmt.Errorf("line %d: unit price must be positive", i)
		}
		seen[line.ProductID] = true
		out.Lines = append(out.Lines, line)
		out.TotalCents += line.Quantity * line.UnitPriceCents
	}
	return out, nil
}

func decideUpdate(state State, cmd command.Command, now time.Time) command.Decision {
	if state.Closing() {
		return command.Rejectf(apperrors.CodeConflict, "order %s is closing", state.ID)
	}
	switch state.Status {
	case StatusAwaitingStockReservation, StatusStockReserved, StatusAwaitingPayment:
	default:
		return command.Rejectf(apperrors.CodeConflict, "order %s address can no longer change in %s", state.ID, state.Status)
	}
	p, err := command.Decode[UpdatePayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	p.Address = p.Address.Normalize()
	if err := p.Address.Validate(); err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if p.Address == state.Address {
		return command.Decision{}
	}
	return command.Emit(cmd, EventUpdated, p, now)
}

func decideCancel(state State, cmd command.Command, now time.Time) command.Decision {
	if state.Compensating() {
		return command.Rejectf(apperrors.CodeConflict, "order %s is already compensating", state.ID)
	}
	if Machine.Terminal(state.Status) {
		return command.Rejectf(apperrors.CodeConflict, "order %s is already %s", state.ID, state.Status)
	}
	p, err := command.Decode[CancelPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "cancelled by request"
	}
	return unwind(state, cmd, now, TriggerCancel, reason, false)
}

func decideStockReserved(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[StockReservedPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if _, ok := state.Line(p.ProductID); !ok {
		return command.Rejectf(apperrors.CodeConflict, "product %s is not part of order %s", p.ProductID, state.ID)
	}
	if state.IsReserved(p.ProductID) {
		return command.Decision{}
	}
	if state.Closing() {
		if slices.Contains(state.LateReleases, p.ProductID) {
			return command.Decision{}
		}
		return command.Emit(cmd, EventLateReservationReleased, LateReservationPayload{ProductID: p.ProductID}, now)
	}
	if state.Status != StatusAwaitingStockReservation {
		return command.Rejectf(apperrors.CodeIllegalTransition, "order %s: reservation recorded in %s", state.ID, state.Status)
	}
	all := len(state.Reserved)+1 == len(state.Lines)
	if all {
		if rejected, ok := step(state, TriggerAllStockReserved); !ok {
			return rejected
		}
	}
	return command.Emit(cmd, EventStockItemReserved, StockItemReservedPayload{
		ProductID: p.ProductID, Quantity: p.Quantity, AllReserved: all,
	}, now)
}

func decideStockFailed(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[StockFailedPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if _, ok := state.Line(p.ProductID); !ok {
		return command.Rejectf(apperrors.CodeConflict, "product %s is not part of order %s", p.ProductID, state.ID)
	}
	if state.Closing() || state.IsReserved(p.ProductID) {
		return command.Decision{}
	}
	return unwind(state, cmd, now, TriggerStockReservationFailed,
		fmt.Sprintf("stock reservation failed for %s: %s", p.ProductID, reasonOr(p.Reason, "unknown")), false)
}

func decidePaymentSucceeded(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[PaymentSucceededPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if p.PaymentID != state.PaymentID {
		return command.Rejectf(apperrors.CodeConflict, "payment %s is not part of order %s", p.PaymentID, state.ID)
	}
	if state.TransactionID != "" {
		return command.Decision{}
	}
	if state.Closing() {
		planned := state.Compensation != nil && state.Compensation.Refund
		if planned || state.LateRefund {
			return command.Decision{}
		}
		return command.Emit(cmd, EventLatePaymentRefunded, LatePaymentPayload{PaymentID: p.PaymentID}, now)
	}
	if rejected, ok := step(state, TriggerPaymentSucceeded); !ok {
		return rejected
	}
	return command.Emit(cmd, EventPaymentCompleted, PaymentCompletedPayload{
		PaymentID: p.PaymentID, TransactionID: p.TransactionID,
	}, now)
}

func decidePaymentFailed(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[PaymentFailedPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if p.PaymentID != state.PaymentID {
		return command.Rejectf(apperrors.CodeConflict, "payment %s is not part of order %s", p.PaymentID, state.ID)
	}
	if state.Closing() {
		return command.Decision{}
	}
	return unwind(state, cmd, now, TriggerPaymentFailed, "payment failed: "+reasonOr(p.Reason, "unknown"), true)
}

func decideShipmentScheduled(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[ShipmentScheduledPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if p.ShipmentID != state.ShipmentID {
		return command.Rejectf(apperrors.CodeConflict, "shipment %s is not part of order %s", p.ShipmentID, state.ID)
	}
	if state.Closing() || state.Status == StatusShipped {
		return command.Decision{}
	}
	if rejected, ok := step(state, TriggerShipmentScheduled); !ok {
		return rejected
	}
	return command.Emit(cmd, EventShipped, ShippedPayload{
		ShipmentID: p.ShipmentID, Carrier: p.Carrier, TrackingNumber: p.TrackingNumber,
	}, now)
}

func decideShipmentFailed(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[ShipmentFailedPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if p.ShipmentID != state.ShipmentID {
		return command.Rejectf(apperrors.CodeConflict, "shipment %s is not part of order %s", p.ShipmentID, state.ID)
	}
	if state.Closing() {
		return command.Decision{}
	}
	return unwind(state, cmd, now, TriggerShipmentFailed, "shipment failed: "+reasonOr(p.Reason, "unknown"), false)
}

func decideConfirmDelivery(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[ConfirmDeliveryPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if p.ShipmentID != state.ShipmentID {
		return command.Rejectf(apperrors.CodeConflict, "shipment %s is not part of order %s", p.ShipmentID, state.ID)
	}
	if state.Closing() {
		return command.Decision{}
	}
	if rejected, ok := step(state, TriggerDeliveryConfirmed); !ok {
		return rejected
	}
	return command.Emit(cmd, EventDelivered, DeliveredPayload{ShipmentID: p.ShipmentID}, now)
}

func decideTimeout(state State, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[TimeoutPayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	if state.Closing() || p.State != state.Status {
		// The order moved on before the timer fired.
		return command.Decision{}
	}
	return unwind(state, cmd, now, TriggerTimeout, fmt.Sprintf("saga timed out in %s", state.Status), false)
}

// unwind validates trigger against the table and persists either the
// compensation plan or, when there is nothing to undo, the terminal event.
func unwind(state State, cmd command.Command, now time.Time, trigger Trigger, reason string, paymentFailed bool) command.Decision {
	target, err := Machine.Next(state.Status, trigger)
	if err != nil {
		return command.Rejectf(apperrors.CodeIllegalTransition, "order %s: %s is not allowed in %s", state.ID, trigger, state.Status)
	}
	paymentFailed = paymentFailed || state.PaymentFailed
	plan := CompensationStartedPayload{
		Target:        target,
		Trigger:       trigger,
		Reason:        reason,
		Releases:      append([]string(nil), state.Reserved...),
		Refund:        state.PaymentRequested && !paymentFailed,
		PaymentFailed: paymentFailed,
	}
	if len(plan.Releases) == 0 && !plan.Refund {
		return command.Emit(cmd, terminalEvent(target), TerminalPayload{
			Trigger: trigger, Reason: reason, PaymentFailed: paymentFailed,
		}, now)
	}
	return command.Emit(cmd, EventCompensationStarted, plan, now)
}

func terminalEvent(target Status) event.Type {
	if target == StatusCancelled {
		return EventCancelled
	}
	return EventFailed
}

func reasonOr(reason, fallback string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return fallback
}
