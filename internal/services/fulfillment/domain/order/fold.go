package order

import (
	"fmt"
	"slices"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Fold applies an order event.
func Fold(state State, evt event.Event) (State, error) {
	switch evt.Type {
	case EventCreated:
		p, err := event.Decode[CreatedPayload](evt)
		if err != nil {
			return state, err
		}
		state.CustomerID = p.CustomerID
		state.Lines = p.Lines
		state.Address = p.Address
		state.PaymentMethod = p.PaymentMethod
		state.TotalCents = p.TotalCents
		state.PaymentID = state.ID
		state.ShipmentID = state.ID
		return enter(state, StatusAwaitingStockReservation, evt), nil

	case EventUpdated:
		p, err := event.Decode[UpdatePayload](evt)
		if err != nil {
			return state, err
		}
		state.Address = p.Address

	case EventStockItemReserved:
		p, err := event.Decode[StockItemReservedPayload](evt)
		if err != nil {
			return state, err
		}
		state.Reserved = append(slices.Clip(state.Reserved), p.ProductID)
		if p.AllReserved {
			return enter(state, StatusStockReserved, evt), nil
		}

	case EventPaymentRequested:
		state.PaymentRequested = true
		return enter(state, StatusAwaitingPayment, evt), nil

	case EventPaymentCompleted:
		p, err := event.Decode[PaymentCompletedPayload](evt)
		if err != nil {
			return state, err
		}
		state.TransactionID = p.TransactionID
		return enter(state, StatusPaymentCompleted, evt), nil

	case EventShipmentRequested:
		return enter(state, StatusAwaitingShipment, evt), nil

	case EventShipped:
		p, err := event.Decode[ShippedPayload](evt)
		if err != nil {
			return state, err
		}
		state.Carrier = p.Carrier
		state.TrackingNumber = p.TrackingNumber
		return enter(state, StatusShipped, evt), nil

	case EventDelivered:
		return enter(state, StatusDelivered, evt), nil

	case EventCompensationStarted:
		p, err := event.Decode[CompensationStartedPayload](evt)
		if err != nil {
			return state, err
		}
		state.Compensation = &Compensation{
			Seq:      evt.Seq,
			Target:   p.Target,
			Trigger:  p.Trigger,
			Reason:   p.Reason,
			Releases: p.Releases,
			Refund:   p.Refund,
		}
		state.ClosingSeq = evt.Seq
		state.PaymentFailed = state.PaymentFailed || p.PaymentFailed
		state.FailureReason = p.Reason

	case EventFailed, EventCancelled:
		p, err := event.Decode[TerminalPayload](evt)
		if err != nil {
			return state, err
		}
		if state.Compensation != nil {
			c := *state.Compensation
			c.Completed = true
			state.Compensation = &c
		}
		if state.ClosingSeq == 0 {
			state.ClosingSeq = evt.Seq
		}
		state.PaymentFailed = state.PaymentFailed || p.PaymentFailed
		state.FailureReason = p.Reason
		target := StatusFailed
		if evt.Type == EventCancelled {
			target = StatusCancelled
		}
		return enter(state, target, evt), nil

	case EventLateReservationReleased:
		p, err := event.Decode[LateReservationPayload](evt)
		if err != nil {
			return state, err
		}
		state.LateReleases = append(slices.Clip(state.LateReleases), p.ProductID)

	case EventLatePaymentRefunded:
		state.LateRefund = true

	default:
		return state, fmt.Errorf("order: unknown event type %s", evt.Type)
	}
	return state, nil
}

func enter(state State, status Status, evt event.Event) State {
	state.Status = status
	state.EnteredSeq = evt.Seq
	return state
}
