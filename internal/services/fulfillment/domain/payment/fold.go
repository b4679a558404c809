package payment

import (
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Fold applies a payment event.
func Fold(state State, evt event.Event) (State, error) {
	switch evt.Type {
	case EventInitiated:
		p, err := event.Decode[InitiatedPayload](evt)
		if err != nil {
			return state, err
		}
		state.OrderID = p.OrderID
		state.AmountCents = p.AmountCents
		state.Method = p.Method
		state.Attempts = p.Attempt
		state.AttemptSeq = evt.Seq
		state.Status = StatusPending
		state.FailureReason = ""
	case EventSucceeded:
		p, err := event.Decode[SucceededPayload](evt)
		if err != nil {
			return state, err
		}
		state.Status = StatusSucceeded
		state.TransactionID = p.TransactionID
	case EventFailed:
		p, err := event.Decode[FailedPayload](evt)
		if err != nil {
			return state, err
		}
		state.Status = StatusFailed
		state.FailureReason = p.Reason
	case EventRefunded:
		state.Status = StatusRefunded
	case EventVoided:
		p, err := event.Decode[VoidedPayload](evt)
		if err != nil {
			return state, err
		}
		if state.OrderID == "" {
			state.OrderID = p.OrderID
		}
		state.Status = StatusVoided
	}
	return state, nil
}
