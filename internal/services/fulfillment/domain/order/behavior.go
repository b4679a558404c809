package order

import (
	"time"

	"github.com/louisbranch/fulfillment/internal/platform/timeouts"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/payment"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/product"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/shipment"
)

// TimeoutTimer is the key of the saga timeout timer.
const TimeoutTimer = "saga-timeout"

// Behavior implements engine.Behavior for orders.
type Behavior struct {
	// SagaTimeout bounds each awaiting status; zero uses timeouts.Saga.
	SagaTimeout time.Duration
}

var (
	_ engine.Behavior[State]  = Behavior{}
	_ engine.Reactor[State]   = Behavior{}
	_ engine.Recoverer[State] = Behavior{}
)

func (Behavior) Kind() string { return Kind }

func (Behavior) Register(commands *command.Registry, events *event.Registry) error {
	return register(commands, events)
}

func (Behavior) Initial(id string) State { return State{ID: id, Status: StatusInitial} }

func (Behavior) Decide(state State, cmd command.Command, now time.Time) command.Decision {
	return Decide(state, cmd, now)
}

func (Behavior) Fold(state State, evt event.Event) (State, error) {
	return Fold(state, evt)
}

// React fires the entry actions of the status evt entered, and dispatches
// compensations.
func (b Behavior) React(state State, evt event.Event) []engine.Effect {
	switch evt.Type {
	case EventCompensationStarted:
		return []engine.Effect{engine.CancelTimer(TimeoutTimer), b.compensate(state, evt.CorrelationID)}
	case EventLateReservationReleased:
		p, err := event.Decode[LateReservationPayload](evt)
		if err != nil {
			return nil
		}
		return []engine.Effect{engine.DispatchAll([]command.Command{b.release(state, p.ProductID, evt.CorrelationID)}, command.Command{})}
	case EventLatePaymentRefunded:
		return []engine.Effect{engine.DispatchAll([]command.Command{b.refund(state, evt.CorrelationID)}, command.Command{})}
	}
	if evt.Seq != state.EnteredSeq {
		return nil
	}
	return b.entryActions(state, evt.CorrelationID)
}

// Recover re-fires the entry actions of the current status, resumes an
// unfinished compensation, and repeats late releases and refunds. Receivers
// absorb the repeats through their idempotency records.
func (b Behavior) Recover(state State) []engine.Effect {
	var effects []engine.Effect
	var late []command.Command
	for _, productID := range state.LateReleases {
		late = append(late, b.release(state, productID, ""))
	}
	if state.LateRefund {
		late = append(late, b.refund(state, ""))
	}
	if len(late) > 0 {
		effects = append(effects, engine.DispatchAll(late, command.Command{}))
	}

	switch {
	case state.Compensating():
		effects = append(effects, b.compensate(state, ""))
	case state.Status == StatusInitial, Machine.Terminal(state.Status):
	default:
		effects = append(effects, b.entryActions(state, "")...)
	}
	return effects
}

func (b Behavior) timeout() time.Duration {
	if b.SagaTimeout > 0 {
		return b.SagaTimeout
	}
	return timeouts.Saga
}

// origin stands in for the event that entered the current status when
// deriving correlation ids.
func origin(state State, seq uint64, causation string) event.Event {
	return event.Event{AggregateType: Kind, AggregateID: state.ID, Seq: seq, CorrelationID: causation}
}

func (b Behavior) entryActions(state State, causation string) []engine.Effect {
	from := origin(state, state.EnteredSeq, causation)
	var effects []engine.Effect

	switch state.Status {
	case StatusAwaitingStockReservation:
		for _, line := range state.Lines {
			if state.IsReserved(line.ProductID) {
				continue
			}
			productID := line.ProductID
			reserve := command.Caused(from, "reserve:"+productID, product.Kind, productID, product.CommandReserve,
				product.ReservePayload{OrderID: state.ID, Quantity: line.Quantity})
			effects = append(effects, engine.Dispatch(reserve, func(err error) command.Command {
				return command.Caused(from, "reserve-failed:"+productID, Kind, state.ID, CommandRecordStockFailed,
					StockFailedPayload{ProductID: productID, Reason: err.Error()})
			}))
		}
	case StatusStockReserved:
		effects = append(effects, engine.SendSelf(command.Caused(from, "request-payment", Kind, state.ID, CommandRequestPayment, nil)))
	case StatusAwaitingPayment:
		process := command.Caused(from, "payment", payment.Kind, state.PaymentID, payment.CommandProcess,
			payment.ProcessPayload{OrderID: state.ID, AmountCents: state.TotalCents, Method: state.PaymentMethod})
		effects = append(effects, engine.Dispatch(process, func(err error) command.Command {
			return command.Caused(from, "payment-failed", Kind, state.ID, CommandRecordPaymentFailed,
				PaymentFailedPayload{PaymentID: state.PaymentID, Reason: err.Error()})
		}))
	case StatusPaymentCompleted:
		effects = append(effects, engine.SendSelf(command.Caused(from, "request-shipment", Kind, state.ID, CommandRequestShipment, nil)))
	case StatusAwaitingShipment:
		create := command.Caused(from, "shipment", shipment.Kind, state.ShipmentID, shipment.CommandCreate,
			shipment.CreatePayload{OrderID: state.ID, Address: state.Address})
		effects = append(effects, engine.Dispatch(create, func(err error) command.Command {
			return command.Caused(from, "shipment-failed", Kind, state.ID, CommandRecordShipmentFailed,
				ShipmentFailedPayload{ShipmentID: state.ShipmentID, Reason: err.Error()})
		}))
	}

	if awaiting(state.Status) {
		fire := command.Caused(from, "timeout", Kind, state.ID, CommandTimeout, TimeoutPayload{State: state.Status})
		effects = append(effects, engine.Schedule(TimeoutTimer, b.timeout(), fire))
	} else {
		effects = append(effects, engine.CancelTimer(TimeoutTimer))
	}
	return effects
}

func (b Behavior) compensate(state State, causation string) engine.Effect {
	c := state.Compensation
	var cmds []command.Command
	for _, productID := range c.Releases {
		cmds = append(cmds, b.release(state, productID, causation))
	}
	if c.Refund {
		cmds = append(cmds, b.refund(state, causation))
	}
	done := command.Caused(origin(state, c.Seq, causation), "complete", Kind, state.ID, CommandCompleteCompensation, nil)
	return engine.DispatchAll(cmds, done)
}

// release and refund share the correlation base of the closing event, so a
// late reservation released after compensation uses the same form of id.
func (b Behavior) release(state State, productID, causation string) command.Command {
	return command.Caused(origin(state, state.ClosingSeq, causation), "release:"+productID,
		product.Kind, productID, product.CommandRelease, product.ReleasePayload{OrderID: state.ID})
}

func (b Behavior) refund(state State, causation string) command.Command {
	return command.Caused(origin(state, state.ClosingSeq, causation), "refund",
		payment.Kind, state.PaymentID, payment.CommandRefund,
		payment.RefundPayload{OrderID: state.ID, Reason: state.FailureReason})
}
