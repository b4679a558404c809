package order

import (
	"reflect"
	"strconv"
	"testing"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/customer"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var shipTo = customer.Address{Line1: "1 Main St", City: "Porto", PostalCode: "4000", Country: "PT"}

// orderHarness decides and folds order commands the way the engine does,
// keeping every persisted event.
type orderHarness struct {
	t      *testing.T
	state  State
	events []event.Event
	n      int
}

func newOrder(t *testing.T) *orderHarness {
	return &orderHarness{t: t, state: Behavior{}.Initial("O1")}
}

func (h *orderHarness) send(typ command.Type, payload any) command.Decision {
	h.t.Helper()
	h.n++
	cmd, err := command.New(Kind, h.state.ID, typ, "corr-"+strconv.Itoa(h.n), payload)
	if err != nil {
		h.t.Fatalf("new: %v", err)
	}
	decision := Decide(h.state, cmd, now)
	if len(decision.Events) > 1 {
		h.t.Fatalf("%s emitted %d events", typ, len(decision.Events))
	}
	for _, evt := range decision.Events {
		evt.Seq = uint64(len(h.events) + 1)
		next, err := Fold(h.state, evt)
		if err != nil {
			h.t.Fatalf("fold %s: %v", evt.Type, err)
		}
		h.state = next
		h.events = append(h.events, evt)
	}
	return decision
}

func (h *orderHarness) expect(typ command.Type, payload any, want event.Type) event.Event {
	h.t.Helper()
	d := h.send(typ, payload)
	if d.Rejected() {
		h.t.Fatalf("%s rejected: %+v", typ, d.Rejections)
	}
	if len(d.Events) != 1 || d.Events[0].Type != want {
		h.t.Fatalf("%s emitted %+v, want %s", typ, d.Events, want)
	}
	return h.events[len(h.events)-1]
}

func (h *orderHarness) expectNoop(typ command.Type, payload any) {
	h.t.Helper()
	d := h.send(typ, payload)
	if d.Rejected() || len(d.Events) != 0 {
		h.t.Fatalf("%s = %+v, want no-op", typ, d)
	}
}

func (h *orderHarness) expectRejected(typ command.Type, payload any, code apperrors.Code) {
	h.t.Helper()
	before := h.state
	d := h.send(typ, payload)
	if !d.Rejected() || d.Rejections[0].Code != string(code) {
		h.t.Fatalf("%s = %+v, want %s", typ, d, code)
	}
	if h.state.Status != before.Status || h.state.EnteredSeq != before.EnteredSeq {
		h.t.Fatalf("rejection changed state")
	}
}

func twoLines() CreatePayload {
	return CreatePayload{
		CustomerID: "C1",
		Lines: []Line{
			{ProductID: "P1", Quantity: 2, UnitPriceCents: 500},
			{ProductID: "P2", Quantity: 1, UnitPriceCents: 250},
		},
		Address: shipTo,
	}
}

func (h *orderHarness) reserveAll() {
	h.expect(CommandRecordStockReserved, StockReservedPayload{ProductID: "P1", Quantity: 2}, EventStockItemReserved)
	h.expect(CommandRecordStockReserved, StockReservedPayload{ProductID: "P2", Quantity: 1}, EventStockItemReserved)
}

// Creating an order prices its lines and waits for stock.
func TestCreateOrder(t *testing.T) {
	h := newOrder(t)
	evt := h.expect(CommandCreate, CreatePayload{
		CustomerID: "C1",
		Lines:      []Line{{ProductID: "P1", Quantity: 2, UnitPriceCents: 500}},
		Address:    shipTo,
	}, EventCreated)
	p, _ := event.Decode[CreatedPayload](evt)
	if p.TotalCents != 1000 || p.PaymentMethod != defaultPaymentMethod {
		t.Fatalf("created payload = %+v", p)
	}
	if h.state.Status != StatusAwaitingStockReservation || h.state.PaymentID != "O1" {
		t.Fatalf("state = %+v", h.state)
	}
	h.expectRejected(CommandCreate, twoLines(), apperrors.CodeConflict)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreatePayload)
	}{
		{"no customer", func(p *CreatePayload) { p.CustomerID = "" }},
		{"no lines", func(p *CreatePayload) { p.Lines = nil }},
		{"duplicate product", func(p *CreatePayload) { p.Lines[1].ProductID = "P1" }},
		{"zero quantity", func(p *CreatePayload) { p.Lines[0].Quantity = 0 }},
		{"zero price", func(p *CreatePayload) { p.Lines[0].UnitPriceCents = 0 }},
		{"bad address", func(p *CreatePayload) { p.Address.City = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newOrder(t)
			p := twoLines()
			tc.mutate(&p)
			h.expectRejected(CommandCreate, p, apperrors.CodeValidation)
		})
	}
}

func TestUnknownOrder(t *testing.T) {
	h := newOrder(t)
	h.expectRejected(CommandCancel, CancelPayload{}, apperrors.CodeNotFound)
	h.expectRejected(CommandRecordStockReserved, StockReservedPayload{ProductID: "P1"}, apperrors.CodeNotFound)
}

// Stock, payment and shipment confirmations carry the order through to delivery.
func TestHappyPath(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)

	first := h.expect(CommandRecordStockReserved, StockReservedPayload{ProductID: "P1", Quantity: 2}, EventStockItemReserved)
	if p, _ := event.Decode[StockItemReservedPayload](first); p.AllReserved {
		t.Fatal("first of two reservations must not complete the step")
	}
	if h.state.Status != StatusAwaitingStockReservation {
		t.Fatalf("status = %s", h.state.Status)
	}
	last := h.expect(CommandRecordStockReserved, StockReservedPayload{ProductID: "P2", Quantity: 1}, EventStockItemReserved)
	if p, _ := event.Decode[StockItemReservedPayload](last); !p.AllReserved {
		t.Fatal("last reservation must carry all_reserved")
	}
	if h.state.Status != StatusStockReserved {
		t.Fatalf("status = %s", h.state.Status)
	}

	// A repeated reservation report is absorbed.
	h.expectNoop(CommandRecordStockReserved, StockReservedPayload{ProductID: "P2", Quantity: 1})

	h.expect(CommandRequestPayment, nil, EventPaymentRequested)
	h.expect(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O1", TransactionID: "txn"}, EventPaymentCompleted)
	h.expectNoop(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O1", TransactionID: "txn"})
	h.expect(CommandRequestShipment, nil, EventShipmentRequested)
	h.expect(CommandRecordShipmentScheduled, ShipmentScheduledPayload{ShipmentID: "O1", Carrier: "acme", TrackingNumber: "T1"}, EventShipped)
	if h.state.Status != StatusShipped || h.state.TrackingNumber != "T1" {
		t.Fatalf("state = %+v", h.state)
	}
	h.expectNoop(CommandRecordShipmentScheduled, ShipmentScheduledPayload{ShipmentID: "O1"})
	h.expect(CommandConfirmDelivery, ConfirmDeliveryPayload{ShipmentID: "O1"}, EventDelivered)
	if h.state.Status != StatusDelivered {
		t.Fatalf("status = %s", h.state.Status)
	}
	h.expectNoop(CommandRecordStockReserved, StockReservedPayload{ProductID: "P1", Quantity: 2})
	h.expectRejected(CommandCancel, CancelPayload{}, apperrors.CodeConflict)
}

// With no line reserved yet, a stock failure ends the order without compensation.
func TestStockFailureWithNothingReservedFailsImmediately(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	evt := h.expect(CommandRecordStockFailed, StockFailedPayload{ProductID: "P1", Reason: "out of stock"}, EventFailed)
	if h.state.Status != StatusFailed || h.state.Compensation != nil {
		t.Fatalf("state = %+v", h.state)
	}
	p, _ := event.Decode[TerminalPayload](evt)
	if p.Trigger != TriggerStockReservationFailed {
		t.Fatalf("terminal payload = %+v", p)
	}
	h.expectNoop(CommandRequestPayment, nil)
	h.expectNoop(CommandRecordStockFailed, StockFailedPayload{ProductID: "P2", Reason: "out of stock"})
}

func TestStockFailureAfterReservationCompensates(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.expect(CommandRecordStockReserved, StockReservedPayload{ProductID: "P1", Quantity: 2}, EventStockItemReserved)
	evt := h.expect(CommandRecordStockFailed, StockFailedPayload{ProductID: "P2", Reason: "out of stock"}, EventCompensationStarted)

	p, _ := event.Decode[CompensationStartedPayload](evt)
	if len(p.Releases) != 1 || p.Releases[0] != "P1" || p.Refund || p.Target != StatusFailed {
		t.Fatalf("plan = %+v", p)
	}
	if !h.state.Compensating() || h.state.Status != StatusAwaitingStockReservation {
		t.Fatalf("state = %+v", h.state)
	}
	h.expectRejected(CommandCancel, CancelPayload{}, apperrors.CodeConflict)
	h.expectRejected(CommandUpdate, UpdatePayload{Address: shipTo}, apperrors.CodeConflict)

	h.expect(CommandCompleteCompensation, nil, EventFailed)
	if h.state.Status != StatusFailed || h.state.Compensating() {
		t.Fatalf("state = %+v", h.state)
	}
	h.expectNoop(CommandCompleteCompensation, nil)
}

func TestPaymentFailureReleasesEveryReservationWithoutRefund(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.reserveAll()
	h.expect(CommandRequestPayment, nil, EventPaymentRequested)
	evt := h.expect(CommandRecordPaymentFailed, PaymentFailedPayload{PaymentID: "O1", Reason: "declined"}, EventCompensationStarted)

	p, _ := event.Decode[CompensationStartedPayload](evt)
	if len(p.Releases) != 2 || p.Refund || !p.PaymentFailed {
		t.Fatalf("plan = %+v", p)
	}
	h.expect(CommandCompleteCompensation, nil, EventFailed)
}

func TestCancelAfterPaymentRefunds(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.reserveAll()
	h.expect(CommandRequestPayment, nil, EventPaymentRequested)
	h.expect(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O1", TransactionID: "txn"}, EventPaymentCompleted)
	evt := h.expect(CommandCancel, CancelPayload{Reason: "changed mind"}, EventCompensationStarted)

	p, _ := event.Decode[CompensationStartedPayload](evt)
	if len(p.Releases) != 2 || !p.Refund || p.Target != StatusCancelled || p.Reason != "changed mind" {
		t.Fatalf("plan = %+v", p)
	}
	h.expect(CommandCompleteCompensation, nil, EventCancelled)
	if h.state.Status != StatusCancelled {
		t.Fatalf("status = %s", h.state.Status)
	}
}

func TestCancelBeforeAnythingReservedIsImmediate(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.expect(CommandCancel, nil, EventCancelled)
	h.expectRejected(CommandCancel, nil, apperrors.CodeConflict)
}

func TestTimeout(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.reserveAll()
	h.expect(CommandRequestPayment, nil, EventPaymentRequested)

	// A timer armed for an earlier status is stale.
	h.expectNoop(CommandTimeout, TimeoutPayload{State: StatusAwaitingStockReservation})

	evt := h.expect(CommandTimeout, TimeoutPayload{State: StatusAwaitingPayment}, EventCompensationStarted)
	p, _ := event.Decode[CompensationStartedPayload](evt)
	if !p.Refund || len(p.Releases) != 2 || p.Trigger != TriggerTimeout {
		t.Fatalf("plan = %+v", p)
	}
	h.expectNoop(CommandTimeout, TimeoutPayload{State: StatusAwaitingPayment})
	// The payment outcome arriving during compensation changes nothing.
	h.expectNoop(CommandRecordPaymentFailed, PaymentFailedPayload{PaymentID: "O1", Reason: "late"})
	h.expectNoop(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O1", TransactionID: "late"})
}

func TestLateReservationIsReleased(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.expect(CommandRecordStockReserved, StockReservedPayload{ProductID: "P1", Quantity: 2}, EventStockItemReserved)
	h.expect(CommandCancel, nil, EventCompensationStarted)

	h.expect(CommandRecordStockReserved, StockReservedPayload{ProductID: "P2", Quantity: 1}, EventLateReservationReleased)
	h.expectNoop(CommandRecordStockReserved, StockReservedPayload{ProductID: "P2", Quantity: 1})
	if len(h.state.LateReleases) != 1 || h.state.IsReserved("P2") {
		t.Fatalf("state = %+v", h.state)
	}
}

func TestLatePaymentAfterFailureIsRefunded(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.reserveAll()
	h.expect(CommandRequestPayment, nil, EventPaymentRequested)
	h.expect(CommandRecordPaymentFailed, PaymentFailedPayload{PaymentID: "O1", Reason: "declined"}, EventCompensationStarted)
	h.expect(CommandCompleteCompensation, nil, EventFailed)

	// A manual payment retry succeeded after the order failed.
	h.expect(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O1", TransactionID: "txn"}, EventLatePaymentRefunded)
	h.expectNoop(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O1", TransactionID: "txn"})
}

func TestCrossTalkIsRejected(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.expectRejected(CommandRecordStockReserved, StockReservedPayload{ProductID: "P9", Quantity: 1}, apperrors.CodeConflict)
	h.expectRejected(CommandRecordStockFailed, StockFailedPayload{ProductID: "P9"}, apperrors.CodeConflict)
	h.expectRejected(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O2"}, apperrors.CodeConflict)
	h.expectRejected(CommandRecordShipmentFailed, ShipmentFailedPayload{ShipmentID: "O2"}, apperrors.CodeConflict)
}

func TestIllegalTransitionsAreRejected(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.expectRejected(CommandRequestPayment, nil, apperrors.CodeIllegalTransition)
	h.expectRejected(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O1"}, apperrors.CodeIllegalTransition)
	h.expectRejected(CommandConfirmDelivery, ConfirmDeliveryPayload{ShipmentID: "O1"}, apperrors.CodeIllegalTransition)
	h.expectRejected(CommandRequestShipment, nil, apperrors.CodeIllegalTransition)
}

func TestUpdateAddressBeforePayment(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	moved := shipTo
	moved.Line1 = "2 Side St"
	h.expect(CommandUpdate, UpdatePayload{Address: moved}, EventUpdated)
	h.expectNoop(CommandUpdate, UpdatePayload{Address: moved})
	if h.state.Address.Line1 != "2 Side St" {
		t.Fatalf("address = %+v", h.state.Address)
	}

	h.reserveAll()
	h.expect(CommandRequestPayment, nil, EventPaymentRequested)
	h.expect(CommandRecordPaymentSucceeded, PaymentSucceededPayload{PaymentID: "O1", TransactionID: "txn"}, EventPaymentCompleted)
	h.expectRejected(CommandUpdate, UpdatePayload{Address: shipTo}, apperrors.CodeConflict)
}

func TestFoldReplayMatchesIncrementalState(t *testing.T) {
	h := newOrder(t)
	h.expect(CommandCreate, twoLines(), EventCreated)
	h.reserveAll()
	h.expect(CommandRequestPayment, nil, EventPaymentRequested)
	h.expect(CommandCancel, nil, EventCompensationStarted)
	h.expect(CommandCompleteCompensation, nil, EventCancelled)

	replayed := Behavior{}.Initial("O1")
	for _, evt := range h.events {
		var err error
		if replayed, err = Fold(replayed, evt); err != nil {
			t.Fatalf("fold: %v", err)
		}
	}
	if !reflect.DeepEqual(replayed, h.state) {
		t.Fatalf("replayed = %+v\nlive = %+v", replayed, h.state)
	}
}
