package order

import (
	"slices"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/customer"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Kind is the aggregate type name.
const Kind = "order"

const (
	CommandCreate                  command.Type = "order.create"
	CommandUpdate                  command.Type = "order.update"
	CommandCancel                  command.Type = "order.cancel"
	CommandRecordStockReserved     command.Type = "order.record_stock_reserved"
	CommandRecordStockFailed       command.Type = "order.record_stock_failed"
	CommandRequestPayment          command.Type = "order.request_payment"
	CommandRecordPaymentSucceeded  command.Type = "order.record_payment_succeeded"
	CommandRecordPaymentFailed     command.Type = "order.record_payment_failed"
	CommandRequestShipment         command.Type = "order.request_shipment"
	CommandRecordShipmentScheduled command.Type = "order.record_shipment_scheduled"
	CommandRecordShipmentFailed    command.Type = "order.record_shipment_failed"
	CommandConfirmDelivery         command.Type = "order.confirm_delivery"
	CommandTimeout                 command.Type = "order.timeout"
	CommandCompleteCompensation    command.Type = "order.complete_compensation"

	EventCreated                 event.Type = "order.created"
	EventUpdated                 event.Type = "order.updated"
	EventStockItemReserved       event.Type = "order.stock_item_reserved"
	EventPaymentRequested        event.Type = "order.payment_requested"
	EventPaymentCompleted        event.Type = "order.payment_completed"
	EventShipmentRequested       event.Type = "order.shipment_requested"
	EventShipped                 event.Type = "order.shipped"
	EventDelivered               event.Type = "order.delivered"
	EventCompensationStarted     event.Type = "order.compensation_started"
	EventFailed                  event.Type = "order.failed"
	EventCancelled               event.Type = "order.cancelled"
	EventLateReservationReleased event.Type = "order.late_reservation_released"
	EventLatePaymentRefunded     event.Type = "order.late_payment_refunded"
)

var commandTypes = []command.Type{
	CommandCreate, CommandUpdate, CommandCancel,
	CommandRecordStockReserved, CommandRecordStockFailed,
	CommandRequestPayment, CommandRecordPaymentSucceeded, CommandRecordPaymentFailed,
	CommandRequestShipment, CommandRecordShipmentScheduled, CommandRecordShipmentFailed,
	CommandConfirmDelivery, CommandTimeout, CommandCompleteCompensation,
}

var eventTypes = []event.Type{
	EventCreated, EventUpdated, EventStockItemReserved,
	EventPaymentRequested, EventPaymentCompleted,
	EventShipmentRequested, EventShipped, EventDelivered,
	EventCompensationStarted, EventFailed, EventCancelled,
	EventLateReservationReleased, EventLatePaymentRefunded,
}

// TerminalEvents are published when an order reaches a terminal status.
var TerminalEvents = []event.Type{EventDelivered, EventFailed, EventCancelled}

// Line is one product in an order.
type Line struct {
	ProductID      string `json:"product_id"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// Compensation is the plan persisted when the saga unwinds.
type Compensation struct {
	// Seq is the sequence of order.compensation_started; compensation
	// commands derive their correlation ids from it.
	Seq       uint64   `json:"seq"`
	Target    Status   `json:"target"`
	Trigger   Trigger  `json:"trigger"`
	Reason    string   `json:"reason"`
	Releases  []string `json:"releases,omitempty"`
	Refund    bool     `json:"refund,omitempty"`
	Completed bool     `json:"completed,omitempty"`
}

// State is the folded order, including its saga bookkeeping.
type State struct {
	ID            string           `json:"id"`
	Status        Status           `json:"status"`
	CustomerID    string           `json:"customer_id,omitempty"`
	Lines         []Line           `json:"lines,omitempty"`
	Address       customer.Address `json:"address"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	TotalCents    int64            `json:"total_cents,omitempty"`
	// EnteredSeq is the sequence of the event that entered Status.
	EnteredSeq uint64 `json:"entered_seq,omitempty"`

	// Reserved lists product ids in reservation order.
	Reserved         []string `json:"reserved,omitempty"`
	PaymentID        string   `json:"payment_id,omitempty"`
	PaymentRequested bool     `json:"payment_requested,omitempty"`
	PaymentFailed    bool     `json:"payment_failed,omitempty"`
	TransactionID    string   `json:"transaction_id,omitempty"`
	ShipmentID       string   `json:"shipment_id,omitempty"`
	Carrier          string   `json:"carrier,omitempty"`
	TrackingNumber   string   `json:"tracking_number,omitempty"`

	Compensation *Compensation `json:"compensation,omitempty"`
	// ClosingSeq is the sequence of the event that started compensation or,
	// for an empty plan, of the terminal event.
	ClosingSeq    uint64   `json:"closing_seq,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	LateReleases  []string `json:"late_releases,omitempty"`
	LateRefund    bool     `json:"late_refund,omitempty"`
}

// Line returns the order line for productID.
func (s State) Line(productID string) (Line, bool) {
	for _, l := range s.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return Line{}, false
}

// IsReserved reports whether productID's reservation was recorded.
func (s State) IsReserved(productID string) bool {
	return slices.Contains(s.Reserved, productID)
}

// Compensating reports whether a compensation plan is in flight.
func (s State) Compensating() bool {
	return s.Compensation != nil && !s.Compensation.Completed
}

// Closing reports whether the order is compensating or terminal; saga
// progress events are no longer applied.
func (s State) Closing() bool {
	return s.Compensating() || Machine.Terminal(s.Status)
}

// CreatePayload places an order.
type CreatePayload struct {
	CustomerID    string           `json:"customer_id"`
	Lines         []Line           `json:"lines"`
	Address       customer.Address `json:"address"`
	PaymentMethod string           `json:"payment_method,omitempty"`
}

// CreatedPayload is persisted when an order is placed.
type CreatedPayload struct {
	CustomerID    string           `json:"customer_id"`
	Lines         []Line           `json:"lines"`
	Address       customer.Address `json:"address"`
	PaymentMethod string           `json:"payment_method"`
	TotalCents    int64            `json:"total_cents"`
}

// UpdatePayload changes the shipping address.
type UpdatePayload struct {
	Address customer.Address `json:"address"`
}

// CancelPayload cancels an order.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// StockReservedPayload records a product reservation reported by the
// product aggregate.
type StockReservedPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// StockFailedPayload records a failed reservation.
type StockFailedPayload struct {
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
}

// PaymentSucceededPayload records a captured payment.
type PaymentSucceededPayload struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
}

// PaymentFailedPayload records a failed payment.
type PaymentFailedPayload struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

// ShipmentScheduledPayload records a booked shipment.
type ShipmentScheduledPayload struct {
	ShipmentID     string `json:"shipment_id"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

// ShipmentFailedPayload records a failed booking.
type ShipmentFailedPayload struct {
	ShipmentID string `json:"shipment_id"`
	Reason     string `json:"reason"`
}

// ConfirmDeliveryPayload records delivery.
type ConfirmDeliveryPayload struct {
	ShipmentID string `json:"shipment_id"`
}

// TimeoutPayload fires when an order sat in State too long.
type TimeoutPayload struct {
	State Status `json:"state"`
}

// StockItemReservedPayload is persisted per reserved product.
type StockItemReservedPayload struct {
	ProductID   string `json:"product_id"`
	Quantity    int64  `json:"quantity"`
	AllReserved bool   `json:"all_reserved"`
}

// PaymentRequestedPayload is persisted before the payment is charged.
type PaymentRequestedPayload struct {
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents"`
}

// PaymentCompletedPayload is persisted when the payment succeeded.
type PaymentCompletedPayload struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
}

// ShipmentRequestedPayload is persisted before the carrier is booked.
type ShipmentRequestedPayload struct {
	ShipmentID string `json:"shipment_id"`
}

// ShippedPayload is persisted when the shipment is scheduled.
type ShippedPayload struct {
	ShipmentID     string `json:"shipment_id"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

// DeliveredPayload is persisted when delivery is confirmed.
type DeliveredPayload struct {
	ShipmentID string `json:"shipment_id"`
}

// CompensationStartedPayload is the persisted compensation plan.
type CompensationStartedPayload struct {
	Target        Status   `json:"target"`
	Trigger       Trigger  `json:"trigger"`
	Reason        string   `json:"reason"`
	Releases      []string `json:"releases,omitempty"`
	Refund        bool     `json:"refund,omitempty"`
	PaymentFailed bool     `json:"payment_failed,omitempty"`
}

// TerminalPayload is persisted with order.failed and order.cancelled.
type TerminalPayload struct {
	Trigger       Trigger `json:"trigger"`
	Reason        string  `json:"reason"`
	PaymentFailed bool    `json:"payment_failed,omitempty"`
}

// LateReservationPayload records a reservation that arrived after the order
// started closing; it is released immediately.
type LateReservationPayload struct {
	ProductID string `json:"product_id"`
}

// LatePaymentPayload records a payment that succeeded after the order
// started closing without a planned refund; it is refunded immediately.
type LatePaymentPayload struct {
	PaymentID string `json:"payment_id"`
}

func register(commands *command.Registry, events *event.Registry) error {
	for _, t := range commandTypes {
		if err := commands.Register(command.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	for _, t := range eventTypes {
		if err := events.Register(event.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	return nil
}
