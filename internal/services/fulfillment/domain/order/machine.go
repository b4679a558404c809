package order

import "github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/statemachine"

// Status is the order lifecycle state.
type Status string

const (
	StatusInitial                  Status = "initial"
	StatusAwaitingStockReservation Status = "awaiting_stock_reservation"
	StatusStockReserved            Status = "stock_reserved"
	StatusAwaitingPayment          Status = "awaiting_payment"
	StatusPaymentCompleted         Status = "payment_completed"
	StatusAwaitingShipment         Status = "awaiting_shipment"
	StatusShipped                  Status = "shipped"
	StatusDelivered                Status = "delivered"
	StatusFailed                   Status = "failed"
	StatusCancelled                Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusInitial, StatusAwaitingStockReservation, StatusStockReserved,
	StatusAwaitingPayment, StatusPaymentCompleted, StatusAwaitingShipment,
	StatusShipped, StatusDelivered, StatusFailed, StatusCancelled,
}

// Trigger is an input to the order state machine.
type Trigger string

const (
	TriggerCreate                 Trigger = "create"
	TriggerAllStockReserved       Trigger = "all_stock_reserved"
	TriggerStockReservationFailed Trigger = "stock_reservation_failed"
	TriggerRequestPayment         Trigger = "request_payment"
	TriggerPaymentSucceeded       Trigger = "payment_succeeded"
	TriggerPaymentFailed          Trigger = "payment_failed"
	TriggerRequestShipment        Trigger = "request_shipment"
	TriggerShipmentScheduled      Trigger = "shipment_scheduled"
	TriggerShipmentFailed         Trigger = "shipment_failed"
	TriggerDeliveryConfirmed      Trigger = "delivery_confirmed"
	TriggerCancel                 Trigger = "cancel"
	TriggerTimeout                Trigger = "timeout"
)

// Triggers lists every trigger.
var Triggers = []Trigger{
	TriggerCreate, TriggerAllStockReserved, TriggerStockReservationFailed,
	TriggerRequestPayment, TriggerPaymentSucceeded, TriggerPaymentFailed,
	TriggerRequestShipment, TriggerShipmentScheduled, TriggerShipmentFailed,
	TriggerDeliveryConfirmed, TriggerCancel, TriggerTimeout,
}

type row = statemachine.Transition[Status, Trigger]

// Transitions is the order lifecycle. Rows into Failed and Cancelled name
// the compensation target; the status changes once compensation completes.
var Transitions = []row{
	{From: StatusInitial, Trigger: TriggerCreate, To: StatusAwaitingStockReservation},

	{From: StatusAwaitingStockReservation, Trigger: TriggerAllStockReserved, To: StatusStockReserved},
	{From: StatusAwaitingStockReservation, Trigger: TriggerStockReservationFailed, To: StatusFailed},
	{From: StatusAwaitingStockReservation, Trigger: TriggerTimeout, To: StatusFailed},
	{From: StatusAwaitingStockReservation, Trigger: TriggerCancel, To: StatusCancelled},

	{From: StatusStockReserved, Trigger: TriggerRequestPayment, To: StatusAwaitingPayment},
	{From: StatusStockReserved, Trigger: TriggerCancel, To: StatusCancelled},

	{From: StatusAwaitingPayment, Trigger: TriggerPaymentSucceeded, To: StatusPaymentCompleted},
	{From: StatusAwaitingPayment, Trigger: TriggerPaymentFailed, To: StatusFailed},
	{From: StatusAwaitingPayment, Trigger: TriggerTimeout, To: StatusFailed},
	{From: StatusAwaitingPayment, Trigger: TriggerCancel, To: StatusCancelled},

	{From: StatusPaymentCompleted, Trigger: TriggerRequestShipment, To: StatusAwaitingShipment},
	{From: StatusPaymentCompleted, Trigger: TriggerCancel, To: StatusCancelled},

	{From: StatusAwaitingShipment, Trigger: TriggerShipmentScheduled, To: StatusShipped},
	{From: StatusAwaitingShipment, Trigger: TriggerShipmentFailed, To: StatusFailed},
	{From: StatusAwaitingShipment, Trigger: TriggerTimeout, To: StatusFailed},
	{From: StatusAwaitingShipment, Trigger: TriggerCancel, To: StatusCancelled},

	{From: StatusShipped, Trigger: TriggerDeliveryConfirmed, To: StatusDelivered},
	{From: StatusShipped, Trigger: TriggerCancel, To: StatusCancelled},
}

// Machine interprets Transitions.
var Machine = statemachine.MustNew(Transitions, StatusDelivered, StatusFailed, StatusCancelled)

// awaiting reports whether s waits on another aggregate and arms the saga
// timeout.
func awaiting(s Status) bool {
	switch s {
	case StatusAwaitingStockReservation, StatusAwaitingPayment, StatusAwaitingShipment:
		return true
	}
	return false
}
