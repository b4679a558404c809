package saga

import (
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/order"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/payment"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/product"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/shipment"
)

// OrderDrivers are the events that move an order through its saga.
var OrderDrivers = []event.Type{
	product.EventStockReserved,
	product.EventStockReservationFailed,
	payment.EventSucceeded,
	payment.EventFailed,
	shipment.EventScheduled,
	shipment.EventFailed,
	shipment.EventStatusUpdated,
}

// Subscriptions returns the fulfillment choreography. Stock releases and
// refunds are commands the order sends itself, so only the order subscribes.
func Subscriptions() []Subscription {
	return []Subscription{
		{Kind: order.Kind, Types: OrderDrivers, Translate: ToOrder},
	}
}

// ToOrder translates product, payment and shipment events into order
// commands addressed by the order id in the payload.
func ToOrder(evt event.Event) (command.Command, bool, error) {
	switch evt.Type {
	case product.EventStockReserved:
		p, err := event.Decode[product.StockReservedPayload](evt)
		if err != nil {
			return command.Command{}, false, err
		}
		return toOrder(evt, p.OrderID, order.CommandRecordStockReserved,
			order.StockReservedPayload{ProductID: evt.AggregateID, Quantity: p.Quantity})

	case product.EventStockReservationFailed:
		p, err := event.Decode[product.StockReservationFailedPayload](evt)
		if err != nil {
			return command.Command{}, false, err
		}
		return toOrder(evt, p.OrderID, order.CommandRecordStockFailed,
			order.StockFailedPayload{ProductID: evt.AggregateID, Reason: p.Reason})

	case payment.EventSucceeded:
		p, err := event.Decode[payment.SucceededPayload](evt)
		if err != nil {
			return command.Command{}, false, err
		}
		return toOrder(evt, p.OrderID, order.CommandRecordPaymentSucceeded,
			order.PaymentSucceededPayload{PaymentID: evt.AggregateID, TransactionID: p.TransactionID})

	case payment.EventFailed:
		p, err := event.Decode[payment.FailedPayload](evt)
		if err != nil {
			return command.Command{}, false, err
		}
		return toOrder(evt, p.OrderID, order.CommandRecordPaymentFailed,
			order.PaymentFailedPayload{PaymentID: evt.AggregateID, Reason: p.Reason})

	case shipment.EventScheduled:
		p, err := event.Decode[shipment.ScheduledPayload](evt)
		if err != nil {
			return command.Command{}, false, err
		}
		return toOrder(evt, p.OrderID, order.CommandRecordShipmentScheduled, order.ShipmentScheduledPayload{
			ShipmentID: evt.AggregateID, Carrier: p.Carrier, TrackingNumber: p.TrackingNumber,
		})

	case shipment.EventFailed:
		p, err := event.Decode[shipment.FailedPayload](evt)
		if err != nil {
			return command.Command{}, false, err
		}
		return toOrder(evt, p.OrderID, order.CommandRecordShipmentFailed,
			order.ShipmentFailedPayload{ShipmentID: evt.AggregateID, Reason: p.Reason})

	case shipment.EventStatusUpdated:
		p, err := event.Decode[shipment.StatusUpdatedPayload](evt)
		if err != nil {
			return command.Command{}, false, err
		}
		if p.Status != shipment.StatusDelivered {
			return command.Command{}, false, nil
		}
		return toOrder(evt, p.OrderID, order.CommandConfirmDelivery,
			order.ConfirmDeliveryPayload{ShipmentID: evt.AggregateID})
	}
	return command.Command{}, false, nil
}

func toOrder(evt event.Event, orderID string, t command.Type, payload any) (command.Command, bool, error) {
	if orderID == "" {
		return command.Command{}, false, nil
	}
	return command.Caused(evt, "", order.Kind, orderID, t, payload), true, nil
}
