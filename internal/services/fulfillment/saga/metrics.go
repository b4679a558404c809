package saga

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/order"
)

var observedTypes = []event.Type{order.EventCompensationStarted, order.EventDelivered, order.EventFailed, order.EventCancelled}

// Metrics count saga deliveries and outcomes. A nil *Metrics records
// nothing.
type Metrics struct {
	DeliveriesTotal    *prometheus.CounterVec
	CompensationsTotal *prometheus.CounterVec
	OrdersClosedTotal  *prometheus.CounterVec
}

// NewMetrics builds and registers the saga collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fulfillment_saga_deliveries_total", Help: "Translated events by subscription and outcome."},
			[]string{"subscription", "outcome"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fulfillment_saga_compensations_total", Help: "Compensations started by trigger."},
			[]string{"trigger"},
		),
		OrdersClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fulfillment_saga_orders_closed_total", Help: "Orders reaching a terminal status."},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.DeliveriesTotal, m.CompensationsTotal, m.OrdersClosedTotal)
	return m
}

func (m *Metrics) delivery(subscription, outcome string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(subscription, outcome).Inc()
}

func (m *Metrics) observe(_ context.Context, evt event.Event) error {
	switch evt.Type {
	case order.EventCompensationStarted:
		p, err := event.Decode[order.CompensationStartedPayload](evt)
		if err != nil {
			return err
		}
		m.CompensationsTotal.WithLabelValues(string(p.Trigger)).Inc()
	case order.EventDelivered:
		m.OrdersClosedTotal.WithLabelValues(string(order.StatusDelivered)).Inc()
	case order.EventFailed:
		m.OrdersClosedTotal.WithLabelValues(string(order.StatusFailed)).Inc()
	case order.EventCancelled:
		m.OrdersClosedTotal.WithLabelValues(string(order.StatusCancelled)).Inc()
	}
	return nil
}
