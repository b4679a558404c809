package app

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/customer"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/order"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/payment"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/product"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

var shipTo = customer.Address{Line1: "Rua Augusta 1", City: "Lisboa", PostalCode: "1100-048", Country: "PT"}

type harness struct {
	t    *testing.T
	ctx  context.Context
	node *Node
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		NodeID: "test",
		Runtime: runtime.Config{
			SnapshotEvery: 3,
			Dispatch:      retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
			Compensate:    retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		},
		SagaTimeout:          5 * time.Second,
		ExternalCallAttempts: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	node, err := New(ctx, cfg, logger.Nop())
	if err != nil {
		cancel()
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		if err := node.Close(); err != nil {
			t.Errorf("close node: %v", err)
		}
	})
	h := &harness{t: t, ctx: ctx, node: node}
	return h
}

func (h *harness) start() *harness {
	h.t.Helper()
	if err := h.node.Start(h.ctx); err != nil {
		h.t.Fatalf("start node: %v", err)
	}
	return h
}

func (h *harness) send(kind, id string, typ command.Type, corr string, payload any) (runtime.Reply, error) {
	h.t.Helper()
	cmd, err := command.New(kind, id, typ, corr, payload)
	if err != nil {
		h.t.Fatalf("new command: %v", err)
	}
	return h.node.Dispatcher().Ask(h.ctx, cmd)
}

func (h *harness) ask(kind, id string, typ command.Type, corr string, payload any) runtime.Reply {
	h.t.Helper()
	reply, err := h.send(kind, id, typ, corr, payload)
	if err != nil {
		h.t.Fatalf("%s %s: %v", typ, id, err)
	}
	return reply
}

func (h *harness) stock(id string, units int64) {
	h.t.Helper()
	h.ask(product.Kind, id, product.CommandCreate, "create-"+id, product.CreatePayload{Name: "Product " + id, PriceCents: 500, Stock: units})
}

func (h *harness) placeOrder(id, method string, lines ...order.Line) runtime.Reply {
	h.t.Helper()
	return h.ask(order.Kind, id, order.CommandCreate, "create-"+id, order.CreatePayload{
		CustomerID:    "C1",
		Lines:         lines,
		Address:       shipTo,
		PaymentMethod: method,
	})
}

func (h *harness) order(id string) order.State {
	h.t.Helper()
	state, err := runtime.InspectState[order.State](h.ctx, h.node.System(), order.Kind, id)
	if err != nil {
		h.t.Fatalf("inspect order %s: %v", id, err)
	}
	return state
}

func (h *harness) product(id string) product.State {
	h.t.Helper()
	state, err := runtime.InspectState[product.State](h.ctx, h.node.System(), product.Kind, id)
	if err != nil {
		h.t.Fatalf("inspect product %s: %v", id, err)
	}
	return state
}

func (h *harness) payment(id string) payment.State {
	h.t.Helper()
	state, err := runtime.InspectState[payment.State](h.ctx, h.node.System(), payment.Kind, id)
	if err != nil {
		h.t.Fatalf("inspect payment %s: %v", id, err)
	}
	return state
}

func (h *harness) stream(kind, id string) []event.Event {
	h.t.Helper()
	events, err := h.node.journal.ReadStream(h.ctx, event.StreamID(kind, id), 0, 0)
	if err != nil {
		h.t.Fatalf("read %s/%s: %v", kind, id, err)
	}
	return events
}

func (h *harness) count(kind, id string, typ event.Type) int {
	n := 0
	for _, evt := range h.stream(kind, id) {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func (h *harness) waitStatus(id string, want order.Status) order.State {
	h.t.Helper()
	var state order.State
	eventually(h.t, func() bool {
		state = h.order(id)
		return state.Status == want
	}, "order %s never reached %s", id, want)
	return state
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
