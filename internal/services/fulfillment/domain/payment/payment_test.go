package payment

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/gateway"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	state State
	seq   uint64
	last  []event.Event
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, state: State{ID: "O1"}}
}

func (h *harness) run(typ command.Type, corr string, payload any) command.Decision {
	h.t.Helper()
	cmd, err := command.New(Kind, h.state.ID, typ, corr, payload)
	if err != nil {
		h.t.Fatalf("new: %v", err)
	}
	decision := Decide(h.state, cmd, now)
	h.last = nil
	for _, evt := range decision.Events {
		h.seq++
		evt.Seq = h.seq
		next, err := Fold(h.state, evt)
		if err != nil {
			h.t.Fatalf("fold: %v", err)
		}
		h.state = next
		h.last = append(h.last, evt)
	}
	return decision
}

func (h *harness) mustEmit(typ command.Type, corr string, payload any, want event.Type) {
	h.t.Helper()
	d := h.run(typ, corr, payload)
	if d.Rejected() || len(d.Events) != 1 || d.Events[0].Type != want {
		h.t.Fatalf("%s decision = %+v, want %s", typ, d, want)
	}
}

func TestProcessSucceedsAndRefunds(t *testing.T) {
	h := newHarness(t)
	h.mustEmit(CommandProcess, "p1", ProcessPayload{OrderID: "O1", AmountCents: 1000}, EventInitiated)
	if h.state.Status != StatusPending || h.state.Method != defaultMethod || h.state.AttemptSeq != 1 {
		t.Fatalf("state = %+v", h.state)
	}

	// A second process for the same order while pending is a no-op.
	if d := h.run(CommandProcess, "p2", ProcessPayload{OrderID: "O1", AmountCents: 1000}); d.Rejected() || len(d.Events) != 0 {
		t.Fatalf("repeat process = %+v", d)
	}

	h.mustEmit(CommandResolve, "r1", ResolvePayload{Attempt: 1, TransactionID: "txn"}, EventSucceeded)
	if h.state.Status != StatusSucceeded || h.state.TransactionID != "txn" {
		t.Fatalf("state = %+v", h.state)
	}

	h.mustEmit(CommandRefund, "rf1", RefundPayload{OrderID: "O1", Reason: "cancelled"}, EventRefunded)
	if d := h.run(CommandRefund, "rf2", RefundPayload{OrderID: "O1"}); d.Rejected() || len(d.Events) != 0 {
		t.Fatalf("second refund = %+v, want no-op", d)
	}
}

func TestFailureAndBoundedRetry(t *testing.T) {
	h := newHarness(t)
	h.mustEmit(CommandProcess, "p1", ProcessPayload{OrderID: "O1", AmountCents: 500}, EventInitiated)
	h.mustEmit(CommandResolve, "r1", ResolvePayload{Attempt: 1, Reason: "declined"}, EventFailed)

	for attempt := 2; attempt <= MaxAttempts; attempt++ {
		h.mustEmit(CommandRetry, "retry"+string(rune('0'+attempt)), nil, EventInitiated)
		if h.state.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", h.state.Attempts, attempt)
		}
		h.mustEmit(CommandResolve, "res"+string(rune('0'+attempt)), ResolvePayload{Attempt: attempt, Reason: "declined"}, EventFailed)
	}
	d := h.run(CommandRetry, "retry-over", nil)
	if !d.Rejected() || d.Rejections[0].Code != string(apperrors.CodeConflict) {
		t.Fatalf("retry past limit = %+v", d)
	}
}

func TestStaleResolveIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.mustEmit(CommandProcess, "p1", ProcessPayload{OrderID: "O1", AmountCents: 500}, EventInitiated)
	if d := h.run(CommandResolve, "r0", ResolvePayload{Attempt: 7, TransactionID: "x"}); len(d.Events) != 0 || d.Rejected() {
		t.Fatalf("stale resolve = %+v", d)
	}
}

func TestRefundBeforeProcessVoids(t *testing.T) {
	h := newHarness(t)
	h.mustEmit(CommandRefund, "rf", RefundPayload{OrderID: "O1", Reason: "order failed"}, EventVoided)
	d := h.run(CommandProcess, "p1", ProcessPayload{OrderID: "O1", AmountCents: 500})
	if !d.Rejected() || d.Rejections[0].Code != string(apperrors.CodeConflict) {
		t.Fatalf("process after void = %+v", d)
	}
}

func TestRefundOfFailedPaymentBlocksRetry(t *testing.T) {
	h := newHarness(t)
	h.mustEmit(CommandProcess, "p1", ProcessPayload{OrderID: "O1", AmountCents: 500}, EventInitiated)
	h.mustEmit(CommandResolve, "r1", ResolvePayload{Attempt: 1, Reason: "declined"}, EventFailed)
	h.mustEmit(CommandRefund, "rf", RefundPayload{OrderID: "O1"}, EventVoided)
	if d := h.run(CommandRetry, "retry", nil); !d.Rejected() {
		t.Fatalf("retry after void = %+v", d)
	}
}

func TestProcessCrossOrder(t *testing.T) {
	h := newHarness(t)
	h.mustEmit(CommandProcess, "p1", ProcessPayload{OrderID: "O1", AmountCents: 500}, EventInitiated)
	d := h.run(CommandProcess, "p2", ProcessPayload{OrderID: "O2", AmountCents: 500})
	if !d.Rejected() || d.Rejections[0].Code != string(apperrors.CodeConflict) {
		t.Fatalf("cross-order process = %+v", d)
	}
	if d := h.run(CommandProcess, "p3", ProcessPayload{OrderID: "O1"}); !d.Rejected() {
		t.Fatal("zero amount should be rejected")
	}
}

func TestReactChargesGateway(t *testing.T) {
	var calls atomic.Int32
	b := Behavior{
		Gateway: gateway.ChargeFunc(func(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
			if calls.Add(1) == 1 {
				return gateway.ChargeResult{}, errors.New("connection reset")
			}
			if req.IdempotencyKey != "payment/O1#1" {
				t.Errorf("idempotency key = %q", req.IdempotencyKey)
			}
			return gateway.ChargeResult{TransactionID: "txn-1"}, nil
		}),
		Retry: retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
	}
	h := newHarness(t)
	h.mustEmit(CommandProcess, "p1", ProcessPayload{OrderID: "O1", AmountCents: 500}, EventInitiated)

	effects := b.React(h.state, h.last[0])
	if len(effects) != 1 || effects[0].Kind != engine.EffectCall {
		t.Fatalf("effects = %+v", effects)
	}
	resolve := effects[0].Call(context.Background())
	if resolve.Type != CommandResolve || resolve.CorrelationID != "payment/O1#1:resolve" || resolve.CausationID != "p1" {
		t.Fatalf("resolve = %+v", resolve)
	}
	p, _ := command.Decode[ResolvePayload](resolve)
	if p.TransactionID != "txn-1" || p.Attempt != 1 || calls.Load() != 2 {
		t.Fatalf("payload = %+v calls = %d", p, calls.Load())
	}
}

func TestDeclineIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	b := Behavior{
		Gateway: gateway.ChargeFunc(func(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
			calls.Add(1)
			return gateway.ChargeResult{}, gateway.ErrDeclined
		}),
		Retry: retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
	}
	h := newHarness(t)
	h.mustEmit(CommandProcess, "p1", ProcessPayload{OrderID: "O1", AmountCents: 500}, EventInitiated)
	resolve := b.React(h.state, h.last[0])[0].Call(context.Background())
	p, _ := command.Decode[ResolvePayload](resolve)
	if p.Reason == "" || calls.Load() != 1 {
		t.Fatalf("payload = %+v calls = %d", p, calls.Load())
	}
}

func TestRecoverAndDeferrable(t *testing.T) {
	b := Behavior{}
	pending := State{ID: "O1", OrderID: "O1", Status: StatusPending, Attempts: 1, AttemptSeq: 1}
	if effects := b.Recover(pending); len(effects) != 1 || effects[0].Kind != engine.EffectCall {
		t.Fatalf("recover effects = %+v", effects)
	}
	if effects := b.Recover(State{ID: "O1", Status: StatusSucceeded}); len(effects) != 0 {
		t.Fatalf("recover of settled payment = %+v", effects)
	}
	refund := command.Command{Type: CommandRefund}
	if !b.Deferrable(pending, refund) {
		t.Fatal("refund should wait for the pending charge")
	}
	if b.Deferrable(State{Status: StatusSucceeded}, refund) {
		t.Fatal("refund of settled payment should not wait")
	}
	if b.Deferrable(pending, command.Command{Type: CommandResolve}) {
		t.Fatal("resolve must never be deferred")
	}
}
