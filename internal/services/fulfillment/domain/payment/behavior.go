package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/platform/timeouts"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/gateway"
)

// Behavior wires payments to a gateway.
type Behavior struct {
	Gateway gateway.PaymentGateway
	// Retry bounds gateway attempts within one payment attempt.
	Retry retry.Policy
	// CallTimeout bounds one gateway call including its retries.
	CallTimeout time.Duration
	Logger      *logger.Logger
}

var (
	_ engine.Behavior[State]  = Behavior{}
	_ engine.Reactor[State]   = Behavior{}
	_ engine.Recoverer[State] = Behavior{}
	_ engine.Stasher[State]   = Behavior{}
)

func (Behavior) Kind() string { return Kind }

func (Behavior) Register(commands *command.Registry, events *event.Registry) error {
	return register(commands, events)
}

func (Behavior) Initial(id string) State { return State{ID: id} }

func (Behavior) Decide(state State, cmd command.Command, now time.Time) command.Decision {
	return Decide(state, cmd, now)
}

func (Behavior) Fold(state State, evt event.Event) (State, error) {
	return Fold(state, evt)
}

// React charges the gateway for every new attempt.
func (b Behavior) React(state State, evt event.Event) []engine.Effect {
	if evt.Type != EventInitiated {
		return nil
	}
	return []engine.Effect{b.charge(state, evt.CorrelationID)}
}

// Recover re-issues the charge of an attempt that was pending at shutdown.
// The gateway sees the same idempotency key.
func (b Behavior) Recover(state State) []engine.Effect {
	if state.Status != StatusPending {
		return nil
	}
	return []engine.Effect{b.charge(state, "")}
}

// Deferrable holds commands that depend on the charge outcome.
func (Behavior) Deferrable(state State, cmd command.Command) bool {
	if state.Status != StatusPending {
		return false
	}
	switch cmd.Type {
	case CommandProcess, CommandRetry, CommandRefund:
		return true
	}
	return false
}

func (b Behavior) charge(state State, causation string) engine.Effect {
	streamID := event.StreamID(Kind, state.ID)
	key := command.CorrelationFor(streamID, state.AttemptSeq, "")
	req := gateway.ChargeRequest{
		PaymentID:      state.ID,
		OrderID:        state.OrderID,
		AmountCents:    state.AmountCents,
		Method:         state.Method,
		IdempotencyKey: key,
	}
	attempt := state.Attempts
	timeout := b.CallTimeout
	if timeout <= 0 {
		timeout = timeouts.ExternalCall
	}
	policy := b.Retry
	if policy.Attempts <= 0 {
		policy = retry.External
	}
	gw := b.Gateway
	log := b.Logger.With("payment_id", state.ID, "attempt", attempt)

	return engine.Call(timeout, func(ctx context.Context) command.Command {
		resolve := ResolvePayload{Attempt: attempt}
		res, err := retry.Do(ctx, policy, func(ctx context.Context) (gateway.ChargeResult, error) {
			if gw == nil {
				return gateway.ChargeResult{}, retry.Permanent(errors.New("no payment gateway configured"))
			}
			res, err := gw.Charge(ctx, req)
			if gateway.Permanent(err) {
				return res, retry.Permanent(err)
			}
			return res, err
		}, func(err error, wait time.Duration) {
			log.Warn("charge failed, retrying", "wait", wait, "error", err)
		})
		if err != nil {
			resolve.Reason = err.Error()
		} else {
			resolve.TransactionID = res.TransactionID
		}
		raw, _ := json.Marshal(resolve)
		return command.Command{
			AggregateType: Kind,
			AggregateID:   state.ID,
			Type:          CommandResolve,
			CorrelationID: key + ":resolve",
			CausationID:   causation,
			PayloadJSON:   raw,
		}
	})
}
