// Package saga choreographs the fulfillment flow. Each aggregate kind
// subscribes to the events that drive it; a translator turns each event into
// a command for the aggregate it concerns, with a correlation id derived from
// the event's stream and sequence so redelivery is absorbed downstream.
//
// A handler returns, and the bus may acknowledge the event, only after the
// target aggregate has handled the command. Stopped or unreachable targets
// are retried.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/bus"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

// Translator maps an event to a command. ok is false when the event does
// not concern any aggregate of the subscribing kind.
type Translator func(evt event.Event) (cmd command.Command, ok bool, err error)

// Subscription binds the event types that drive Kind to their translator.
type Subscription struct {
	Kind      string
	Types     []event.Type
	Translate Translator
}

// Filter reports whether this node delivers commands to kind/id. Nodes on a
// broadcast bus use it to act only for the aggregates they own.
type Filter func(kind, id string) bool

// Choreographer subscribes every Subscription on a bus and delivers the
// translated commands.
type Choreographer struct {
	bus        bus.Bus
	dispatcher runtime.Dispatcher
	subs       []Subscription
	filter     Filter
	retry      retry.Policy
	log        *logger.Logger
	metrics    *Metrics
}

// Option configures a Choreographer.
type Option func(*Choreographer)

// WithFilter restricts delivery to aggregates f accepts.
func WithFilter(f Filter) Option {
	return func(c *Choreographer) { c.filter = f }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Choreographer) { c.log = log }
}

// WithMetrics records delivery and compensation metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Choreographer) { c.metrics = m }
}

// WithRetry bounds redelivery of a translated command to its target. The
// default retries until the target handles the command or ctx ends.
func WithRetry(p retry.Policy) Option {
	return func(c *Choreographer) { c.retry = p }
}

// New builds a choreographer delivering through d.
func New(b bus.Bus, d runtime.Dispatcher, subs []Subscription, opts ...Option) *Choreographer {
	c := &Choreographer{
		bus:        b,
		dispatcher: d,
		subs:       subs,
		retry:      retry.Delivery,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes every Subscription until ctx ends.
func (c *Choreographer) Start(ctx context.Context) error {
	for _, sub := range c.subs {
		if err := c.bus.Subscribe(ctx, sub.Kind, sub.Types, c.handler(sub)); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Kind, err)
		}
	}
	if c.metrics != nil {
		observe := func(ctx context.Context, evt event.Event) error {
			if c.filter != nil && !c.filter(evt.AggregateType, evt.AggregateID) {
				return nil
			}
			return c.metrics.observe(ctx, evt)
		}
		if err := c.bus.Subscribe(ctx, "saga-metrics", observedTypes, observe); err != nil {
			return fmt.Errorf("subscribe saga metrics: %w", err)
		}
	}
	c.log.Info("saga subscriptions started", "subscriptions", len(c.subs))
	return nil
}

func (c *Choreographer) handler(sub Subscription) bus.Handler {
	return func(ctx context.Context, evt event.Event) error {
		cmd, ok, err := sub.Translate(evt)
		if err != nil {
			c.metrics.delivery(sub.Kind, "malformed")
			return fmt.Errorf("translate %s#%d: %w", evt.StreamID(), evt.Seq, err)
		}
		if !ok {
			c.metrics.delivery(sub.Kind, "ignored")
			return nil
		}
		if c.filter != nil && !c.filter(cmd.AggregateType, cmd.AggregateID) {
			return nil
		}
		_, err = retry.Do(ctx, c.retry, func(ctx context.Context) (runtime.Reply, error) {
			reply, err := c.dispatcher.Ask(ctx, cmd)
			if err != nil && !runtime.Retryable(err) {
				return reply, retry.Permanent(err)
			}
			return reply, err
		}, func(err error, wait time.Duration) {
			c.log.Debug("saga delivery failed, retrying", "command", cmd.Type, "target", cmd.AggregateID, "wait", wait, "error", err)
		})
		switch {
		case err == nil:
			c.metrics.delivery(sub.Kind, "delivered")
			return nil
		case ctx.Err() == nil && !runtime.Retryable(err):
			// Refused by the target; redelivery would be refused too.
			c.metrics.delivery(sub.Kind, "rejected")
			c.log.Warn("saga command rejected", "command", cmd.Type, "target", cmd.AggregateID,
				"correlation_id", cmd.CorrelationID, "error", err)
			return nil
		default:
			c.metrics.delivery(sub.Kind, "failed")
			return fmt.Errorf("deliver %s to %s: %w", cmd.Type, cmd.AggregateID, err)
		}
	}
}
