package cluster

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/timeouts"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

// Router delivers commands to the node owning their aggregate: the local
// System when this node owns the shard, a peer through the Transport
// otherwise. It implements runtime.Dispatcher and Receiver.
type Router struct {
	self       Member
	sys        *runtime.System
	membership Membership
	transport  Transport
	alloc      Allocator
	log        *logger.Logger

	mu      sync.RWMutex
	members []Member
	unwatch func()
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithShards sets the shard count. Every node must use the same value.
func WithShards(n int) RouterOption {
	return func(r *Router) { r.alloc.Shards = n }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(log *logger.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// NewRouter builds the router of node self and installs it as sys's
// dispatcher, so effects of local entities are routed too.
func NewRouter(self Member, sys *runtime.System, membership Membership, transport Transport, opts ...RouterOption) *Router {
	r := &Router{
		self:       self,
		sys:        sys,
		membership: membership,
		transport:  transport,
		alloc:      Allocator{Shards: DefaultShards},
		log:        logger.Nop(),
		members:    membership.Members(),
	}
	for _, opt := range opts {
		opt(r)
	}
	sys.SetDispatcher(r)
	return r
}

// Start rebalances on every membership change until Close.
func (r *Router) Start() {
	unwatch := r.membership.Watch(func([]Member) { r.Rebalance() })
	r.mu.Lock()
	r.unwatch = unwatch
	r.mu.Unlock()
	r.Rebalance()
}

// Close stops watching membership.
func (r *Router) Close() {
	r.mu.Lock()
	unwatch := r.unwatch
	r.unwatch = nil
	r.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

// Self returns the local member.
func (r *Router) Self() Member { return r.self }

// Owner returns the member owning kind/id in the current view. The shard
// key is the id alone, so an order's payment and shipment, which share its
// id, live on the order's node.
func (r *Router) Owner(_ string, id string) (Member, bool) {
	r.mu.RLock()
	members := r.members
	r.mu.RUnlock()
	return r.alloc.Owner(r.alloc.ShardOf(id), members)
}

// Owns reports whether this node owns kind/id. It has the shape of a saga
// filter.
func (r *Router) Owns(kind, id string) bool {
	owner, ok := r.Owner(kind, id)
	return ok && owner.ID == r.self.ID
}

// Rebalance refreshes the membership view and stops local entities whose
// shard moved to another member. The new owner recovers them from the
// journal on their next command.
func (r *Router) Rebalance() int {
	members := r.membership.Members()
	r.mu.Lock()
	r.members = members
	r.mu.Unlock()

	stopped := r.sys.StopWhere(func(kind, id string) bool { return !r.Owns(kind, id) })
	r.log.Info("shards rebalanced", "node", r.self.ID, "members", len(members), "stopped", stopped)
	return stopped
}

// Ask implements runtime.Dispatcher.
func (r *Router) Ask(ctx context.Context, cmd command.Command) (runtime.Reply, error) {
	owner, err := r.route(cmd)
	if err != nil {
		return runtime.Reply{}, err
	}
	if owner.ID == r.self.ID {
		return r.sys.Ask(ctx, cmd)
	}
	return r.forward(ctx, owner, Envelope{From: r.self.ID, Ask: true, Command: cmd})
}

// Tell implements runtime.Dispatcher.
func (r *Router) Tell(ctx context.Context, cmd command.Command) error {
	owner, err := r.route(cmd)
	if err != nil {
		return err
	}
	if owner.ID == r.self.ID {
		return r.sys.Tell(ctx, cmd)
	}
	_, err = r.forward(ctx, owner, Envelope{From: r.self.ID, Command: cmd})
	return err
}

// Receive implements Receiver. Envelopes for aggregates this node no longer
// owns are refused as unavailable; the sender retries against its refreshed
// view.
func (r *Router) Receive(ctx context.Context, env Envelope) (runtime.Reply, error) {
	cmd := env.Command
	if !r.Owns(cmd.AggregateType, cmd.AggregateID) {
		return runtime.Reply{}, apperrors.WithMetadata(apperrors.CodeUnavailable,
			fmt.Sprintf("node %s does not own %s", r.self.ID, event.StreamID(cmd.AggregateType, cmd.AggregateID)),
			map[string]string{"node": r.self.ID})
	}
	if env.Ask {
		return r.sys.Ask(ctx, cmd)
	}
	return runtime.Reply{}, r.sys.Tell(ctx, cmd)
}

func (r *Router) route(cmd command.Command) (Member, error) {
	owner, ok := r.Owner(cmd.AggregateType, cmd.AggregateID)
	if !ok {
		return Member{}, apperrors.New(apperrors.CodeUnavailable, "no live members")
	}
	return owner, nil
}

func (r *Router) forward(ctx context.Context, owner Member, env Envelope) (runtime.Reply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeouts.Forward)
		defer cancel()
	}
	reply, err := r.transport.Forward(ctx, owner, env)
	if err != nil {
		r.log.Debug("forward failed", "to", owner.ID, "command", env.Command.Type, "target", env.Command.AggregateID, "error", err)
		return runtime.Reply{}, err
	}
	return reply, nil
}
