package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

// Envelope is a command forwarded to the node that owns its aggregate.
type Envelope struct {
	From    string          `json:"from"`
	Ask     bool            `json:"ask"`
	Command command.Command `json:"command"`
}

// Receiver handles envelopes forwarded by peers.
type Receiver interface {
	Receive(ctx context.Context, env Envelope) (runtime.Reply, error)
}

// Transport carries envelopes between nodes.
type Transport interface {
	Forward(ctx context.Context, to Member, env Envelope) (runtime.Reply, error)
	Close() error
}

// MemoryTransport connects receivers in one process. Envelopes and replies
// are round-tripped through JSON so behavior matches a wire transport.
type MemoryTransport struct {
	mu    sync.RWMutex
	nodes map[string]Receiver
}

// NewMemoryTransport returns a transport with no bound nodes.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{nodes: map[string]Receiver{}}
}

// Bind routes envelopes for nodeID to r.
func (t *MemoryTransport) Bind(nodeID string, r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[nodeID] = r
}

// Unbind makes nodeID unreachable.
func (t *MemoryTransport) Unbind(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

// Forward implements Transport.
func (t *MemoryTransport) Forward(ctx context.Context, to Member, env Envelope) (runtime.Reply, error) {
	t.mu.RLock()
	r, ok := t.nodes[to.ID]
	t.mu.RUnlock()
	if !ok {
		return runtime.Reply{}, apperrors.New(apperrors.CodeUnavailable, fmt.Sprintf("node %s unreachable", to.ID))
	}
	var wire Envelope
	if err := roundTrip(env, &wire); err != nil {
		return runtime.Reply{}, err
	}
	reply, err := r.Receive(ctx, wire)
	if err != nil {
		return runtime.Reply{}, err
	}
	var out runtime.Reply
	if err := roundTrip(reply, &out); err != nil {
		return runtime.Reply{}, err
	}
	return out, nil
}

// Close implements Transport.
func (t *MemoryTransport) Close() error { return nil }

func roundTrip(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "encode envelope", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "decode envelope", err)
	}
	return nil
}
