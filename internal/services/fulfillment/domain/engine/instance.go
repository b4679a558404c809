package engine

import (
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/idempotency"
)

// Instance is the live state of one aggregate. It is owned by a single
// goroutine and is not safe for concurrent use.
type Instance[S any] struct {
	Kind        string
	ID          string
	State       S
	Seq         uint64
	Idempotency *idempotency.Record
}

// NewInstance returns an instance at its initial state.
func NewInstance[S any](b Behavior[S], id string, capacity int) *Instance[S] {
	return &Instance[S]{
		Kind:        b.Kind(),
		ID:          id,
		State:       b.Initial(id),
		Idempotency: idempotency.New(capacity),
	}
}

// StreamID returns the instance's journal stream.
func (i *Instance[S]) StreamID() string {
	return event.StreamID(i.Kind, i.ID)
}

// Apply folds a persisted event and records its correlation id.
func (i *Instance[S]) Apply(b Behavior[S], evt event.Event) error {
	next, err := b.Fold(i.State, evt)
	if err != nil {
		return err
	}
	i.State = next
	i.Seq = evt.Seq
	i.Idempotency.Observe(evt)
	return nil
}
