package engine

import (
	"time"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Behavior is the pure definition of one aggregate kind.
//
// State values must round-trip through encoding/json: snapshots and state
// replies are JSON documents.
type Behavior[S any] interface {
	// Kind names the aggregate type, e.g. "order".
	Kind() string
	// Register adds the kind's command and event definitions.
	Register(commands *command.Registry, events *event.Registry) error
	// Initial returns the state of an aggregate with no events.
	Initial(id string) S
	// Decide returns at most one event, rejections, or neither for a query.
	Decide(state S, cmd command.Command, now time.Time) command.Decision
	// Fold applies a persisted event. It must be deterministic.
	Fold(state S, evt event.Event) (S, error)
}

// Reactor is implemented by behaviors with entry actions. React runs after
// evt is persisted and folded; state already includes evt.
type Reactor[S any] interface {
	React(state S, evt event.Event) []Effect
}

// Recoverer is implemented by behaviors that re-arm side effects after
// recovery, e.g. timers of awaiting states or outstanding external calls.
type Recoverer[S any] interface {
	Recover(state S) []Effect
}

// Stasher is implemented by behaviors that defer some commands while an
// external call is outstanding. Deferred commands are redelivered in arrival
// order once every call has resolved.
type Stasher[S any] interface {
	Deferrable(state S, cmd command.Command) bool
}
