package runtime

import (
	"sync"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
)

// router owns the live entities of one kind.
type router[S any] struct {
	sys       *System
	kind      string
	behavior  engine.Behavior[S]
	handler   *engine.Handler[S]
	reactor   engine.Reactor[S]
	recoverer engine.Recoverer[S]
	stasher   engine.Stasher[S]

	mu       sync.Mutex
	entities map[string]*entity[S]
}

func newRouter[S any](sys *System, b engine.Behavior[S]) *router[S] {
	r := &router[S]{
		sys:      sys,
		kind:     b.Kind(),
		behavior: b,
		entities: make(map[string]*entity[S]),
		handler: &engine.Handler[S]{
			Behavior:      b,
			Commands:      sys.commands,
			Events:        sys.events,
			Journal:       sys.journal,
			SnapshotEvery: sys.cfg.SnapshotEvery,
			Retry:         sys.cfg.Persist,
			Logger:        sys.log.With("kind", b.Kind()),
		},
	}
	if sys.metrics != nil {
		r.handler.Observer = sys.metrics
	}
	r.reactor, _ = b.(engine.Reactor[S])
	r.recoverer, _ = b.(engine.Recoverer[S])
	r.stasher, _ = b.(engine.Stasher[S])
	return r
}

// deliver enqueues msg on the entity for id, spawning it when needed. The
// push happens under r.mu so passivation cannot close the mailbox between
// lookup and push.
func (r *router[S]) deliver(id string, msg message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		e = newEntity(r, id)
		r.entities[id] = e
		r.sys.metrics.entityActivated(r.kind)
		go e.run()
	}
	if !e.mailbox.push(msg) {
		return ErrStopped
	}
	return nil
}

// release removes e if it is still the live entity for its id and closes
// its mailbox. With onlyIfIdle it gives up when messages are queued.
func (r *router[S]) release(e *entity[S], onlyIfIdle bool) ([]message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if onlyIfIdle {
		if !e.mailbox.closeIfEmpty() {
			return nil, false
		}
		r.forget(e)
		return nil, true
	}
	rest := e.mailbox.close()
	r.forget(e)
	return rest, true
}

func (r *router[S]) forget(e *entity[S]) {
	if r.entities[e.id] == e {
		delete(r.entities, e.id)
		r.sys.metrics.entityStopped(r.kind)
	}
}

func (r *router[S]) stopWhere(pred func(id string) bool) int {
	r.mu.Lock()
	var victims []*entity[S]
	for id, e := range r.entities {
		if pred(id) {
			victims = append(victims, e)
		}
	}
	r.mu.Unlock()

	for _, e := range victims {
		rest, _ := r.release(e, false)
		for _, msg := range rest {
			msg.respond(Reply{}, ErrStopped)
		}
	}
	for _, e := range victims {
		<-e.done
	}
	return len(victims)
}

func (r *router[S]) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}
