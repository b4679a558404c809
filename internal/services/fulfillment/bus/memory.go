package bus

import (
	"context"
	"sync"

	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Memory is an in-process bus. Each subscription has its own unbounded
// queue and delivery goroutine, so a slow subscriber never blocks the
// publishing aggregate.
type Memory struct {
	// Redeliver publishes every event this many extra times. Tests use it to
	// exercise at-least-once delivery.
	Redeliver int

	log *logger.Logger

	mu     sync.Mutex
	subs   []*memorySub
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*Memory)(nil)

// NewMemory returns an empty in-process bus.
func NewMemory(log *logger.Logger) *Memory {
	return &Memory{log: log}
}

type memorySub struct {
	name    string
	types   []event.Type
	handler Handler

	mu     sync.Mutex
	queue  []event.Event
	ready  chan struct{}
	closed bool
}

func (s *memorySub) push(evt event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, evt)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *memorySub) next() (event.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return event.Event{}, false
	}
	evt := s.queue[0]
	s.queue[0] = event.Event{}
	s.queue = s.queue[1:]
	return evt, true
}

func (s *memorySub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
}

// Publish enqueues evt for every matching subscription.
func (m *Memory) Publish(ctx context.Context, evt event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, sub := range m.subs {
		if !accepts(sub.types, evt.Type) {
			continue
		}
		for i := 0; i <= m.Redeliver; i++ {
			sub.push(evt)
		}
	}
	return nil
}

// Subscribe registers h. Events published before Subscribe are not
// delivered.
func (m *Memory) Subscribe(ctx context.Context, name string, types []event.Type, h Handler) error {
	sub := &memorySub{
		name:    name,
		types:   append([]event.Type(nil), types...),
		handler: h,
		ready:   make(chan struct{}, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.subs = append(m.subs, sub)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.remove(sub)
		for {
			for {
				evt, ok := sub.next()
				if !ok {
					break
				}
				if err := sub.handler(ctx, evt); err != nil {
					m.log.Warn("bus handler failed", "subscriber", sub.name, "event", evt.Type,
						"stream", evt.StreamID(), "seq", evt.Seq, "error", err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.ready:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (m *Memory) remove(sub *memorySub) {
	sub.close()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return
		}
	}
}

// Close stops every subscription and waits for in-flight handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, sub := range m.subs {
		sub.close()
		close(sub.ready)
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
