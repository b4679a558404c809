package runtime

import (
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
)

type messageKind int

const (
	msgCommand messageKind = iota
	msgInspect
	msgCallDone
	msgTimer
)

type message struct {
	kind  messageKind
	cmd   command.Command
	reply chan<- outcome
	// span links the handling span to the caller's trace.
	span trace.SpanContext

	timerKey string
	timerGen uint64
}

type outcome struct {
	reply Reply
	err   error
}

func (m message) respond(reply Reply, err error) {
	if m.reply != nil {
		m.reply <- outcome{reply: reply, err: err}
	}
}

// mailbox is an unbounded FIFO. ready holds at most one wake-up token.
type mailbox struct {
	mu     sync.Mutex
	queue  []message
	closed bool
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) wake() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// push appends msg and reports false when the mailbox is closed.
func (m *mailbox) push(msg message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, msg)
	m.wake()
	return true
}

// pushFront puts msgs ahead of everything queued, keeping their order.
func (m *mailbox) pushFront(msgs []message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(append(make([]message, 0, len(msgs)+len(m.queue)), msgs...), m.queue...)
	m.wake()
	return true
}

// pop returns the next message. closed is true once the mailbox is closed.
func (m *mailbox) pop() (msg message, ok, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return message{}, false, true
	}
	if len(m.queue) == 0 {
		return message{}, false, false
	}
	msg = m.queue[0]
	m.queue[0] = message{}
	m.queue = m.queue[1:]
	return msg, true, false
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// closeIfEmpty closes the mailbox only when nothing is queued.
func (m *mailbox) closeIfEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		return false
	}
	m.closed = true
	m.wake()
	return true
}

// close closes the mailbox and returns what was still queued.
func (m *mailbox) close() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	rest := m.queue
	m.queue = nil
	m.closed = true
	m.wake()
	return rest
}
