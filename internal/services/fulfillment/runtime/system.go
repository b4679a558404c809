// Package runtime hosts aggregate actors: one goroutine per live aggregate,
// a FIFO mailbox, persistence through the engine handler, and execution of
// the effects behaviors request after each persisted event.
//
// A System holds one router per aggregate kind. Routers spawn entities on
// first message, recover them from the journal before any command is
// accepted, and passivate them when idle. Lock order is router then
// mailbox; entities never take a router lock while holding their mailbox.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/platform/id"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/otel"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/platform/timeouts"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/bus"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/idempotency"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

var (
	// ErrStopped is returned for messages sent to a stopped system or to an
	// entity that stopped before handling them.
	ErrStopped = errors.New("runtime stopped")
	// ErrKindRegistered is returned when a kind is registered twice.
	ErrKindRegistered = errors.New("aggregate kind already registered")
)

// Reply answers an Ask. Event is nil for queries and no-ops. A resubmitted
// correlation id gets the reply its first submission got.
type Reply struct {
	Event   *event.Event        `json:"event,omitempty"`
	Outcome idempotency.Outcome `json:"outcome"`
	// State is the aggregate state right after the command, as JSON.
	State json.RawMessage `json:"state,omitempty"`
}

// Dispatcher delivers commands to aggregates, wherever they live. The
// System is its own dispatcher until a cluster router replaces it.
type Dispatcher interface {
	Ask(ctx context.Context, cmd command.Command) (Reply, error)
	Tell(ctx context.Context, cmd command.Command) error
}

// Config tunes a System. Zero values take defaults.
type Config struct {
	SnapshotEvery       int
	IdempotencyCapacity int
	// IdleTimeout passivates entities with no work for this long; zero keeps
	// entities alive until stopped.
	IdleTimeout time.Duration
	AskTimeout  time.Duration
	Persist     retry.Policy
	Dispatch    retry.Policy
	Compensate  retry.Policy
}

func (c Config) withDefaults() Config {
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = engine.DefaultSnapshotEvery
	}
	if c.IdempotencyCapacity <= 0 {
		c.IdempotencyCapacity = idempotency.DefaultCapacity
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = timeouts.Ask
	}
	if c.Persist.Attempts <= 0 {
		c.Persist = retry.Persist
	}
	if c.Dispatch.Attempts <= 0 {
		c.Dispatch = retry.External
	}
	if c.Compensate.Initial <= 0 {
		c.Compensate = retry.Compensation
	}
	return c
}

// kindRouter is the type-erased view of a router.
type kindRouter interface {
	deliver(id string, msg message) error
	stopWhere(pred func(id string) bool) int
	active() int
}

// System routes commands to the aggregate actors of every registered kind.
type System struct {
	cfg      Config
	journal  journal.Journal
	bus      bus.Publisher
	commands *command.Registry
	events   *event.Registry
	log      *logger.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup

	mu         sync.RWMutex
	routers    map[string]kindRouter
	dispatcher Dispatcher
	stopped    bool
}

// Option configures a System.
type Option func(*System)

// WithLogger sets the system logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *System) { s.log = log }
}

// WithMetrics records runtime metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *System) { s.metrics = m }
}

// WithTracer overrides the tracer from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *System) { s.tracer = t }
}

// NewSystem builds a system persisting to j and publishing to pub. pub may
// be nil, in which case events are not published.
func NewSystem(cfg Config, j journal.Journal, pub bus.Publisher, opts ...Option) *System {
	ctx, cancel := context.WithCancel(context.Background())
	s := &System{
		cfg:      cfg.withDefaults(),
		journal:  j,
		bus:      pub,
		commands: command.NewRegistry(),
		events:   event.NewRegistry(),
		log:      logger.Nop(),
		tracer:   otel.Tracer(),
		ctx:      ctx,
		cancel:   cancel,
		routers:  make(map[string]kindRouter),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = s
	return s
}

// Register adds an aggregate kind to sys.
func Register[S any](sys *System, b engine.Behavior[S]) error {
	kind := b.Kind()
	if err := b.Register(sys.commands, sys.events); err != nil {
		return fmt.Errorf("register %s: %w", kind, err)
	}
	r := newRouter(sys, b)

	sys.mu.Lock()
	defer sys.mu.Unlock()
	if _, ok := sys.routers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrKindRegistered, kind)
	}
	sys.routers[kind] = r
	return nil
}

// Commands returns the registry of every registered kind's commands.
func (s *System) Commands() *command.Registry { return s.commands }

// Events returns the registry of every registered kind's events.
func (s *System) Events() *event.Registry { return s.events }

// Registered reports whether kind is registered.
func (s *System) Registered(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.routers[kind]
	return ok
}

// SetDispatcher routes commands that effects send to other aggregates.
func (s *System) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

func (s *System) outbound() Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

func (s *System) router(kind string) (kindRouter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return nil, ErrStopped
	}
	r, ok := s.routers[kind]
	if !ok {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown aggregate kind %q", kind))
	}
	return r, nil
}

func (s *System) deliver(kind, id string, msg message) error {
	if id == "" {
		return apperrors.New(apperrors.CodeValidation, "aggregate id is required")
	}
	r, err := s.router(kind)
	if err != nil {
		return err
	}
	return r.deliver(id, msg)
}

func withCorrelation(cmd command.Command) (command.Command, error) {
	if cmd.CorrelationID != "" {
		return cmd, nil
	}
	corr, err := id.NewID()
	if err != nil {
		return cmd, apperrors.Wrap(apperrors.CodeUnknown, "generate correlation id", err)
	}
	cmd.CorrelationID = corr
	return cmd, nil
}

// Tell enqueues cmd without waiting for its outcome. A missing correlation id
// is generated.
func (s *System) Tell(ctx context.Context, cmd command.Command) error {
	cmd, err := withCorrelation(cmd)
	if err != nil {
		return err
	}
	return s.deliver(cmd.AggregateType, cmd.AggregateID, message{
		kind: msgCommand,
		cmd:  cmd,
		span: trace.SpanContextFromContext(ctx),
	})
}

// Ask enqueues cmd and waits for its outcome, bounded by ctx or the
// configured ask timeout. A timed out ask may still be applied; resubmitting
// with the same correlation id is safe.
func (s *System) Ask(ctx context.Context, cmd command.Command) (Reply, error) {
	cmd, err := withCorrelation(cmd)
	if err != nil {
		return Reply{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AskTimeout)
		defer cancel()
	}
	reply := make(chan outcome, 1)
	if err := s.deliver(cmd.AggregateType, cmd.AggregateID, message{
		kind:  msgCommand,
		cmd:   cmd,
		reply: reply,
		span:  trace.SpanContextFromContext(ctx),
	}); err != nil {
		return Reply{}, err
	}
	select {
	case out := <-reply:
		return out.reply, out.err
	case <-ctx.Done():
		return Reply{}, apperrors.Wrap(apperrors.CodeTimeout, fmt.Sprintf("ask %s %s", cmd.Type, cmd.AggregateID), ctx.Err())
	}
}

// Inspect returns the current state of kind/id as JSON, activating the
// entity if needed.
func (s *System) Inspect(ctx context.Context, kind, id string) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AskTimeout)
		defer cancel()
	}
	reply := make(chan outcome, 1)
	if err := s.deliver(kind, id, message{kind: msgInspect, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out.reply.State, out.err
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "inspect "+event.StreamID(kind, id), ctx.Err())
	}
}

// InspectState decodes Inspect's result into S.
func InspectState[S any](ctx context.Context, s *System, kind, id string) (S, error) {
	var state S
	raw, err := s.Inspect(ctx, kind, id)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("decode %s state: %w", kind, err)
	}
	return state, nil
}

// Active returns the number of live entities of kind.
func (s *System) Active(kind string) int {
	r, err := s.router(kind)
	if err != nil {
		return 0
	}
	return r.active()
}

// StopWhere stops every live entity for which pred returns true and waits
// for them to exit. Queued messages of stopped entities fail with
// ErrStopped. It returns the number of entities stopped.
func (s *System) StopWhere(pred func(kind, id string) bool) int {
	s.mu.RLock()
	routers := make(map[string]kindRouter, len(s.routers))
	for kind, r := range s.routers {
		routers[kind] = r
	}
	s.mu.RUnlock()

	stopped := 0
	for kind, r := range routers {
		stopped += r.stopWhere(func(id string) bool { return pred(kind, id) })
	}
	return stopped
}

// Stop stops every entity, cancels in-flight dispatches and calls, and
// waits for them.
func (s *System) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.StopWhere(func(string, string) bool { return true })
	s.async.Wait()
}

// goAsync runs fn on its own goroutine, tracked by Stop. It reports false,
// and runs nothing, once Stop began.
func (s *System) goAsync(fn func(ctx context.Context)) bool {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return false
	}
	s.async.Add(1)
	s.mu.RUnlock()
	go func() {
		defer s.async.Done()
		fn(s.ctx)
	}()
	return true
}
