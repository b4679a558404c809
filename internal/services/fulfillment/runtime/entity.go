package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// publishBatch bounds journal reads when republishing a stream's tail.
const publishBatch = 256

type armedTimer struct {
	timer *time.Timer
	gen   uint64
	cmd   command.Command
}

// entity is one live aggregate. Only its own goroutine touches inst, stash,
// timers and counters.
type entity[S any] struct {
	r       *router[S]
	id      string
	mailbox *mailbox
	log     *logger.Logger
	done    chan struct{}

	inst         *engine.Instance[S]
	stash        []message
	pendingCalls int
	timers       map[string]armedTimer
	timerGen     uint64
	published    uint64
}

func newEntity[S any](r *router[S], id string) *entity[S] {
	return &entity[S]{
		r:       r,
		id:      id,
		mailbox: newMailbox(),
		log:     r.sys.log.With("stream", event.StreamID(r.kind, id)),
		done:    make(chan struct{}),
		timers:  make(map[string]armedTimer),
	}
}

func (e *entity[S]) streamID() string { return event.StreamID(e.r.kind, e.id) }

func (e *entity[S]) run() {
	defer close(e.done)
	defer e.shutdown()
	ctx := e.r.sys.ctx

	if err := e.recover(ctx); err != nil {
		e.log.Error("recovery failed", "error", err)
		rest, _ := e.r.release(e, false)
		failure := apperrors.Wrap(apperrors.CodePersistenceFailure, "recover "+e.streamID(), err)
		for _, msg := range rest {
			msg.respond(Reply{}, failure)
		}
		return
	}

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if d := e.r.sys.cfg.IdleTimeout; d > 0 {
		idleTimer = time.NewTimer(d)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		msg, ok, closed := e.mailbox.pop()
		if closed {
			return
		}
		if ok {
			e.handle(ctx, msg)
			if idleTimer != nil {
				idleTimer.Reset(e.r.sys.cfg.IdleTimeout)
			}
			continue
		}
		select {
		case <-e.mailbox.ready:
		case <-idle:
			if e.idle() {
				if _, ok := e.r.release(e, true); ok {
					e.log.Debug("entity passivated", "seq", e.inst.Seq)
					return
				}
			}
			idleTimer.Reset(e.r.sys.cfg.IdleTimeout)
		case <-ctx.Done():
			e.r.release(e, false)
			return
		}
	}
}

// idle reports whether nothing would be lost by stopping now.
func (e *entity[S]) idle() bool {
	return e.pendingCalls == 0 && len(e.stash) == 0 && len(e.timers) == 0
}

func (e *entity[S]) shutdown() {
	for key, t := range e.timers {
		t.timer.Stop()
		delete(e.timers, key)
	}
	for _, msg := range e.stash {
		msg.respond(Reply{}, ErrStopped)
	}
	e.stash = nil
}

// recover loads the aggregate, republishes anything not yet published and
// re-arms the behavior's side effects. Nothing is handled before it returns.
func (e *entity[S]) recover(ctx context.Context) error {
	sys := e.r.sys
	ctx, span := sys.tracer.Start(ctx, "runtime.recover", trace.WithAttributes(
		attribute.String("aggregate.kind", e.r.kind),
		attribute.String("aggregate.id", e.id),
	))
	defer span.End()

	inst, stats, err := engine.Load(ctx, sys.journal, e.r.behavior, e.id, sys.cfg.IdempotencyCapacity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load")
		return err
	}
	e.inst = inst
	sys.metrics.replayed(e.r.kind, stats.Replayed)
	span.SetAttributes(attribute.Int64("aggregate.seq", int64(inst.Seq)), attribute.Int("replayed", stats.Replayed))

	if sys.bus != nil {
		published, err := sys.journal.LoadPublished(ctx, e.streamID())
		if err != nil {
			return err
		}
		e.published = published
		e.publish(ctx, nil)
	}
	if inst.Seq > 0 {
		e.log.Debug("entity recovered", "seq", inst.Seq, "snapshot_seq", stats.SnapshotSeq, "replayed", stats.Replayed)
	}
	if e.r.recoverer != nil {
		e.apply(e.r.recoverer.Recover(inst.State))
	}
	return nil
}

// reload replaces inst after a failure left it out of step with the journal.
func (e *entity[S]) reload(ctx context.Context) {
	sys := e.r.sys
	inst, _, err := engine.Load(ctx, sys.journal, e.r.behavior, e.id, sys.cfg.IdempotencyCapacity)
	if err != nil {
		e.log.Error("reload failed, stopping entity", "error", err)
		rest, _ := e.r.release(e, false)
		for _, msg := range rest {
			msg.respond(Reply{}, ErrStopped)
		}
		return
	}
	e.inst = inst
}

func (e *entity[S]) handle(ctx context.Context, msg message) {
	switch msg.kind {
	case msgInspect:
		state, err := json.Marshal(e.inst.State)
		msg.respond(Reply{State: state}, err)

	case msgTimer:
		armed, ok := e.timers[msg.timerKey]
		if !ok || armed.gen != msg.timerGen {
			return
		}
		delete(e.timers, msg.timerKey)
		e.process(ctx, message{kind: msgCommand, cmd: armed.cmd})

	case msgCallDone:
		e.pendingCalls--
		if msg.cmd.Type != "" {
			e.process(ctx, msg)
		}
		if e.pendingCalls == 0 && len(e.stash) > 0 {
			stashed := e.stash
			e.stash = nil
			e.mailbox.pushFront(stashed)
		}

	default:
		if e.pendingCalls > 0 && e.r.stasher != nil && e.r.stasher.Deferrable(e.inst.State, msg.cmd) {
			e.log.Debug("command stashed", "command", msg.cmd.Type, "correlation_id", msg.cmd.CorrelationID)
			e.stash = append(e.stash, msg)
			return
		}
		e.process(ctx, msg)
	}
}

func (e *entity[S]) process(ctx context.Context, msg message) {
	sys := e.r.sys
	cmd := msg.cmd
	if msg.span.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, msg.span)
	}
	ctx, span := sys.tracer.Start(ctx, "runtime.handle", trace.WithAttributes(
		attribute.String("aggregate.kind", e.r.kind),
		attribute.String("aggregate.id", e.id),
		attribute.String("command.type", string(cmd.Type)),
		attribute.String("command.correlation_id", cmd.CorrelationID),
	))
	defer span.End()

	res, err := e.r.handler.Execute(ctx, e.inst, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		e.reject(cmd, err)
		if engine.IsNonRetryable(err) {
			e.reload(ctx)
		}
		msg.respond(Reply{}, err)
		return
	}

	reply := Reply{Event: res.Event, Outcome: res.Outcome, State: res.State}
	switch {
	case res.Duplicate:
		sys.metrics.command(e.r.kind, "duplicate")
	case res.Event == nil:
		sys.metrics.command(e.r.kind, "noop")
	default:
		sys.metrics.command(e.r.kind, "persisted")
		span.SetAttributes(attribute.String("event.type", string(res.Event.Type)), attribute.Int64("event.seq", int64(res.Event.Seq)))
	}
	if msg.reply != nil && reply.State == nil {
		if state, err := json.Marshal(e.inst.State); err == nil {
			reply.State = state
		}
	}
	msg.respond(reply, nil)

	if res.Event == nil || res.Duplicate {
		return
	}
	if sys.bus != nil {
		e.publish(ctx, res.Event)
	}
	if e.r.reactor != nil {
		e.apply(e.r.reactor.React(e.inst.State, *res.Event))
	}
}

func (e *entity[S]) reject(cmd command.Command, err error) {
	code := apperrors.CodeOf(err)
	e.r.sys.metrics.command(e.r.kind, "rejected")
	kv := []any{"command", cmd.Type, "correlation_id", cmd.CorrelationID, "code", code, "error", err}
	switch {
	case code == apperrors.CodeIllegalTransition:
		e.log.Warn("illegal transition", kv...)
	case code.Retryable() || code == apperrors.CodeUnknown:
		e.log.Error("command failed", kv...)
	default:
		e.log.Debug("command rejected", kv...)
	}
}

// publish sends every persisted event above the watermark and advances it.
// fresh, when it directly follows the watermark, is sent without a journal
// read. Failures leave the watermark behind; the next publish or activation
// retries.
func (e *entity[S]) publish(ctx context.Context, fresh *event.Event) {
	sys := e.r.sys
	start := e.published
	for e.published < e.inst.Seq {
		var batch []event.Event
		if fresh != nil && fresh.Seq == e.published+1 {
			batch = []event.Event{*fresh}
		} else {
			evts, err := sys.journal.ReadStream(ctx, e.streamID(), e.published, publishBatch)
			if err != nil {
				e.log.Warn("read unpublished events", "after_seq", e.published, "error", err)
				break
			}
			if len(evts) == 0 {
				break
			}
			batch = evts
		}
		failed := false
		for _, evt := range batch {
			if err := sys.bus.Publish(ctx, evt); err != nil {
				e.log.Warn("publish failed", "seq", evt.Seq, "event", evt.Type, "error", err)
				failed = true
				break
			}
			e.published = evt.Seq
		}
		if failed {
			break
		}
	}
	if e.published == start {
		return
	}
	if err := sys.journal.SavePublished(ctx, e.streamID(), e.published); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("save published watermark", "seq", e.published, "error", err)
	}
}
