package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/idempotency"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

// DefaultSnapshotEvery is the snapshot interval in persisted events.
const DefaultSnapshotEvery = 25

var (
	// ErrCommandRegistryRequired indicates a missing command registry.
	ErrCommandRegistryRequired = errors.New("command registry is required")
	// ErrEventRegistryRequired indicates a missing event registry.
	ErrEventRegistryRequired = errors.New("event registry is required")
	// ErrJournalRequired indicates a missing journal.
	ErrJournalRequired = errors.New("journal is required")
	// ErrBehaviorRequired indicates a missing behavior.
	ErrBehaviorRequired = errors.New("behavior is required")
)

// Observer receives pipeline measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	PersistDuration(kind string, d time.Duration)
	SnapshotSaved(kind string)
}

// Result captures the outcome of one command.
type Result struct {
	// Event is the persisted event; nil for queries and no-ops. A duplicate
	// carries the event its correlation id first produced.
	Event     *event.Event
	Outcome   idempotency.Outcome
	Duplicate bool
	// State is set for duplicates: the state right after Event, as JSON.
	State json.RawMessage
}

// Handler executes commands against an Instance.
type Handler[S any] struct {
	Behavior      Behavior[S]
	Commands      *command.Registry
	Events        *event.Registry
	Journal       journal.Journal
	SnapshotEvery int
	// Retry bounds transient append failures; zero uses retry.Persist.
	Retry    retry.Policy
	Observer Observer
	Logger   *logger.Logger
	Now      func() time.Time
}

func (h *Handler[S]) retryPolicy() retry.Policy {
	if h.Retry.Attempts <= 0 {
		return retry.Persist
	}
	return h.Retry
}

func (h *Handler[S]) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// Execute runs one command. Errors are *apperrors.Error values (possibly
// wrapped); a non-retryable error means inst no longer matches the journal
// and must be reloaded.
func (h *Handler[S]) Execute(ctx context.Context, inst *Instance[S], cmd command.Command) (Result, error) {
	switch {
	case h.Behavior == nil:
		return Result{}, ErrBehaviorRequired
	case h.Commands == nil:
		return Result{}, ErrCommandRegistryRequired
	case h.Events == nil:
		return Result{}, ErrEventRegistryRequired
	case h.Journal == nil:
		return Result{}, ErrJournalRequired
	}

	validated, err := h.Commands.ValidateForDecision(cmd)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeValidation, err.Error(), err)
	}
	cmd = validated

	result, err := h.decideAndPersist(ctx, inst, cmd)
	if errors.Is(err, journal.ErrSequenceConflict) {
		// Another writer advanced the stream. Catch up and decide once more.
		h.Logger.Warn("sequence conflict, catching up",
			"stream", inst.StreamID(), "seq", inst.Seq, "command", cmd.Type, "correlation_id", cmd.CorrelationID)
		if _, catchErr := CatchUp(ctx, h.Journal, h.Behavior, inst); catchErr != nil {
			return Result{}, wrapNonRetryable(apperrors.Wrap(apperrors.CodePersistenceFailure, "catch up after conflict", catchErr))
		}
		result, err = h.decideAndPersist(ctx, inst, cmd)
		if errors.Is(err, journal.ErrSequenceConflict) {
			return Result{}, apperrors.Wrap(apperrors.CodePersistenceFailure, "stream kept moving during append", err)
		}
	}
	return result, err
}

func (h *Handler[S]) decideAndPersist(ctx context.Context, inst *Instance[S], cmd command.Command) (Result, error) {
	if outcome, ok := inst.Idempotency.Lookup(cmd.CorrelationID); ok {
		return h.cached(ctx, inst, outcome)
	}

	now := h.now()
	decision := h.Behavior.Decide(inst.State, cmd, now)
	if decision.Rejected() {
		return Result{}, RejectionError(inst.StreamID(), cmd.Type, decision.Rejections[0])
	}
	switch len(decision.Events) {
	case 0:
		return Result{}, nil
	case 1:
	default:
		return Result{}, apperrors.New(apperrors.CodeUnknown,
			fmt.Sprintf("%s emitted %d events; at most one per command", cmd.Type, len(decision.Events)))
	}

	evt := decision.Events[0]
	evt.AggregateType = inst.Kind
	evt.AggregateID = inst.ID
	evt.Seq = inst.Seq + 1
	evt.CorrelationID = cmd.CorrelationID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	evt, err := h.Events.ValidateForAppend(evt)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeUnknown, "invalid event from decider", err)
	}

	stored, err := h.append(ctx, evt)
	if err != nil {
		return Result{}, err
	}
	if err := inst.Apply(h.Behavior, stored); err != nil {
		return Result{}, wrapNonRetryable(apperrors.Wrap(apperrors.CodeUnknown, "fold persisted event", err))
	}
	h.maybeSnapshot(ctx, inst, now)

	return Result{
		Event:   &stored,
		Outcome: idempotency.Outcome{Seq: stored.Seq, EventType: stored.Type},
	}, nil
}

// cached rebuilds the response outcome's command first produced.
func (h *Handler[S]) cached(ctx context.Context, inst *Instance[S], outcome idempotency.Outcome) (Result, error) {
	evt, state, err := StateAt(ctx, h.Journal, h.Behavior, inst, outcome.Seq)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodePersistenceFailure, "load cached response", err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeUnknown, "encode cached state", err)
	}
	return Result{Event: &evt, Outcome: outcome, Duplicate: true, State: raw}, nil
}

func (h *Handler[S]) append(ctx context.Context, evt event.Event) (event.Event, error) {
	started := time.Now()
	stored, err := retry.Do(ctx, h.retryPolicy(), func(ctx context.Context) (event.Event, error) {
		stored, err := h.Journal.Append(ctx, evt)
		if errors.Is(err, journal.ErrSequenceConflict) {
			return stored, retry.Permanent(err)
		}
		return stored, err
	}, func(err error, wait time.Duration) {
		h.Logger.Warn("append failed, retrying", "stream", evt.StreamID(), "seq", evt.Seq, "wait", wait, "error", err)
	})
	if h.Observer != nil {
		h.Observer.PersistDuration(evt.AggregateType, time.Since(started))
	}
	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, journal.ErrSequenceConflict):
		return event.Event{}, err
	case errors.Is(err, context.DeadlineExceeded):
		return event.Event{}, apperrors.Wrap(apperrors.CodeTimeout, "append timed out", err)
	default:
		return event.Event{}, apperrors.Wrap(apperrors.CodePersistenceFailure, "append event", err)
	}
}

func (h *Handler[S]) maybeSnapshot(ctx context.Context, inst *Instance[S], now time.Time) {
	every := h.SnapshotEvery
	if every <= 0 || inst.Seq%uint64(every) != 0 {
		return
	}
	if err := SaveSnapshot(ctx, h.Journal, inst, now); err != nil {
		// Snapshots only shorten recovery; the event is already durable.
		h.Logger.Warn("snapshot failed", "stream", inst.StreamID(), "seq", inst.Seq, "error", err)
		return
	}
	if h.Observer != nil {
		h.Observer.SnapshotSaved(inst.Kind)
	}
}
