package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

const (
	tallyAdd   command.Type = "tally.add"
	tallyGet   command.Type = "tally.get"
	tallyTwice command.Type = "tally.twice"
	tallyAdded event.Type   = "tally.added"
)

type tallyState struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

type tallyPayload struct {
	N int `json:"n"`
}

type tallyBehavior struct {
	foldErr error
}

func (tallyBehavior) Kind() string { return "tally" }

func (tallyBehavior) Register(commands *command.Registry, events *event.Registry) error {
	for _, t := range []command.Type{tallyAdd, tallyGet, tallyTwice} {
		if err := commands.Register(command.Definition{Type: t, Owner: "tally"}); err != nil {
			return err
		}
	}
	return events.Register(event.Definition{Type: tallyAdded, Owner: "tally"})
}

func (tallyBehavior) Initial(id string) tallyState { return tallyState{ID: id} }

func (tallyBehavior) Decide(state tallyState, cmd command.Command, now time.Time) command.Decision {
	switch cmd.Type {
	case tallyGet:
		return command.Decision{}
	case tallyAdd, tallyTwice:
		p, err := command.Decode[tallyPayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		if p.N <= 0 {
			return command.Rejectf(apperrors.CodeValidation, "n must be positive")
		}
		evt, err := command.EncodeEvent(cmd, tallyAdded, p, now)
		if err != nil {
			return command.Rejectf(apperrors.CodeUnknown, "%v", err)
		}
		if cmd.Type == tallyTwice {
			return command.Accept(evt, evt)
		}
		return command.Accept(evt)
	}
	return command.Rejectf(apperrors.CodeValidation, "unsupported %s", cmd.Type)
}

func (b tallyBehavior) Fold(state tallyState, evt event.Event) (tallyState, error) {
	if b.foldErr != nil {
		return state, b.foldErr
	}
	p, err := event.Decode[tallyPayload](evt)
	if err != nil {
		return state, err
	}
	state.Total += p.N
	return state, nil
}

func newTallyHandler(j journal.Journal, b tallyBehavior) *Handler[tallyState] {
	commands := command.NewRegistry()
	events := event.NewRegistry()
	if err := b.Register(commands, events); err != nil {
		panic(err)
	}
	return &Handler[tallyState]{
		Behavior:      b,
		Commands:      commands,
		Events:        events,
		Journal:       j,
		SnapshotEvery: DefaultSnapshotEvery,
		Now:           func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func addCmd(id, corr string, n int) command.Command {
	cmd, err := command.New("tally", id, tallyAdd, corr, tallyPayload{N: n})
	if err != nil {
		panic(err)
	}
	return cmd
}

// flakyJournal fails the next `failures` appends with a transient error.
type flakyJournal struct {
	journal.Journal

	mu       sync.Mutex
	failures int
	appends  int
}

var errFlaky = errors.New("disk hiccup")

func (f *flakyJournal) Append(ctx context.Context, evt event.Event) (event.Event, error) {
	f.mu.Lock()
	f.appends++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return event.Event{}, errFlaky
	}
	return f.Journal.Append(ctx, evt)
}

// racingJournal appends a foreign event before the first append it sees,
// simulating a second writer on the same stream.
type racingJournal struct {
	journal.Journal
	once sync.Once
}

func (r *racingJournal) Append(ctx context.Context, evt event.Event) (event.Event, error) {
	var raceErr error
	r.once.Do(func() {
		foreign := evt
		foreign.CorrelationID = "other-writer"
		foreign.PayloadJSON = []byte(`{"n":100}`)
		if _, err := r.Journal.Append(ctx, foreign); err != nil {
			raceErr = fmt.Errorf("seed race: %w", err)
		}
	})
	if raceErr != nil {
		return event.Event{}, raceErr
	}
	return r.Journal.Append(ctx, evt)
}
