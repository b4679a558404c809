package runtime

import (
	"context"
	"slices"
	"testing"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/bus"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/counter"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/engine"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

// ping is a test aggregate whose events request one effect each.
const pingKind = "ping"

type pingState struct {
	ID      string   `json:"id"`
	Pending bool     `json:"pending"`
	Log     []string `json:"log"`
	Fired   int      `json:"fired"`
}

type notePayload struct {
	Note string `json:"note"`
}

var pingCommands = map[command.Type]event.Type{
	"ping.start":      "ping.started",
	"ping.finish":     "ping.finished",
	"ping.note":       "ping.noted",
	"ping.arm":        "ping.armed",
	"ping.fire":       "ping.fired",
	"ping.forward":    "ping.forwarded",
	"ping.compensate": "ping.compensated",
}

type pingBehavior struct {
	// release unblocks the external call started by ping.started.
	release chan struct{}
}

var (
	_ engine.Reactor[pingState] = pingBehavior{}
	_ engine.Stasher[pingState] = pingBehavior{}
)

func (pingBehavior) Kind() string { return pingKind }

func (pingBehavior) Register(commands *command.Registry, events *event.Registry) error {
	for cmd, evt := range pingCommands {
		if err := commands.Register(command.Definition{Type: cmd, Owner: pingKind}); err != nil {
			return err
		}
		if err := events.Register(event.Definition{Type: evt, Owner: pingKind}); err != nil {
			return err
		}
	}
	return nil
}

func (pingBehavior) Initial(id string) pingState { return pingState{ID: id} }

func (pingBehavior) Decide(_ pingState, cmd command.Command, now time.Time) command.Decision {
	p, err := command.Decode[notePayload](cmd)
	if err != nil {
		return command.Rejectf(apperrors.CodeValidation, "%v", err)
	}
	return command.Emit(cmd, pingCommands[cmd.Type], p, now)
}

func (pingBehavior) Fold(s pingState, evt event.Event) (pingState, error) {
	switch evt.Type {
	case "ping.started":
		s.Pending = true
	case "ping.finished":
		s.Pending = false
		s.Log = append(slices.Clip(s.Log), "finished")
	case "ping.noted":
		p, err := event.Decode[notePayload](evt)
		if err != nil {
			return s, err
		}
		s.Log = append(slices.Clip(s.Log), p.Note)
	case "ping.fired":
		s.Fired++
	}
	return s, nil
}

func (b pingBehavior) React(s pingState, evt event.Event) []engine.Effect {
	switch evt.Type {
	case "ping.started":
		release := b.release
		return []engine.Effect{engine.Call(time.Second, func(ctx context.Context) command.Command {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return command.Caused(evt, "finish", pingKind, s.ID, "ping.finish", nil)
		})}
	case "ping.armed":
		return []engine.Effect{engine.Schedule("fire", 20*time.Millisecond,
			command.Caused(evt, "fire", pingKind, s.ID, "ping.fire", nil))}
	case "ping.forwarded":
		bad := command.Caused(evt, "forward", counter.Kind, "c1", counter.CommandIncrement, counter.IncrementPayload{By: 0})
		return []engine.Effect{engine.Dispatch(bad, func(err error) command.Command {
			return command.Caused(evt, "fallback", pingKind, s.ID, "ping.note", notePayload{Note: "fallback"})
		})}
	case "ping.compensated":
		cmds := []command.Command{
			command.Caused(evt, "a", counter.Kind, "c1", counter.CommandIncrement, counter.IncrementPayload{By: 1}),
			command.Caused(evt, "b", counter.Kind, "c1", counter.CommandIncrement, counter.IncrementPayload{By: 1}),
		}
		then := command.Caused(evt, "done", pingKind, s.ID, "ping.note", notePayload{Note: "done"})
		return []engine.Effect{engine.DispatchAll(cmds, then)}
	}
	return nil
}

func (pingBehavior) Deferrable(s pingState, cmd command.Command) bool {
	return s.Pending && cmd.Type == "ping.note"
}

type testSystem struct {
	*System
	journal *journal.Memory
	bus     *bus.Memory
	release chan struct{}
}

func newTestSystem(t *testing.T, cfg Config) *testSystem {
	t.Helper()
	if cfg.Dispatch.Attempts == 0 {
		cfg.Dispatch = retry.Policy{Attempts: 2, Initial: time.Millisecond, Max: 5 * time.Millisecond}
	}
	if cfg.Compensate.Initial == 0 {
		cfg.Compensate = retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond}
	}
	j := journal.NewMemory()
	b := bus.NewMemory(logger.Nop())
	sys := NewSystem(cfg, j, b)
	release := make(chan struct{})
	if err := Register[counter.State](sys, counter.Behavior{}); err != nil {
		t.Fatalf("register counter: %v", err)
	}
	if err := Register[pingState](sys, pingBehavior{release: release}); err != nil {
		t.Fatalf("register ping: %v", err)
	}
	t.Cleanup(func() {
		sys.Stop()
		b.Close()
	})
	return &testSystem{System: sys, journal: j, bus: b, release: release}
}

func (ts *testSystem) ask(t *testing.T, kind, id string, typ command.Type, corr string, payload any) Reply {
	t.Helper()
	cmd, err := command.New(kind, id, typ, corr, payload)
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	reply, err := ts.Ask(context.Background(), cmd)
	if err != nil {
		t.Fatalf("ask %s: %v", typ, err)
	}
	return reply
}

func (ts *testSystem) tell(t *testing.T, kind, id string, typ command.Type, corr string, payload any) {
	t.Helper()
	cmd, err := command.New(kind, id, typ, corr, payload)
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	if err := ts.Tell(context.Background(), cmd); err != nil {
		t.Fatalf("tell %s: %v", typ, err)
	}
}

func (ts *testSystem) ping(t *testing.T, id string) pingState {
	t.Helper()
	s, err := InspectState[pingState](context.Background(), ts.System, pingKind, id)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	return s
}

func (ts *testSystem) counter(t *testing.T, id string) counter.State {
	t.Helper()
	s, err := InspectState[counter.State](context.Background(), ts.System, counter.Kind, id)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	return s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
