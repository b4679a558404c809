package runtime

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/counter"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
)

func TestAskPersistsAndReplies(t *testing.T) {
	ts := newTestSystem(t, Config{})
	reply := ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "corr-1", counter.IncrementPayload{By: 3})
	if reply.Event == nil || reply.Event.Seq != 1 || reply.Event.Type != counter.EventIncremented {
		t.Fatalf("reply event = %+v", reply.Event)
	}
	if got := ts.counter(t, "c1").Value; got != 3 {
		t.Fatalf("value = %d, want 3", got)
	}
}

func TestDuplicateSubmissionPersistsOnce(t *testing.T) {
	ts := newTestSystem(t, Config{})
	first := ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "corr-1", counter.IncrementPayload{By: 1})
	latest := ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "corr-1", counter.IncrementPayload{By: 1})
	if !reflect.DeepEqual(latest, first) {
		t.Fatalf("immediate resubmission = %+v, want %+v", latest, first)
	}

	ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "corr-2", counter.IncrementPayload{By: 5})
	late := ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "corr-1", counter.IncrementPayload{By: 1})
	if !reflect.DeepEqual(late, first) {
		t.Fatalf("late resubmission = %+v, want %+v", late, first)
	}
	if n := ts.journal.StreamLen(event.StreamID(counter.Kind, "c1")); n != 2 {
		t.Fatalf("stream length = %d, want 2", n)
	}
}

func TestConcurrentDuplicatesPersistOnce(t *testing.T) {
	ts := newTestSystem(t, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, _ := command.New(counter.Kind, "c1", counter.CommandIncrement, "same", counter.IncrementPayload{By: 1})
			if _, err := ts.Ask(context.Background(), cmd); err != nil {
				t.Errorf("ask: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := ts.counter(t, "c1").Value; got != 1 {
		t.Fatalf("value = %d, want 1", got)
	}
}

func TestRejectionsAreTyped(t *testing.T) {
	ts := newTestSystem(t, Config{})
	cmd, _ := command.New(counter.Kind, "c1", counter.CommandIncrement, "corr", counter.IncrementPayload{By: 0})
	_, err := ts.Ask(context.Background(), cmd)
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}

	cmd.AggregateType = "nope"
	if _, err := ts.Ask(context.Background(), cmd); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("unknown kind err = %v, want validation error", err)
	}
	cmd.AggregateType = counter.Kind
	cmd.AggregateID = ""
	if _, err := ts.Ask(context.Background(), cmd); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("missing id err = %v, want validation error", err)
	}
}

func TestAskGeneratesCorrelationID(t *testing.T) {
	ts := newTestSystem(t, Config{})
	reply := ts.ask(t, counter.Kind, "c1", counter.CommandSet, "", counter.SetPayload{Value: 9})
	if reply.Event == nil || reply.Event.CorrelationID == "" {
		t.Fatalf("event = %+v, want generated correlation id", reply.Event)
	}
}

func TestRecoveryRestoresStateAndIdempotency(t *testing.T) {
	ts := newTestSystem(t, Config{SnapshotEvery: 2})
	for i, corr := range []string{"a", "b", "c"} {
		ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, corr, counter.IncrementPayload{By: int64(i + 1)})
	}
	if n := ts.StopWhere(func(kind, id string) bool { return kind == counter.Kind }); n != 1 {
		t.Fatalf("stopped %d entities, want 1", n)
	}
	if n := ts.Active(counter.Kind); n != 0 {
		t.Fatalf("active = %d after stop", n)
	}

	if got := ts.counter(t, "c1").Value; got != 6 {
		t.Fatalf("recovered value = %d, want 6", got)
	}
	// Correlation ids survive recovery, including the one inside the snapshot.
	for seq, corr := range map[uint64]string{1: "a", 3: "c"} {
		reply := ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, corr, counter.IncrementPayload{By: 1})
		if reply.Event == nil || reply.Event.Seq != seq || reply.Event.CorrelationID != corr {
			t.Fatalf("%s not recognised after recovery: %+v", corr, reply.Event)
		}
	}
	if n := ts.journal.StreamLen(event.StreamID(counter.Kind, "c1")); n != 3 {
		t.Fatalf("stream length = %d, want 3", n)
	}
	if _, err := ts.journal.LoadLatestSnapshot(context.Background(), event.StreamID(counter.Kind, "c1")); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}

func TestPassivation(t *testing.T) {
	ts := newTestSystem(t, Config{IdleTimeout: 20 * time.Millisecond})
	ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "a", counter.IncrementPayload{By: 2})
	eventually(t, func() bool { return ts.Active(counter.Kind) == 0 })

	reply := ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "b", counter.IncrementPayload{By: 2})
	if reply.Event == nil || reply.Event.Seq != 2 {
		t.Fatalf("reply after reactivation = %+v", reply.Event)
	}
}

func TestPublishesPersistedEvents(t *testing.T) {
	ts := newTestSystem(t, Config{})
	var mu sync.Mutex
	var seen []uint64
	err := ts.bus.Subscribe(context.Background(), "test", []event.Type{counter.EventIncremented}, func(_ context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "a", counter.IncrementPayload{By: 1})
	ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "a", counter.IncrementPayload{By: 1})
	ts.ask(t, counter.Kind, "c1", counter.CommandIncrement, "b", counter.IncrementPayload{By: 1})

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Equal(seen, []uint64{1, 2})
	})
	published, err := ts.journal.LoadPublished(context.Background(), event.StreamID(counter.Kind, "c1"))
	if err != nil || published != 2 {
		t.Fatalf("published watermark = %d, %v; want 2", published, err)
	}
}

func TestActivationRepublishesUnpublishedTail(t *testing.T) {
	ts := newTestSystem(t, Config{})
	stream := event.StreamID(counter.Kind, "c1")
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		evt := event.Event{
			AggregateType: counter.Kind,
			AggregateID:   "c1",
			Seq:           seq,
			Type:          counter.EventSet,
			CorrelationID: "seed-" + strconv.FormatUint(seq, 10),
			Timestamp:     time.Now().UTC(),
			PayloadJSON:   []byte(`{"value":1}`),
		}
		if _, err := ts.journal.Append(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := ts.journal.SavePublished(ctx, stream, 1); err != nil {
		t.Fatalf("save published: %v", err)
	}

	var mu sync.Mutex
	var seen []uint64
	if err := ts.bus.Subscribe(ctx, "test", []event.Type{counter.EventSet}, func(_ context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.Seq)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ts.counter(t, "c1")
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Equal(seen, []uint64{2, 3})
	})
	if published, _ := ts.journal.LoadPublished(ctx, stream); published != 3 {
		t.Fatalf("watermark = %d, want 3", published)
	}
}

func TestStashedCommandsWaitForCall(t *testing.T) {
	ts := newTestSystem(t, Config{})
	ts.ask(t, pingKind, "p1", "ping.start", "start", nil)
	ts.tell(t, pingKind, "p1", "ping.note", "n1", notePayload{Note: "a"})
	ts.tell(t, pingKind, "p1", "ping.note", "n2", notePayload{Note: "b"})

	time.Sleep(20 * time.Millisecond)
	if s := ts.ping(t, "p1"); len(s.Log) != 0 || !s.Pending {
		t.Fatalf("state while call pending = %+v", s)
	}

	close(ts.release)
	eventually(t, func() bool { return len(ts.ping(t, "p1").Log) == 3 })
	if got := ts.ping(t, "p1").Log; !slices.Equal(got, []string{"finished", "a", "b"}) {
		t.Fatalf("log = %v, want [finished a b]", got)
	}
}

func TestScheduleReplacesTimerWithSameKey(t *testing.T) {
	ts := newTestSystem(t, Config{})
	ts.ask(t, pingKind, "p1", "ping.arm", "arm-1", nil)
	ts.ask(t, pingKind, "p1", "ping.arm", "arm-2", nil)
	eventually(t, func() bool { return ts.ping(t, "p1").Fired == 1 })
	time.Sleep(50 * time.Millisecond)
	if fired := ts.ping(t, "p1").Fired; fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestDispatchFallbackOnRejection(t *testing.T) {
	ts := newTestSystem(t, Config{})
	ts.ask(t, pingKind, "p1", "ping.forward", "fwd", nil)
	eventually(t, func() bool { return slices.Contains(ts.ping(t, "p1").Log, "fallback") })
}

func TestDispatchAllThenCompletes(t *testing.T) {
	ts := newTestSystem(t, Config{})
	ts.ask(t, pingKind, "p1", "ping.compensate", "comp", nil)
	eventually(t, func() bool { return slices.Contains(ts.ping(t, "p1").Log, "done") })
	if got := ts.counter(t, "c1").Value; got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
}

type failingJournal struct {
	*journal.Memory
}

func (failingJournal) LoadLatestSnapshot(context.Context, string) (journal.Snapshot, error) {
	return journal.Snapshot{}, errors.New("disk on fire")
}

func TestRecoveryFailureFailsQueuedMessages(t *testing.T) {
	sys := NewSystem(Config{}, failingJournal{journal.NewMemory()}, nil)
	defer sys.Stop()
	if err := Register[counter.State](sys, counter.Behavior{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cmd, _ := command.New(counter.Kind, "c1", counter.CommandFetch, "q", nil)
	_, err := sys.Ask(context.Background(), cmd)
	if !apperrors.IsCode(err, apperrors.CodePersistenceFailure) {
		t.Fatalf("err = %v, want persistence failure", err)
	}
	if n := sys.Active(counter.Kind); n != 0 {
		t.Fatalf("active = %d after failed recovery", n)
	}
}

func TestStoppedSystemRejects(t *testing.T) {
	ts := newTestSystem(t, Config{})
	ts.Stop()
	cmd, _ := command.New(counter.Kind, "c1", counter.CommandFetch, "q", nil)
	if _, err := ts.Ask(context.Background(), cmd); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	j := journal.NewMemory()
	sys := NewSystem(Config{}, j, nil, WithMetrics(m))
	defer sys.Stop()
	if err := Register[counter.State](sys, counter.Behavior{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, corr := range []string{"a", "a"} {
		cmd, _ := command.New(counter.Kind, "c1", counter.CommandIncrement, corr, counter.IncrementPayload{By: 1})
		if _, err := sys.Ask(context.Background(), cmd); err != nil {
			t.Fatalf("ask: %v", err)
		}
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues(counter.Kind, "persisted")); got != 1 {
		t.Fatalf("persisted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues(counter.Kind, "duplicate")); got != 1 {
		t.Fatalf("duplicate = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveEntities.WithLabelValues(counter.Kind)); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}
}
