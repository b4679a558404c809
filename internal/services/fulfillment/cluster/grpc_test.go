package cluster

import (
	"context"
	"fmt"
	"net"
	"testing"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/counter"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

func TestGRPCTransportBetweenRouters(t *testing.T) {
	n1 := Member{ID: "n1", Addr: "passthrough:///n1"}
	n2 := Member{ID: "n2", Addr: "passthrough:///n2"}
	membership := NewStaticMembership(n1, n2)
	j := journal.NewMemory()

	newSystem := func() *runtime.System {
		sys := runtime.NewSystem(runtime.Config{}, j, nil)
		if err := runtime.Register[counter.State](sys, counter.Behavior{}); err != nil {
			t.Fatalf("register counter: %v", err)
		}
		t.Cleanup(sys.Stop)
		return sys
	}

	lis := bufconn.Listen(1 << 20)
	remote := NewRouter(n2, newSystem(), membership, NewMemoryTransport())
	srv := NewGRPCServer(remote, nil)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, lis) }()
	defer func() {
		cancel()
		if err := <-served; err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	tr := NewGRPCTransport(nil, gogrpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	defer tr.Close()
	entry := NewRouter(n1, newSystem(), membership, tr)

	var id string
	for i := 0; ; i++ {
		id = fmt.Sprintf("c%d", i)
		if owner, _ := entry.Owner(counter.Kind, id); owner.ID == "n2" {
			break
		}
	}

	first := increment(t, entry, id, 3)
	if first.Event == nil || first.Event.Seq != 1 || first.Event.AggregateID != id {
		t.Fatalf("reply = %+v", first)
	}
	if again := increment(t, entry, id, 3); again.Event == nil || again.Event.Seq != 1 || string(again.State) != string(first.State) {
		t.Fatalf("resubmission = %+v, want the first reply %+v", again, first)
	}

	bad := command.Command{AggregateType: counter.Kind, AggregateID: id, Type: counter.CommandIncrement, CorrelationID: "bad", PayloadJSON: []byte(`{"by":0}`)}
	if _, err := entry.Ask(ctx, bad); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("err = %v, want validation carried across the wire", err)
	}

	tell, _ := command.New(counter.Kind, id, counter.CommandIncrement, "tell-1", counter.IncrementPayload{By: 4})
	if err := entry.Tell(ctx, tell); err != nil {
		t.Fatalf("tell: %v", err)
	}
	if got := fetch(t, entry, id).Value; got != 7 {
		t.Fatalf("value = %d, want 7", got)
	}
	if entry.sys.Active(counter.Kind) != 0 {
		t.Fatal("entry node activated a remote aggregate")
	}
}

func TestToStatusKeepsCodes(t *testing.T) {
	tests := []struct {
		err  error
		want apperrors.Code
	}{
		{apperrors.New(apperrors.CodeConflict, "taken"), apperrors.CodeConflict},
		{runtime.ErrStopped, apperrors.CodeUnavailable},
		{context.DeadlineExceeded, apperrors.CodeTimeout},
		{fmt.Errorf("boom"), apperrors.CodeUnknown},
	}
	for _, tc := range tests {
		if got := apperrors.CodeOf(apperrors.FromGRPCStatus(toStatus(tc.err))); got != tc.want {
			t.Fatalf("%v: code = %s, want %s", tc.err, got, tc.want)
		}
	}
}
