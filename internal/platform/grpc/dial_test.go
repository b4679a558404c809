package grpc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestDialReturnsReadyPeer(t *testing.T) {
	peer := startPeer(t)

	conn, err := Dial(context.Background(), "passthrough:///node-2", nodeService, time.Second, nil, peer.dialOptions()...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close conn: %v", err)
	}
}

func TestDialBoundsHealthWaitForDrainingPeer(t *testing.T) {
	peer := startPeer(t)
	peer.setNode(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	start := time.Now()
	conn, err := Dial(context.Background(), "passthrough:///node-2", nodeService, 200*time.Millisecond, nil, peer.dialOptions()...)
	if conn != nil {
		_ = conn.Close()
		t.Fatal("expected no connection to a draining peer")
	}
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("err = %T, want *DialError", err)
	}
	if dialErr.Stage != DialStageHealth || dialErr.Addr != "passthrough:///node-2" {
		t.Fatalf("dial error = %+v, want health stage for node-2", dialErr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("health wait ignored the dial timeout, took %v", elapsed)
	}
}

func TestDialErrorNamesStageAndPeer(t *testing.T) {
	err := &DialError{Addr: "node-3:7400", Stage: DialStageConnect, Err: context.DeadlineExceeded}
	if got := err.Error(); !strings.Contains(got, "gRPC connect node-3:7400") {
		t.Fatalf("error = %q", got)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected the cause to unwrap")
	}

	var empty *DialError
	if empty.Error() == "" || empty.Unwrap() != nil {
		t.Fatal("nil DialError should format and unwrap to nil")
	}
}
