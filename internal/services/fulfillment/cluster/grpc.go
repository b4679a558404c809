package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	platformgrpc "github.com/louisbranch/fulfillment/internal/platform/grpc"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/timeouts"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

const (
	// ServiceName is the gRPC service peers expose.
	ServiceName   = "fulfillment.cluster.v1.Node"
	forwardMethod = "/" + ServiceName + "/Forward"
	codecName     = "fulfillment-json"
)

// jsonCodec carries envelopes as JSON; the node protocol has no protobuf
// schema.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type nodeServer interface {
	Forward(ctx context.Context, env *Envelope) (*runtime.Reply, error)
}

var serviceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*nodeServer)(nil),
	Methods: []gogrpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "cluster/grpc.go",
}

func forwardHandler(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeServer).Forward(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: forwardMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeServer).Forward(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer exposes a Receiver to peers.
type GRPCServer struct {
	server   *gogrpc.Server
	health   *health.Server
	receiver Receiver
	log      *logger.Logger
}

// NewGRPCServer builds a server forwarding to r.
func NewGRPCServer(r Receiver, log *logger.Logger) *GRPCServer {
	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	s := &GRPCServer{server: server, receiver: r, log: log}
	server.RegisterService(&serviceDesc, s)
	s.health = platformgrpc.RegisterHealth(server, ServiceName)
	return s
}

// Forward implements the node service.
func (s *GRPCServer) Forward(ctx context.Context, env *Envelope) (*runtime.Reply, error) {
	reply, err := s.receiver.Receive(ctx, *env)
	if err != nil {
		return nil, toStatus(err)
	}
	return &reply, nil
}

// Serve accepts peers on lis until ctx ends, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Info("node server listening", "addr", lis.Addr().String())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.server.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, gogrpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, gogrpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

func toStatus(err error) error {
	var appErr *apperrors.Error
	switch {
	case errors.As(err, &appErr):
		return appErr.ToGRPCStatus()
	case errors.Is(err, runtime.ErrStopped):
		return apperrors.Wrap(apperrors.CodeUnavailable, err.Error(), err).ToGRPCStatus()
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeTimeout, err.Error(), err).ToGRPCStatus()
	default:
		return apperrors.Wrap(apperrors.CodeUnknown, err.Error(), err).ToGRPCStatus()
	}
}

// GRPCTransport forwards envelopes to peers over gRPC, keeping one client
// per peer address.
type GRPCTransport struct {
	opts []gogrpc.DialOption
	log  *logger.Logger

	mu    sync.Mutex
	conns map[string]*gogrpc.ClientConn
}

// NewGRPCTransport returns a transport dialing peers with the default
// client options plus extra.
func NewGRPCTransport(log *logger.Logger, extra ...gogrpc.DialOption) *GRPCTransport {
	extra = append(extra, gogrpc.WithDefaultCallOptions(gogrpc.CallContentSubtype(codecName)))
	return &GRPCTransport{
		opts:  platformgrpc.ClientOptions(extra...),
		log:   log,
		conns: map[string]*gogrpc.ClientConn{},
	}
}

func (t *GRPCTransport) conn(ctx context.Context, to Member) (*gogrpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[to.Addr]; ok {
		return conn, nil
	}
	conn, err := platformgrpc.Dial(ctx, to.Addr, ServiceName, timeouts.GRPCDial, t.log, t.opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, fmt.Sprintf("dial node %s", to.ID), err)
	}
	t.conns[to.Addr] = conn
	return conn, nil
}

// Forward implements Transport.
func (t *GRPCTransport) Forward(ctx context.Context, to Member, env Envelope) (runtime.Reply, error) {
	conn, err := t.conn(ctx, to)
	if err != nil {
		return runtime.Reply{}, err
	}
	var reply runtime.Reply
	if err := conn.Invoke(ctx, forwardMethod, &env, &reply); err != nil {
		return runtime.Reply{}, apperrors.FromGRPCStatus(err)
	}
	return reply, nil
}

// Close closes every peer client.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(t.conns, addr)
	}
	return errors.Join(errs...)
}
