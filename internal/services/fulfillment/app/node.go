package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/otel"
	"github.com/louisbranch/fulfillment/internal/platform/retry"
	"github.com/louisbranch/fulfillment/internal/platform/timeouts"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/bus"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/cluster"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/counter"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/customer"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/order"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/payment"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/product"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/shipment"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/gateway"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal/bbolt"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal/postgres"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal/sqlite"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/saga"
)

// Node is one running fulfillment process.
type Node struct {
	cfg      Config
	log      *logger.Logger
	registry *prometheus.Registry

	journal     journal.Journal
	bus         bus.Bus
	system      *runtime.System
	saga        *saga.Choreographer
	sagaMetrics *saga.Metrics
	router      *cluster.Router
	transport   cluster.Transport
}

// New opens the node's storage and broker connections and registers every
// aggregate. Nothing is served until Run.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	n := &Node{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	j, err := openJournal(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n.journal = j

	b, err := openBus(ctx, cfg, log)
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	n.bus = b

	n.system = runtime.NewSystem(cfg.Runtime, j, b,
		runtime.WithLogger(log.With("node", cfg.NodeID)),
		runtime.WithMetrics(runtime.NewMetrics(n.registry)),
		runtime.WithTracer(otel.Tracer()),
	)
	if err := Register(n.system, cfg, log); err != nil {
		_ = n.Close()
		return nil, err
	}

	n.sagaMetrics = saga.NewMetrics(n.registry)
	sagaOpts := []saga.Option{saga.WithLogger(log), saga.WithMetrics(n.sagaMetrics)}
	var dispatcher runtime.Dispatcher = n.system
	if cfg.Clustered() {
		n.transport = cluster.NewGRPCTransport(log)
		self := cluster.Member{ID: cfg.NodeID, Addr: cfg.GRPCAddr}
		for _, p := range cfg.Peers {
			if p.ID == cfg.NodeID {
				self = p
			}
		}
		n.router = cluster.NewRouter(self, n.system, cluster.NewStaticMembership(cfg.Peers...), n.transport,
			cluster.WithShards(cfg.Shards), cluster.WithRouterLogger(log))
		dispatcher = n.router
		if cfg.Bus == BusRedis {
			// Every node receives every event; each acts for its own orders.
			sagaOpts = append(sagaOpts, saga.WithFilter(n.router.Owns))
		}
	}
	n.saga = saga.New(b, dispatcher, saga.Subscriptions(), sagaOpts...)
	return n, nil
}

// Register registers every fulfillment behavior on sys.
func Register(sys *runtime.System, cfg Config, log *logger.Logger) error {
	payments := cfg.Payments
	if payments == nil {
		payments = &gateway.SimulatedPayments{}
	}
	carrier := cfg.Carrier
	if carrier == nil {
		carrier = gateway.SimulatedCarrier{}
	}
	external := retry.External
	if cfg.ExternalCallAttempts > 0 {
		external.Attempts = cfg.ExternalCallAttempts
	}

	errs := []error{
		runtime.Register[counter.State](sys, counter.Behavior{}),
		runtime.Register[customer.State](sys, customer.Behavior{}),
		runtime.Register[product.State](sys, product.Behavior{}),
		runtime.Register[payment.State](sys, payment.Behavior{Gateway: payments, Retry: external, Logger: log}),
		runtime.Register[shipment.State](sys, shipment.Behavior{Carrier: carrier, Retry: external, Logger: log}),
		runtime.Register[order.State](sys, order.Behavior{SagaTimeout: cfg.SagaTimeout}),
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("register behaviors: %w", err)
	}
	return nil
}

// Dispatcher returns the entry point for commands: the cluster router on a
// clustered node, the local system otherwise.
func (n *Node) Dispatcher() runtime.Dispatcher {
	if n.router != nil {
		return n.router
	}
	return n.system
}

// System returns the local aggregate runtime.
func (n *Node) System() *runtime.System { return n.system }

// Registry returns the node's metrics registry.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Start subscribes the saga choreography and, on a clustered node, begins
// watching membership. Run calls it; tests driving a node directly may too.
func (n *Node) Start(ctx context.Context) error {
	if n.router != nil {
		n.router.Start()
	}
	return n.saga.Start(ctx)
}

// Run starts the node and serves peers and operations endpoints until ctx
// ends, then shuts everything down.
func (n *Node) Run(ctx context.Context) error {
	defer func() {
		if err := n.Close(); err != nil {
			n.log.Warn("close node", "error", err)
		}
	}()
	if err := n.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if n.router != nil {
		lis, err := net.Listen("tcp", n.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", n.cfg.GRPCAddr, err)
		}
		server := cluster.NewGRPCServer(n.router, n.log)
		g.Go(func() error { return server.Serve(ctx, lis) })
	}
	if n.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              n.cfg.MetricsAddr,
			Handler:           OpsHandler(n.registry, n.system),
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
		g.Go(func() error {
			n.log.Info("ops server listening", "addr", n.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve ops: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	n.log.Info("node started", "node", n.cfg.NodeID, "clustered", n.router != nil)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Close stops the runtime and releases broker and storage connections.
func (n *Node) Close() error {
	if n.router != nil {
		n.router.Close()
	}
	if n.system != nil {
		n.system.Stop()
	}
	var errs []error
	if n.transport != nil {
		errs = append(errs, n.transport.Close())
	}
	if n.bus != nil {
		errs = append(errs, n.bus.Close())
	}
	if n.journal != nil {
		errs = append(errs, n.journal.Close())
	}
	n.log.Sync()
	return errors.Join(errs...)
}

func openJournal(ctx context.Context, cfg Config) (journal.Journal, error) {
	switch cfg.Journal {
	case "", JournalMemory:
		return journal.NewMemory(), nil
	case JournalSQLite:
		store, err := sqlite.Open(ctx, cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return store, nil
	case JournalBolt:
		store, err := bbolt.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open bbolt journal: %w", err)
		}
		return store, nil
	case JournalPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown journal %q", cfg.Journal)
}

func openBus(ctx context.Context, cfg Config, log *logger.Logger) (bus.Bus, error) {
	switch cfg.Bus {
	case "", BusMemory:
		return bus.NewMemory(log), nil
	case BusRedis:
		b, err := bus.NewRedis(ctx, cfg.Redis, log)
		if err != nil {
			return nil, fmt.Errorf("connect redis bus: %w", err)
		}
		return b, nil
	case BusKafka:
		b, err := bus.NewKafka(cfg.Kafka, log)
		if err != nil {
			return nil, fmt.Errorf("connect kafka bus: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
}
