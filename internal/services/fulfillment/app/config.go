package app

import (
	"fmt"
	"time"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/bus"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/cluster"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/gateway"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

// Journal backends.
const (
	JournalMemory   = "memory"
	JournalSQLite   = "sqlite"
	JournalBolt     = "bbolt"
	JournalPostgres = "postgres"
)

// Bus backends.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusKafka  = "kafka"
)

// Config describes one node.
type Config struct {
	NodeID string
	// GRPCAddr is where peers reach this node. Empty runs without cluster
	// placement.
	GRPCAddr string
	// MetricsAddr serves /metrics and /healthz. Empty disables it.
	MetricsAddr string
	// Peers lists every cluster member, this node included.
	Peers  []cluster.Member
	Shards int

	Journal     string
	JournalPath string
	PostgresDSN string

	Bus   string
	Redis bus.RedisConfig
	Kafka bus.KafkaConfig

	Runtime              runtime.Config
	SagaTimeout          time.Duration
	ExternalCallAttempts int

	// Payments and Carrier default to the simulated gateways.
	Payments gateway.PaymentGateway
	Carrier  gateway.Carrier
}

// Clustered reports whether the node takes part in shard placement.
func (c Config) Clustered() bool {
	return c.GRPCAddr != "" && len(c.Peers) > 0
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Journal {
	case "", JournalMemory:
	case JournalSQLite, JournalBolt:
		if c.JournalPath == "" {
			return fmt.Errorf("journal %s requires a path", c.Journal)
		}
	case JournalPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("journal postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown journal %q", c.Journal)
	}
	switch c.Bus {
	case "", BusMemory:
	case BusRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("bus redis requires an address")
		}
	case BusKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("bus kafka requires brokers")
		}
	default:
		return fmt.Errorf("unknown bus %q", c.Bus)
	}
	if c.Clustered() {
		found := false
		for _, p := range c.Peers {
			found = found || p.ID == c.NodeID
		}
		if !found {
			return fmt.Errorf("node %q is not listed in peers", c.NodeID)
		}
		if c.Bus == "" || c.Bus == BusMemory {
			return fmt.Errorf("a clustered node needs a shared bus")
		}
	}
	return nil
}
