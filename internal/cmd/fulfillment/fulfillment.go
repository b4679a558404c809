// Package fulfillment parses node flags and starts a fulfillment node.
package fulfillment

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/fulfillment/internal/platform/cmd"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/app"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/bus"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/cluster"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/runtime"
)

// Config holds fulfillment command configuration.
type Config struct {
	NodeID      string `env:"NODE_ID" envDefault:"node-1"`
	GRPCAddr    string `env:"GRPC_ADDR"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	// Peers is a comma-separated list of id=host:port entries.
	Peers  string `env:"PEERS"`
	Shards int    `env:"SHARDS" envDefault:"100"`

	Journal     string `env:"JOURNAL" envDefault:"memory"`
	JournalPath string `env:"JOURNAL_PATH"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	Bus          string   `env:"BUS" envDefault:"memory"`
	RedisAddr    string   `env:"REDIS_ADDR"`
	RedisChannel string   `env:"REDIS_CHANNEL" envDefault:"fulfillment.events"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"fulfillment.events"`
	KafkaGroup   string   `env:"KAFKA_GROUP" envDefault:"fulfillment"`

	SnapshotEvery        int           `env:"SNAPSHOT_EVERY" envDefault:"25"`
	IdempotencyCapacity  int           `env:"IDEMPOTENCY_CAPACITY" envDefault:"1024"`
	IdleTimeout          time.Duration `env:"IDLE_TIMEOUT" envDefault:"10m"`
	SagaTimeout          time.Duration `env:"SAGA_TIMEOUT" envDefault:"30s"`
	ExternalCallAttempts int           `env:"EXTERNAL_CALL_ATTEMPTS" envDefault:"3"`

	LogMode string `env:"LOG_MODE" envDefault:"dev"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var (
		cfg     Config
		brokers string
	)
	err := entrypoint.LoadConfig(&cfg, fs, args, func(fs *flag.FlagSet, cfg *Config) {
		brokers = strings.Join(cfg.KafkaBrokers, ",")
		fs.StringVar(&cfg.NodeID, "node", cfg.NodeID, "This node's cluster id")
		fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "Listen address for peer forwarding (empty runs standalone)")
		fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Listen address for /metrics and /healthz (empty disables)")
		fs.StringVar(&cfg.Peers, "peers", cfg.Peers, "Cluster members as id=host:port, comma separated")
		fs.IntVar(&cfg.Shards, "shards", cfg.Shards, "Number of placement shards")
		fs.StringVar(&cfg.Journal, "journal", cfg.Journal, "Journal backend: memory, sqlite, bbolt or postgres")
		fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "Journal file for sqlite and bbolt")
		fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Postgres connection string")
		fs.StringVar(&cfg.Bus, "bus", cfg.Bus, "Event bus: memory, redis or kafka")
		fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
		fs.StringVar(&brokers, "kafka-brokers", brokers, "Kafka brokers, comma separated")
		fs.DurationVar(&cfg.SagaTimeout, "saga-timeout", cfg.SagaTimeout, "Deadline for an order to ship before it is compensated")
		fs.StringVar(&cfg.LogMode, "log-mode", cfg.LogMode, "Log encoding: dev or prod")
	})
	if err != nil {
		return Config{}, err
	}
	cfg.KafkaBrokers = splitList(brokers)
	return cfg, nil
}

// App converts the command configuration into node configuration.
func (c Config) App() (app.Config, error) {
	var peers []cluster.Member
	if strings.TrimSpace(c.Peers) != "" {
		var err error
		if peers, err = cluster.ParsePeers(c.Peers); err != nil {
			return app.Config{}, fmt.Errorf("parse peers: %w", err)
		}
	}
	cfg := app.Config{
		NodeID:      c.NodeID,
		GRPCAddr:    c.GRPCAddr,
		MetricsAddr: c.MetricsAddr,
		Peers:       peers,
		Shards:      c.Shards,
		Journal:     c.Journal,
		JournalPath: c.JournalPath,
		PostgresDSN: c.PostgresDSN,
		Bus:         c.Bus,
		Redis:       bus.RedisConfig{Addr: c.RedisAddr, Channel: c.RedisChannel},
		Kafka: bus.KafkaConfig{
			Brokers:  c.KafkaBrokers,
			Topic:    c.KafkaTopic,
			Group:    c.KafkaGroup,
			ClientID: c.NodeID,
		},
		Runtime: runtime.Config{
			SnapshotEvery:       c.SnapshotEvery,
			IdempotencyCapacity: c.IdempotencyCapacity,
			IdleTimeout:         c.IdleTimeout,
		},
		SagaTimeout:          c.SagaTimeout,
		ExternalCallAttempts: c.ExternalCallAttempts,
	}
	return cfg, cfg.Validate()
}

// Run starts a fulfillment node and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	nodeCfg, err := cfg.App()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	log = log.With("service", entrypoint.Service)
	return entrypoint.RunNode(ctx, entrypoint.NodeOptions{NodeID: cfg.NodeID, Logger: log}, func(ctx context.Context) error {
		node, err := app.New(ctx, nodeCfg, log)
		if err != nil {
			return err
		}
		return node.Run(ctx)
	})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
