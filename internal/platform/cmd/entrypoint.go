// Package cmd starts fulfillment node processes: it loads FULFILLMENT_*
// settings with flag overrides and brackets a node's run loop with tracing.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/fulfillment/internal/platform/config"
	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/platform/otel"
)

// Service is the telemetry service name every node reports under.
const Service = "fulfillment"

const defaultTraceFlushTimeout = 5 * time.Second

// NodeOptions identifies the node being run and where its lifecycle is logged.
type NodeOptions struct {
	NodeID string
	// TraceFlushTimeout bounds span export after the node stops.
	TraceFlushTimeout time.Duration
	// Logger receives lifecycle lines. Nil discards them.
	Logger *logger.Logger
}

// LoadConfig fills cfg from FULFILLMENT_* variables, lets bind register
// flags that default to those values, then parses args. Flags win.
func LoadConfig[T any](cfg *T, fs *flag.FlagSet, args []string, bind func(*flag.FlagSet, *T)) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if fs == nil {
		return errors.New("flag set is required")
	}
	if err := config.ParseEnv(cfg); err != nil {
		return err
	}
	if bind != nil {
		bind(fs, cfg)
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunNode installs the tracer provider, runs the node until run returns and
// flushes pending spans before returning run's error.
func RunNode(ctx context.Context, opts NodeOptions, run func(context.Context) error) error {
	node := strings.TrimSpace(opts.NodeID)
	if node == "" {
		return errors.New("node id is required")
	}
	if run == nil {
		return errors.New("node run loop is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, Service)
	if err != nil {
		return fmt.Errorf("set up tracing for %s: %w", node, err)
	}
	defer func() {
		timeout := opts.TraceFlushTimeout
		if timeout <= 0 {
			timeout = defaultTraceFlushTimeout
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			opts.Logger.Warn("trace flush failed", "node", node, "error", err)
		}
	}()

	started := time.Now()
	opts.Logger.Info("node starting", "node", node)
	err = run(ctx)
	opts.Logger.Info("node stopped", "node", node, "uptime", time.Since(started), "error", err)
	return err
}
