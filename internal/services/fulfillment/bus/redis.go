package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// RedisConfig configures a Redis pub/sub bus.
type RedisConfig struct {
	Addr    string
	Channel string
}

// Redis broadcasts events on one pub/sub channel. Redis pub/sub does not
// retain messages for disconnected subscribers; the runtime republishes a
// stream's unpublished tail when the aggregate next activates.
type Redis struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string

	wg sync.WaitGroup
}

var _ Bus = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis bus: address is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "fulfillment.events"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{log: log.With("bus", "redis", "channel", channel), rdb: rdb, channel: channel}, nil
}

func (b *Redis) Publish(ctx context.Context, evt event.Event) error {
	raw, err := encode(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *Redis) Subscribe(ctx context.Context, name string, types []event.Type, h Handler) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	types = append([]event.Type(nil), types...)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				evt, err := decode([]byte(m.Payload))
				if err != nil {
					b.log.Warn("bad redis event payload", "subscriber", name, "error", err)
					continue
				}
				if !accepts(types, evt.Type) {
					continue
				}
				if err := h(ctx, evt); err != nil {
					b.log.Warn("bus handler failed", "subscriber", name, "event", evt.Type,
						"stream", evt.StreamID(), "seq", evt.Seq, "error", err)
				}
			}
		}
	}()
	return nil
}

// Close closes the client, which ends every subscription.
func (b *Redis) Close() error {
	err := b.rdb.Close()
	b.wg.Wait()
	return err
}
