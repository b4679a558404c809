package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/louisbranch/fulfillment/internal/platform/logger"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// KafkaConfig configures a Kafka bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Group prefixes consumer group ids; each subscription name gets its own
	// group so every kind sees every event.
	Group    string
	ClientID string
}

// Kafka publishes events keyed by stream id, so one stream's events stay in
// one partition and in order. Offsets are committed after the handler
// returns.
type Kafka struct {
	cfg    KafkaConfig
	log    *logger.Logger
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

var _ Bus = (*Kafka)(nil)

// NewKafka builds a Kafka bus. Connections are made lazily.
func NewKafka(cfg KafkaConfig, log *logger.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka bus: at least one broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "fulfillment.events"
	}
	if cfg.Group == "" {
		cfg.Group = "fulfillment"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			MetadataTTL: 10 * time.Second,
		},
	}
	return &Kafka{cfg: cfg, log: log.With("bus", "kafka", "topic", cfg.Topic), writer: w}, nil
}

func (b *Kafka) Publish(ctx context.Context, evt event.Event) error {
	raw, err := encode(evt)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.StreamID()),
		Value: raw,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	})
}

func (b *Kafka) Subscribe(ctx context.Context, name string, types []event.Type, h Handler) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("kafka bus: subscription name is required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.cfg.Brokers,
		Topic:          b.cfg.Topic,
		GroupID:        b.cfg.Group + "." + name,
		StartOffset:    kafka.FirstOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()
	types = append([]event.Type(nil), types...)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			msg, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				b.log.Warn("kafka fetch failed", "subscriber", name, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if !skip(msg, types) {
				b.handle(ctx, name, msg, types, h)
			}
			if ctx.Err() != nil {
				// Uncommitted; the group redelivers it.
				return
			}
			if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				b.log.Warn("kafka commit failed", "subscriber", name, "offset", msg.Offset, "error", err)
			}
		}
	}()
	return nil
}

// skip filters on the event_type header without decoding the payload.
func skip(msg kafka.Message, types []event.Type) bool {
	for _, hdr := range msg.Headers {
		if hdr.Key == "event_type" {
			return !accepts(types, event.Type(hdr.Value))
		}
	}
	return false
}

func (b *Kafka) handle(ctx context.Context, name string, msg kafka.Message, types []event.Type, h Handler) {
	evt, err := decode(msg.Value)
	if err != nil {
		b.log.Warn("bad kafka event payload", "subscriber", name, "offset", msg.Offset, "error", err)
		return
	}
	if !accepts(types, evt.Type) {
		return
	}
	if err := h(ctx, evt); err != nil {
		b.log.Warn("bus handler failed", "subscriber", name, "event", evt.Type,
			"stream", evt.StreamID(), "seq", evt.Seq, "error", err)
	}
}

// Close flushes the writer and closes every reader.
func (b *Kafka) Close() error {
	errs := []error{b.writer.Close()}
	b.mu.Lock()
	for _, r := range b.readers {
		errs = append(errs, r.Close())
	}
	b.readers = nil
	b.mu.Unlock()
	b.wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close kafka bus: %w", err)
	}
	return nil
}
