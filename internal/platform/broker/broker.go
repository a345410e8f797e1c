// Package broker wraps segmentio/kafka-go into the narrow publish/subscribe
// shape the TEC event pipeline needs: partition-keyed writes for the outbox
// relay and market-data fan-out, and consumer-group reads for the
// idempotent consumer runtime.
package broker

import (
	"context"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// WriterConfig configures a topic-bound producer.
type WriterConfig struct {
	Brokers []string
	Topic   string
}

// Writer publishes partition-keyed messages to one topic.
type Writer struct {
	w *kafka.Writer
}

// NewWriter constructs a Writer. RequireOne acking balances durability
// against relay and fan-out publish latency.
func NewWriter(cfg WriterConfig) *Writer {
	return &Writer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish writes one message keyed by key (typically entity.entityId, so all
// events for one aggregate land on the same partition and preserve order).
func (w *Writer) Publish(ctx context.Context, key string, value []byte) error {
	return w.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
}

// Close flushes and releases the underlying connection pool.
func (w *Writer) Close() error { return w.w.Close() }

// ReaderConfig configures a consumer-group reader.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Reader polls one topic as a member of a consumer group.
type Reader struct {
	r *kafka.Reader
}

// NewReader constructs a Reader bound to GroupID, so each consumer group
// gets its own independent offset cursor over the same topic.
func NewReader(cfg ReaderConfig) *Reader {
	return &Reader{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
	}
}

// FetchMessage blocks until a message is available or ctx is cancelled. The
// caller must call CommitMessages only after the message is durably
// processed (dedup-inserted or dead-lettered); delivery is at-least-once.
func (r *Reader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	return r.r.FetchMessage(ctx)
}

// CommitMessages advances the consumer group's offset past msg.
func (r *Reader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return r.r.CommitMessages(ctx, msgs...)
}

// Close releases the reader's connection.
func (r *Reader) Close() error { return r.r.Close() }
