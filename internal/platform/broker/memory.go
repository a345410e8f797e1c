package broker

import (
	"context"
	"sync"

	"github.com/orion-trading/tec/internal/app/domain/event"
)

// MemoryBroker is an in-process substitute for a Kafka cluster, used when no
// KAFKA_BROKERS is configured (single-node/dev runs, per the same
// DSN-presence-selects-backend convention storage/memory vs storage/postgres
// already follows). Every Publish fans out to every reader subscribed to the
// resolved topic, mirroring one-copy-per-consumer-group delivery.
type MemoryBroker struct {
	env string

	mu      sync.Mutex
	readers map[string][]*MemoryReader
}

// NewMemoryBroker constructs an empty MemoryBroker for the given deployment
// environment name.
func NewMemoryBroker(env string) *MemoryBroker {
	if env == "" {
		env = "dev"
	}
	return &MemoryBroker{env: env, readers: make(map[string][]*MemoryReader)}
}

// Publish routes value (a serialized event.Envelope) to every reader
// registered against its resolved topic.
func (b *MemoryBroker) Publish(ctx context.Context, key string, value []byte) error {
	env, err := event.Deserialize(value)
	if err != nil {
		return err
	}
	topic := event.TopicForType(b.env, env.EventType)

	b.mu.Lock()
	readers := append([]*MemoryReader(nil), b.readers[topic]...)
	b.mu.Unlock()

	for _, rd := range readers {
		select {
		case rd.ch <- Message{Value: value}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// MemoryReader registers a new subscriber for topic; groupID is accepted for
// API symmetry with NewReader but does not change fan-out: every registered
// reader gets every message, matching one reader per consumer group in
// production. Wrap the result in consumer.NewMemorySource to use it as a
// consumer.Source.
func (b *MemoryBroker) MemoryReader(topic, groupID string) *MemoryReader {
	rd := &MemoryReader{ch: make(chan Message, 1024), group: groupID}
	b.mu.Lock()
	b.readers[topic] = append(b.readers[topic], rd)
	b.mu.Unlock()
	return rd
}

// MemoryReader is the in-process counterpart to Reader.
type MemoryReader struct {
	group string
	ch    chan Message
}

// Fetch blocks until a message is published to this reader's topic or ctx
// is cancelled.
func (r *MemoryReader) Fetch(ctx context.Context) (Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Message is the broker-agnostic unit a Reader/MemoryReader yields.
type Message struct {
	Value []byte
}
