package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/orion-trading/tec/internal/app/domain/event"
)

// TopicRouter dispatches an already-serialized envelope to the topic its
// eventType resolves to (event.TopicForType), lazily opening one Writer per
// topic. It satisfies both outbox.Publisher and marketdata.RawPublisher,
// which share the same Publish(ctx, key, value) shape, so the outbox relay
// and the market-data ingest path publish through the same routing logic
// instead of each hard-coding a single topic.
type TopicRouter struct {
	brokers []string
	env     string

	mu      sync.Mutex
	writers map[string]*Writer
}

// NewTopicRouter constructs a TopicRouter for the given broker addresses and
// deployment environment name (the "<env>" segment of the topic naming).
func NewTopicRouter(brokers []string, env string) *TopicRouter {
	if env == "" {
		env = "dev"
	}
	return &TopicRouter{brokers: brokers, env: env, writers: make(map[string]*Writer)}
}

// Publish deserializes value just far enough to read eventType, routes to
// the resolved topic's Writer (creating it on first use), and publishes
// keyed by key (the caller's entity id, preserving per-aggregate/per-instrument
// ordering within that topic's partitions).
func (r *TopicRouter) Publish(ctx context.Context, key string, value []byte) error {
	env, err := event.Deserialize(value)
	if err != nil {
		return fmt.Errorf("topic router: %w", err)
	}
	topic := event.TopicForType(r.env, env.EventType)
	return r.writerFor(topic).Publish(ctx, key, value)
}

func (r *TopicRouter) writerFor(topic string) *Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[topic]; ok {
		return w
	}
	w := NewWriter(WriterConfig{Brokers: r.brokers, Topic: topic})
	r.writers[topic] = w
	return w
}

// Close closes every writer the router has opened.
func (r *TopicRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, w := range r.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
