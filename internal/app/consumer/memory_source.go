package consumer

import (
	"context"

	"github.com/orion-trading/tec/internal/platform/broker"
)

// MemorySource adapts a broker.MemoryReader to the Source interface, for
// deployments with no Kafka cluster configured. Commit is a no-op: the
// in-process broker has no offsets to advance.
type MemorySource struct {
	reader *broker.MemoryReader
}

// NewMemorySource wraps reader for use by a Runner.
func NewMemorySource(reader *broker.MemoryReader) *MemorySource {
	return &MemorySource{reader: reader}
}

func (m *MemorySource) FetchMessage(ctx context.Context) (Message, error) {
	msg, err := m.reader.Fetch(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

func (m *MemorySource) Commit(ctx context.Context, _ Message) error { return nil }
