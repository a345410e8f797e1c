package consumer

import (
	"context"

	kafka "github.com/segmentio/kafka-go"

	"github.com/orion-trading/tec/internal/platform/broker"
)

// KafkaSource adapts a broker.Reader to the Source interface, tracking the
// last fetched kafka.Message so Commit can acknowledge the right offset.
type KafkaSource struct {
	reader *broker.Reader
	last   kafka.Message
}

// NewKafkaSource wraps reader for use by a Runner.
func NewKafkaSource(reader *broker.Reader) *KafkaSource {
	return &KafkaSource{reader: reader}
}

func (k *KafkaSource) FetchMessage(ctx context.Context) (Message, error) {
	msg, err := k.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	k.last = msg
	return Message{Value: msg.Value}, nil
}

func (k *KafkaSource) Commit(ctx context.Context, _ Message) error {
	return k.reader.CommitMessages(ctx, k.last)
}
