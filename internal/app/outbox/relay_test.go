package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/app/storage/memory"
)

type recordingPublisher struct {
	mu      sync.Mutex
	calls   int
	failFor int
	keys    []string
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.keys = append(p.keys, key)
	if p.calls <= p.failFor {
		return errors.New("simulated broker outage")
	}
	return nil
}

func mustEnvelope(t *testing.T, entityID string) event.Envelope {
	t.Helper()
	env, err := event.Create(event.TypeRFQCreated, "test", "tenant-1",
		event.Entity{EntityType: event.EntityRFQ, EntityID: entityID, Sequence: 1}, map[string]any{"ok": true})
	require.NoError(t, err)
	return env
}

func TestWriterWriteTxInsertsWithinCallerTransaction(t *testing.T) {
	store := memory.New()
	writer := outbox.NewWriter(store)
	env := mustEnvelope(t, "rfq-1")

	err := store.RunInTx(context.Background(), func(q storage.Querier) error {
		return writer.WriteTx(context.Background(), q, env)
	})
	require.NoError(t, err)

	pending, err := store.CountUnpublished(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestRelayPublishesClaimedRows(t *testing.T) {
	store := memory.New()
	env := mustEnvelope(t, "rfq-1")
	require.NoError(t, store.Insert(context.Background(), nil, env))

	pub := &recordingPublisher{}
	relay := outbox.NewRelay(store, pub, outbox.RelayConfig{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, relay.Start(ctx))
	defer relay.Stop(context.Background())

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return pub.calls >= 1
	}, 500*time.Millisecond, 10*time.Millisecond)

	pending, err := store.CountUnpublished(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestRelayDeadLettersAfterMaxRetries(t *testing.T) {
	store := memory.New()
	env := mustEnvelope(t, "rfq-2")
	require.NoError(t, store.Insert(context.Background(), nil, env))

	pub := &recordingPublisher{failFor: 100}
	relay := outbox.NewRelay(store, pub, outbox.RelayConfig{
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   2,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, relay.Start(ctx))
	defer relay.Stop(context.Background())

	require.Eventually(t, func() bool {
		pending, err := store.CountUnpublished(context.Background())
		return err == nil && pending == 0
	}, 1*time.Second, 10*time.Millisecond)
}

func TestBackoffForGrowsAndCaps(t *testing.T) {
	base := 500 * time.Millisecond
	max := 10 * time.Second
	require.Equal(t, base, outbox.BackoffFor(base, max, 2, 1))
	require.Equal(t, 2*base, outbox.BackoffFor(base, max, 2, 2))
	require.Equal(t, max, outbox.BackoffFor(base, max, 2, 20))
}
