package consumer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/orion-trading/tec/internal/app/consumer"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/app/storage/memory"
)

// fakeSource replays a fixed slice of messages once each, blocking
// thereafter until ctx is cancelled.
type fakeSource struct {
	mu        sync.Mutex
	messages  []consumer.Message
	idx       int
	committed int
}

func (f *fakeSource) FetchMessage(ctx context.Context) (consumer.Message, error) {
	f.mu.Lock()
	if f.idx < len(f.messages) {
		m := f.messages[f.idx]
		f.idx++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return consumer.Message{}, ctx.Err()
}

func (f *fakeSource) Commit(ctx context.Context, msg consumer.Message) error {
	f.mu.Lock()
	f.committed++
	f.mu.Unlock()
	return nil
}

func newEnvelopeMessage(t *testing.T, entityID string) consumer.Message {
	t.Helper()
	env, err := event.Create(event.TypeOrderPlaced, "test", "tenant-1",
		event.Entity{EntityType: event.EntityOrder, EntityID: entityID, Sequence: 1}, map[string]any{"ok": true})
	require.NoError(t, err)
	raw, err := event.Serialize(env)
	require.NoError(t, err)
	return consumer.Message{Value: raw}
}

func TestRunnerDedupsByEventID(t *testing.T) {
	store := memory.New()
	msg := newEnvelopeMessage(t, "order-1")
	source := &fakeSource{messages: []consumer.Message{msg, msg}}

	var handled int32
	var mu sync.Mutex
	handler := func(ctx context.Context, q storage.Querier, env event.Envelope) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}

	runner := consumer.New("blotter", source, store, store, store, handler,
		[]time.Duration{time.Millisecond}, core.NoopObservationHooks, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunnerDeadLettersAfterRetriesExhausted(t *testing.T) {
	store := memory.New()
	msg := newEnvelopeMessage(t, "order-2")
	source := &fakeSource{messages: []consumer.Message{msg}}

	handler := func(ctx context.Context, q storage.Querier, env event.Envelope) error {
		return errors.New("boom")
	}

	runner := consumer.New("blotter", source, store, store, store, handler,
		[]time.Duration{time.Millisecond, time.Millisecond}, core.NoopObservationHooks, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop(context.Background())

	require.Eventually(t, func() bool {
		rows, err := store.List(context.Background(), "blotter", 10)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerPermanentErrorSkipsRetries(t *testing.T) {
	store := memory.New()
	msg := newEnvelopeMessage(t, "order-3")
	source := &fakeSource{messages: []consumer.Message{msg}}

	var calls int32
	var mu sync.Mutex
	handler := func(ctx context.Context, q storage.Querier, env event.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return &consumer.PermanentError{Err: errors.New("unrecoverable")}
	}

	runner := consumer.New("blotter", source, store, store, store, handler,
		[]time.Duration{time.Second}, core.NoopObservationHooks, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop(context.Background())

	require.Eventually(t, func() bool {
		rows, err := store.List(context.Background(), "blotter", 10)
		return err == nil && len(rows) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), calls)
}
