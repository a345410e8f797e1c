package projection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/storage/memory"
)

func executedEnvelope(t *testing.T, tenant, tradeID string) event.Envelope {
	t.Helper()
	env, err := event.Create(event.TypeTradeExecuted, "execution-saga", tenant,
		event.Entity{EntityType: event.EntityTrade, EntityID: tradeID, Sequence: 1},
		map[string]any{
			"tradeId": tradeID, "rfqId": "r-1", "instrumentId": "EUR/USD",
			"side": "BUY", "qty": "1000000", "price": "1.0848", "venue": "SIM-LP-1",
			"executedAt": time.Date(2026, 2, 9, 12, 34, 56, 0, time.UTC),
		})
	require.NoError(t, err)
	return env
}

func TestBlotterHandleAppliesTradeExecuted(t *testing.T) {
	store := memory.New()
	b := NewBlotter(store, nil)

	env := executedEnvelope(t, "t1", "T1")
	require.NoError(t, b.Handle(context.Background(), nil, env))

	rows, err := store.ListBlotter(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "T1", rows[0].TradeID)
	require.Equal(t, "1.0848", rows[0].Price)
	require.Equal(t, "1000000", rows[0].Qty)
	require.Equal(t, int64(1), rows[0].LastSequence)
}

func TestBlotterIgnoresOtherEventTypes(t *testing.T) {
	store := memory.New()
	b := NewBlotter(store, nil)

	env, err := event.Create(event.TypeTradeConfirmed, "execution-saga", "t1",
		event.Entity{EntityType: event.EntityTrade, EntityID: "T1", Sequence: 2},
		map[string]any{"tradeId": "T1"})
	require.NoError(t, err)
	require.NoError(t, b.Handle(context.Background(), nil, env))

	rows, err := store.ListBlotter(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestBlotterRebuildIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	b := NewBlotter(store, nil)

	// Seed the durable event record with a mixed stream: trades plus the
	// confirmations and settlement requests that share the log with them.
	for i := 0; i < 50; i++ {
		tradeID := fmt.Sprintf("T%03d", i)
		env := executedEnvelope(t, "t1", tradeID)
		require.NoError(t, store.Insert(ctx, nil, env))
		other, err := event.CreateChild(env, event.TypeTradeConfirmed, "execution-saga",
			event.Entity{EntityType: event.EntityTrade, EntityID: tradeID, Sequence: 2},
			map[string]any{"tradeId": tradeID})
		require.NoError(t, err)
		require.NoError(t, store.Insert(ctx, nil, other))
	}

	applied, err := b.Rebuild(ctx, store, 7)
	require.NoError(t, err)
	require.Equal(t, 50, applied)
	first, err := store.ListBlotter(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, first, 50)

	// Replaying the whole log again lands on identical state.
	applied, err = b.Rebuild(ctx, store, 500)
	require.NoError(t, err)
	require.Equal(t, 50, applied)
	second, err := store.ListBlotter(ctx, "t1", 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
