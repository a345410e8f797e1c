package saga_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/trade"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/saga"
	"github.com/orion-trading/tec/internal/app/storage/memory"
)

type fixedQuoteResolver struct {
	price decimal.Decimal
	lpID  string
	venue string
}

func (f fixedQuoteResolver) ResolveQuote(ctx context.Context, tenantID, rfqID, quoteID string) (decimal.Decimal, string, string, error) {
	return f.price, f.lpID, f.venue, nil
}

func mustQuoteAccepted(t *testing.T, rfqID, quoteID string) event.Envelope {
	t.Helper()
	env, err := event.Create(event.TypeQuoteAccepted, "rfq-coordinator", "tenant-1",
		event.Entity{EntityType: event.EntityRFQ, EntityID: rfqID, Sequence: 3},
		map[string]any{"rfqId": rfqID, "acceptedQuoteId": quoteID, "instrumentId": "EURUSD", "side": "BUY", "size": "1000000", "requesterId": "user-1"})
	require.NoError(t, err)
	return env
}

func TestExecutionSagaCreatesTradeOnce(t *testing.T) {
	store := memory.New()
	writer := outbox.NewWriter(store)
	resolver := fixedQuoteResolver{price: decimal.NewFromFloat(1.0848), lpID: "lp-b", venue: "PRIMARY"}
	es := saga.NewExecutionSaga(store, store, writer, resolver, "PRIMARY", 3, nil)

	env := mustQuoteAccepted(t, "rfq-1", "q2")

	require.NoError(t, es.Handle(context.Background(), nil, env))
	require.NoError(t, es.Handle(context.Background(), nil, env)) // duplicate delivery

	trades, err := store.ListTradesByTenant(context.Background(), "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "rfq-1", trades[0].RFQID)
	require.Equal(t, "q2", trades[0].AcceptedQuoteID)

	pending, err := store.CountUnpublished(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, pending) // TradeExecuted + TradeConfirmed + SettlementRequested

	settlement, err := store.GetSettlement(context.Background(), trades[0].TradeID)
	require.NoError(t, err)
	require.Equal(t, trade.SettlementPending, settlement.Status)
}

func TestExecutionSagaIgnoresOtherEventTypes(t *testing.T) {
	store := memory.New()
	writer := outbox.NewWriter(store)
	resolver := fixedQuoteResolver{price: decimal.NewFromFloat(1.08), lpID: "lp-a", venue: "PRIMARY"}
	es := saga.NewExecutionSaga(store, store, writer, resolver, "PRIMARY", 3, nil)

	env, err := event.Create(event.TypeRFQCreated, "rfq-coordinator", "tenant-1",
		event.Entity{EntityType: event.EntityRFQ, EntityID: "rfq-1", Sequence: 1}, map[string]any{})
	require.NoError(t, err)

	require.NoError(t, es.Handle(context.Background(), nil, env))
	trades, err := store.ListTradesByTenant(context.Background(), "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 0)
}
