package rfqcoordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/orion-trading/tec/internal/app/controlplane"
	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/rfqcoordinator"
	"github.com/orion-trading/tec/internal/app/storage/memory"
	"github.com/orion-trading/tec/pkg/logger"
)

func newCoordinator(t *testing.T) (*rfqcoordinator.Coordinator, *memory.Store) {
	t.Helper()
	store := memory.New()
	writer := outbox.NewWriter(store)
	gate := controlplane.New(store, store, writer, logger.NewDefault("test"), 100, 100, 100)
	c := rfqcoordinator.New(store, writer, gate, nil, rfqcoordinator.Config{}, core.NoopObservationHooks, nil)
	return c, store
}

func TestCreateRFQPersistsAndEmitsEvents(t *testing.T) {
	c, store := newCoordinator(t)
	ctx := context.Background()

	r, err := c.CreateRFQ(ctx, rfqcoordinator.CreateRFQRequest{
		TenantID: "tenant-1", UserID: "user-1", RequesterID: "user-1",
		InstrumentID: "EURUSD", AssetClass: "FX", Side: rfq.SideBuy,
		Size: decimal.NewFromInt(1_000_000), ExpirySecs: 60,
	})
	require.NoError(t, err)
	require.Equal(t, rfq.StatusSent, r.Status)

	pending, err := store.CountUnpublished(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending) // RFQCreated + RFQSent

	fetched, err := store.GetRFQ(ctx, "tenant-1", r.RFQID)
	require.NoError(t, err)
	require.Equal(t, r.Status, fetched.Status)
}

func TestRecordQuoteAndAcceptQuote(t *testing.T) {
	c, store := newCoordinator(t)
	ctx := context.Background()

	r, err := c.CreateRFQ(ctx, rfqcoordinator.CreateRFQRequest{
		TenantID: "tenant-1", UserID: "user-1", RequesterID: "user-1",
		InstrumentID: "EURUSD", AssetClass: "FX", Side: rfq.SideBuy,
		Size: decimal.NewFromInt(1_000_000), ExpirySecs: 60,
	})
	require.NoError(t, err)

	r, err = c.RecordQuote(ctx, rfqcoordinator.RecordQuoteRequest{
		TenantID: "tenant-1", RFQID: r.RFQID,
		Quote: rfq.Quote{
			QuoteID: "q1", RFQID: r.RFQID, LPID: "lp1",
			Price: decimal.NewFromFloat(1.085), Size: decimal.NewFromInt(1_000_000),
			ReceivedAt: time.Now().UTC(), ValidUntil: time.Now().Add(time.Minute),
		},
	})
	require.NoError(t, err)
	require.Equal(t, rfq.StatusQuoting, r.Status)

	accepted, err := c.AcceptQuote(ctx, rfqcoordinator.AcceptQuoteRequest{
		TenantID: "tenant-1", UserID: "user-1", RFQID: r.RFQID,
		QuoteID: "q1", ReadVersion: r.Version, IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	require.Equal(t, rfq.StatusAccepted, accepted.Status)

	// Idempotent replay with the same key must not error or re-mutate.
	replay, err := c.AcceptQuote(ctx, rfqcoordinator.AcceptQuoteRequest{
		TenantID: "tenant-1", UserID: "user-1", RFQID: r.RFQID,
		QuoteID: "q1", ReadVersion: accepted.Version, IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	require.Equal(t, accepted.Version, replay.Version)

	_ = store
}

func TestCancelRFQIsIdempotent(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	r, err := c.CreateRFQ(ctx, rfqcoordinator.CreateRFQRequest{
		TenantID: "tenant-1", UserID: "user-1", RequesterID: "user-1",
		InstrumentID: "EURUSD", AssetClass: "FX", Side: rfq.SideBuy,
		Size: decimal.NewFromInt(1_000), ExpirySecs: 60,
	})
	require.NoError(t, err)

	cancelled, err := c.CancelRFQ(ctx, "tenant-1", "user-1", r.RFQID)
	require.NoError(t, err)
	require.Equal(t, rfq.StatusCancelled, cancelled.Status)

	again, err := c.CancelRFQ(ctx, "tenant-1", "user-1", r.RFQID)
	require.NoError(t, err)
	require.Equal(t, rfq.StatusCancelled, again.Status)
}
