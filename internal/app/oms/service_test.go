package oms_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/orion-trading/tec/internal/app/controlplane"
	"github.com/orion-trading/tec/internal/app/domain/order"
	"github.com/orion-trading/tec/internal/app/oms"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/storage/memory"
	"github.com/orion-trading/tec/pkg/logger"
)

func newService(t *testing.T) (*oms.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	writer := outbox.NewWriter(store)
	gate := controlplane.New(store, store, writer, logger.NewDefault("test"), 100, 100, 100)
	return oms.New(store, writer, gate, core.NoopObservationHooks, nil), store
}

func TestPlaceOrderIsIdempotentOnClientKey(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	req := oms.PlaceOrderRequest{
		TenantID: "tenant-1", UserID: "user-1", OwnerID: "user-1",
		InstrumentID: "EURUSD", AssetClass: "FX", Side: order.SideBuy,
		Qty: decimal.NewFromInt(100), LimitPrice: decimal.NewFromFloat(1.1),
		TimeInForce: order.TIFGTC, ClientIdempotencyKey: "client-key-1",
	}
	first, err := s.PlaceOrder(ctx, req)
	require.NoError(t, err)

	second, err := s.PlaceOrder(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.OrderID, second.OrderID)
}

func TestOrderLifecycleAckFillCancel(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	o, err := s.PlaceOrder(ctx, oms.PlaceOrderRequest{
		TenantID: "tenant-1", UserID: "user-1", OwnerID: "user-1",
		InstrumentID: "EURUSD", AssetClass: "FX", Side: order.SideBuy,
		Qty: decimal.NewFromInt(100), LimitPrice: decimal.NewFromFloat(1.1), TimeInForce: order.TIFGTC,
	})
	require.NoError(t, err)

	o, err = s.Acknowledge(ctx, "tenant-1", o.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusAck, o.Status)

	o, err = s.Fill(ctx, "tenant-1", o.OrderID, decimal.NewFromInt(40))
	require.NoError(t, err)
	require.Equal(t, order.StatusPartialFill, o.Status)

	o, err = s.Fill(ctx, "tenant-1", o.OrderID, decimal.NewFromInt(60))
	require.NoError(t, err)
	require.Equal(t, order.StatusFilled, o.Status)

	_, err = s.CancelOrder(ctx, oms.CancelOrderRequest{TenantID: "tenant-1", UserID: "user-1", OrderID: o.OrderID})
	require.Error(t, err) // filled orders cannot be cancelled
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	o, err := s.PlaceOrder(ctx, oms.PlaceOrderRequest{
		TenantID: "tenant-1", UserID: "user-1", OwnerID: "user-1",
		InstrumentID: "EURUSD", AssetClass: "FX", Side: order.SideBuy,
		Qty: decimal.NewFromInt(100), LimitPrice: decimal.NewFromFloat(1.1), TimeInForce: order.TIFGTC,
	})
	require.NoError(t, err)

	cancelling, err := s.CancelOrder(ctx, oms.CancelOrderRequest{TenantID: "tenant-1", UserID: "user-1", OrderID: o.OrderID})
	require.NoError(t, err)
	require.Equal(t, order.StatusCancelRequested, cancelling.Status)

	confirmed, err := s.ConfirmCancel(ctx, "tenant-1", o.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCancelled, confirmed.Status)

	again, err := s.CancelOrder(ctx, oms.CancelOrderRequest{TenantID: "tenant-1", UserID: "user-1", OrderID: o.OrderID})
	require.NoError(t, err)
	require.Equal(t, order.StatusCancelled, again.Status)
}
