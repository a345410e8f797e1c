// Package oms implements the order management command handlers:
// placeOrder, cancelOrder, amendOrder, plus the fill application the
// execution path drives. Mirrors rfqcoordinator's shape: gate check, load,
// mutate, writeTransactional.
package oms

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/orion-trading/tec/internal/app/controlplane"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/order"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/pkg/logger"
)

const producer = "oms"

// Service wires the order aggregate to persistence, the outbox, and the
// control-plane gate.
type Service struct {
	store  storage.OrderStore
	writer *outbox.Writer
	gate   *controlplane.Gate
	log    *logger.Logger
	hooks  core.ObservationHooks
}

// New constructs a Service.
func New(store storage.OrderStore, writer *outbox.Writer, gate *controlplane.Gate, hooks core.ObservationHooks, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("oms")
	}
	return &Service{store: store, writer: writer, gate: gate, log: log, hooks: hooks}
}

// PlaceOrderRequest is the placeOrder command payload.
type PlaceOrderRequest struct {
	TenantID             string
	UserID               string
	OwnerID              string
	InstrumentID         string
	AssetClass           string
	Venue                string
	Side                 order.Side
	Qty                  decimal.Decimal
	LimitPrice           decimal.Decimal
	TimeInForce          order.TimeInForce
	ClientIdempotencyKey string
}

// PlaceOrder first looks up the idempotency key, then runs the control-plane
// gate before creating a new order. A replayed key returns the original
// order with no new event and without passing the gate again.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (order.Order, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"op": "placeOrder"})
	var err error
	defer func() { done(err) }()

	if req.ClientIdempotencyKey != "" {
		existing, found, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, req.TenantID, req.OwnerID, req.ClientIdempotencyKey)
		if lookupErr != nil {
			err = lookupErr
			return order.Order{}, err
		}
		if found {
			return existing, nil
		}
	}

	notional := req.Qty.Mul(req.LimitPrice)
	if err = s.gate.Check(ctx, controlplane.Request{
		TenantID: req.TenantID, UserID: req.UserID, Kind: controlplane.CommandOrder,
		AssetClass: req.AssetClass, InstrumentID: req.InstrumentID, Venue: req.Venue, Notional: notional,
	}); err != nil {
		return order.Order{}, err
	}

	now := time.Now().UTC()
	o := order.New(uuid.NewString(), req.TenantID, req.OwnerID, req.InstrumentID, req.Side, req.Qty, req.LimitPrice, req.TimeInForce, req.ClientIdempotencyKey, now)

	env, err := event.Create(event.TypeOrderPlaced, producer, o.TenantID,
		event.Entity{EntityType: event.EntityOrder, EntityID: o.OrderID, Sequence: o.Version}, orderPlacedPayload(o))
	if err != nil {
		return order.Order{}, err
	}

	err = s.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := s.store.SaveOrder(ctx, q, o, 0); txErr != nil {
			return txErr
		}
		return s.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// Acknowledge transitions NEW -> ACK once the venue/LP confirms receipt.
func (s *Service) Acknowledge(ctx context.Context, tenantID, orderID string) (order.Order, error) {
	return s.mutate(ctx, tenantID, orderID, event.TypeOrderAcknowledged, func(o *order.Order, now time.Time) error {
		return o.Acknowledge(now)
	}, func(o order.Order) map[string]any {
		return map[string]any{"orderId": o.OrderID}
	})
}

// Reject transitions NEW -> REJECTED.
func (s *Service) Reject(ctx context.Context, tenantID, orderID, reason string) (order.Order, error) {
	return s.mutate(ctx, tenantID, orderID, event.TypeOrderRejected, func(o *order.Order, now time.Time) error {
		return o.Reject(now)
	}, func(o order.Order) map[string]any {
		return map[string]any{"orderId": o.OrderID, "reason": reason}
	})
}

// Fill applies a partial or complete execution fill.
func (s *Service) Fill(ctx context.Context, tenantID, orderID string, qty decimal.Decimal) (order.Order, error) {
	return s.mutate(ctx, tenantID, orderID, event.TypeOrderFilled, func(o *order.Order, now time.Time) error {
		return o.Fill(qty, now)
	}, func(o order.Order) map[string]any {
		return map[string]any{"orderId": o.OrderID, "filledQty": o.FilledQty.String(), "remainingQty": o.RemainingQty().String(), "status": o.Status}
	})
}

// CancelOrderRequest is the cancelOrder command payload.
type CancelOrderRequest struct {
	TenantID string
	UserID   string
	OrderID  string
}

// CancelOrder requests cancellation (NEW/ACK/PARTIAL_FILL -> CANCEL_REQUESTED).
// Idempotent: cancelling an already-cancelled order is a no-op success.
func (s *Service) CancelOrder(ctx context.Context, req CancelOrderRequest) (order.Order, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"op": "cancelOrder"})
	var err error
	defer func() { done(err) }()

	o, err := s.store.GetOrder(ctx, req.TenantID, req.OrderID)
	if err != nil {
		return order.Order{}, err
	}
	if err = s.gate.Check(ctx, controlplane.Request{
		TenantID: req.TenantID, UserID: req.UserID, Kind: controlplane.CommandOrder, InstrumentID: o.InstrumentID,
	}); err != nil {
		return order.Order{}, err
	}

	now := time.Now().UTC()
	expectedVersion := o.Version
	wasAlreadyCancelled := o.Status == order.StatusCancelled

	if err = o.RequestCancel(now); err != nil {
		return order.Order{}, err
	}
	if wasAlreadyCancelled {
		return o, nil
	}

	env, err := event.Create(event.TypeOrderCancelled, producer, o.TenantID,
		event.Entity{EntityType: event.EntityOrder, EntityID: o.OrderID, Sequence: o.Version},
		map[string]any{"orderId": o.OrderID, "requestedBy": req.UserID})
	if err != nil {
		return order.Order{}, err
	}

	err = s.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := s.store.SaveOrder(ctx, q, o, expectedVersion); txErr != nil {
			return txErr
		}
		return s.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// ConfirmCancel finalizes CANCEL_REQUESTED -> CANCELLED on venue confirmation.
func (s *Service) ConfirmCancel(ctx context.Context, tenantID, orderID string) (order.Order, error) {
	return s.mutate(ctx, tenantID, orderID, event.TypeOrderCancelled, func(o *order.Order, now time.Time) error {
		return o.ConfirmCancel(now)
	}, func(o order.Order) map[string]any {
		return map[string]any{"orderId": o.OrderID}
	})
}

// AmendOrderRequest is the amendOrder command payload.
type AmendOrderRequest struct {
	TenantID      string
	UserID        string
	OrderID       string
	NewQty        *decimal.Decimal
	NewLimitPrice *decimal.Decimal
}

// AmendOrder validates the new qty/price against remaining fill state.
func (s *Service) AmendOrder(ctx context.Context, req AmendOrderRequest) (order.Order, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"op": "amendOrder"})
	var err error
	defer func() { done(err) }()

	o, err := s.store.GetOrder(ctx, req.TenantID, req.OrderID)
	if err != nil {
		return order.Order{}, err
	}
	if err = s.gate.Check(ctx, controlplane.Request{
		TenantID: req.TenantID, UserID: req.UserID, Kind: controlplane.CommandOrder, InstrumentID: o.InstrumentID,
	}); err != nil {
		return order.Order{}, err
	}

	now := time.Now().UTC()
	expectedVersion := o.Version
	if err = o.Amend(req.NewQty, req.NewLimitPrice, now); err != nil {
		return order.Order{}, err
	}

	env, err := event.Create(event.TypeOrderAmended, producer, o.TenantID,
		event.Entity{EntityType: event.EntityOrder, EntityID: o.OrderID, Sequence: o.Version},
		map[string]any{"orderId": o.OrderID, "qty": o.Qty.String(), "limitPrice": o.LimitPrice.String()})
	if err != nil {
		return order.Order{}, err
	}

	err = s.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := s.store.SaveOrder(ctx, q, o, expectedVersion); txErr != nil {
			return txErr
		}
		return s.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// mutate is the shared load/apply/persist path for handlers that don't need
// a gate check (venue-driven state advances, not user commands).
func (s *Service) mutate(ctx context.Context, tenantID, orderID, eventType string, apply func(o *order.Order, now time.Time) error, payload func(order.Order) map[string]any) (order.Order, error) {
	o, err := s.store.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return order.Order{}, err
	}
	now := time.Now().UTC()
	expectedVersion := o.Version
	if err = apply(&o, now); err != nil {
		return order.Order{}, err
	}

	env, err := event.Create(eventType, producer, o.TenantID,
		event.Entity{EntityType: event.EntityOrder, EntityID: o.OrderID, Sequence: o.Version}, payload(o))
	if err != nil {
		return order.Order{}, err
	}

	err = s.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := s.store.SaveOrder(ctx, q, o, expectedVersion); txErr != nil {
			return txErr
		}
		return s.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		return order.Order{}, err
	}
	return o, nil
}

func orderPlacedPayload(o order.Order) map[string]any {
	return map[string]any{
		"orderId": o.OrderID, "ownerId": o.OwnerID, "instrumentId": o.InstrumentID,
		"side": o.Side, "qty": o.Qty.String(), "limitPrice": o.LimitPrice.String(), "timeInForce": o.TimeInForce,
	}
}
