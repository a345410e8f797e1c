// Package projection holds the TEC's read-model consumers. Each projection
// is an ordinary consumer.Handler run through the idempotent consumer
// runtime, owns its local store exclusively, and can be truncated and
// rebuilt from the event log at any time.
package projection

import (
	"context"
	"time"

	"github.com/orion-trading/tec/internal/app/consumer"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/pkg/logger"
)

// tradeExecutedPayload mirrors the payload the execution saga emits on
// TradeExecuted.
type tradeExecutedPayload struct {
	TradeID      string    `json:"tradeId"`
	RFQID        string    `json:"rfqId"`
	InstrumentID string    `json:"instrumentId"`
	Side         string    `json:"side"`
	Qty          string    `json:"qty"`
	Price        string    `json:"price"`
	Venue        string    `json:"venue"`
	ExecutedAt   time.Time `json:"executedAt"`
}

// Blotter materializes the trade blotter from TradeExecuted events. Applying
// the same event twice converges on the same row, so a replay of the full
// log reproduces the blotter byte for byte.
type Blotter struct {
	store storage.BlotterStore
	log   *logger.Logger
}

// NewBlotter constructs the blotter projection over store.
func NewBlotter(store storage.BlotterStore, log *logger.Logger) *Blotter {
	if log == nil {
		log = logger.NewDefault("blotter")
	}
	return &Blotter{store: store, log: log}
}

// Handle implements consumer.Handler for the TradeExecuted event type.
// Events of any other type on the trades topic are ignored. The upsert goes
// through q, the runtime's delivery transaction.
func (b *Blotter) Handle(ctx context.Context, q storage.Querier, env event.Envelope) error {
	if env.EventType != event.TypeTradeExecuted {
		return nil
	}
	var payload tradeExecutedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		return &consumer.PermanentError{Err: err}
	}
	return b.store.UpsertBlotterTrade(ctx, q, storage.BlotterTrade{
		TenantID:     env.TenantID,
		TradeID:      payload.TradeID,
		InstrumentID: payload.InstrumentID,
		Side:         payload.Side,
		Qty:          payload.Qty,
		Price:        payload.Price,
		Venue:        payload.Venue,
		ExecutedAt:   payload.ExecutedAt.UTC(),
		LastSequence: env.Entity.Sequence,
	})
}

// Rebuild truncates the blotter and replays the durable event record from
// sequence 0, batch rows at a time. It returns the number of TradeExecuted
// events applied. Envelopes that no longer deserialize are skipped with a
// warning rather than aborting the rebuild; they were already poison when
// first consumed.
func (b *Blotter) Rebuild(ctx context.Context, log storage.OutboxStore, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	if err := b.store.TruncateBlotter(ctx); err != nil {
		return 0, err
	}

	applied := 0
	var afterID int64
	for {
		rows, err := log.ListEventsAfter(ctx, afterID, batch)
		if err != nil {
			return applied, err
		}
		if len(rows) == 0 {
			return applied, nil
		}
		for _, row := range rows {
			afterID = row.ID
			env, err := event.Deserialize(row.Payload)
			if err != nil {
				b.log.Warnf("blotter rebuild: skipping undecodable event %s: %v", row.EventID, err)
				continue
			}
			if env.EventType != event.TypeTradeExecuted {
				continue
			}
			if err := b.Handle(ctx, nil, env); err != nil {
				return applied, err
			}
			applied++
		}
	}
}
