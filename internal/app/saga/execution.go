// Package saga implements the execution and post-trade saga: a
// QuoteAccepted consumer that creates a Trade under a (rfqId,
// acceptedQuoteId) dedup constraint and emits TradeExecuted ->
// TradeConfirmed -> SettlementRequested, plus the settlement retry loop
// that drives PENDING->SETTLING->(SETTLED|FAILED->RETRYING->...) forward.
package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orion-trading/tec/internal/app/consumer"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/trade"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/pkg/logger"
)

const producer = "execution-saga"

// quoteAcceptedPayload mirrors the payload rfqcoordinator.AcceptQuote emits.
type quoteAcceptedPayload struct {
	RFQID           string `json:"rfqId"`
	AcceptedQuoteID string `json:"acceptedQuoteId"`
	InstrumentID    string `json:"instrumentId"`
	Side            string `json:"side"`
	Size            string `json:"size"`
	RequesterID     string `json:"requesterId"`
}

// QuoteResolver supplies the accepted quote's price/LP/venue, which the
// QuoteAccepted event itself does not carry (it only references the
// quoteId). Production implementations read the RFQ's quote map.
type QuoteResolver interface {
	ResolveQuote(ctx context.Context, tenantID, rfqID, quoteID string) (price decimal.Decimal, lpID, venue string, err error)
}

// ExecutionSaga consumes QuoteAccepted and creates the resulting trade.
type ExecutionSaga struct {
	trades      storage.TradeStore
	settlements storage.SettlementStore
	writer      *outbox.Writer
	quotes      QuoteResolver
	venueFor    string
	maxAttempts int
	log         *logger.Logger
}

// NewExecutionSaga constructs an ExecutionSaga. defaultVenue is used when
// QuoteResolver does not resolve one (e.g. a simulated LP); maxAttempts
// seeds the settlement record's retry cap (config.SettlementConfig.MaxAttempts).
func NewExecutionSaga(trades storage.TradeStore, settlements storage.SettlementStore, writer *outbox.Writer, quotes QuoteResolver, defaultVenue string, maxAttempts int, log *logger.Logger) *ExecutionSaga {
	if log == nil {
		log = logger.NewDefault("execution-saga")
	}
	return &ExecutionSaga{trades: trades, settlements: settlements, writer: writer, quotes: quotes, venueFor: defaultVenue, maxAttempts: maxAttempts, log: log}
}

// Handle implements consumer.Handler for the QuoteAccepted event type. The
// trade insert and the outbox writes go through q, the runtime's delivery
// transaction, so they commit atomically with the dedup insert.
func (s *ExecutionSaga) Handle(ctx context.Context, q storage.Querier, env event.Envelope) error {
	if env.EventType != event.TypeQuoteAccepted {
		return nil
	}
	var payload quoteAcceptedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		return &consumer.PermanentError{Err: err}
	}

	price, lpID, venue, err := s.quotes.ResolveQuote(ctx, env.TenantID, payload.RFQID, payload.AcceptedQuoteID)
	if err != nil {
		return err
	}
	if venue == "" {
		venue = s.venueFor
	}
	size, err := decimal.NewFromString(payload.Size)
	if err != nil {
		return &consumer.PermanentError{Err: err}
	}

	t := trade.Trade{
		TradeID:         uuid.NewString(),
		TenantID:        env.TenantID,
		RFQID:           payload.RFQID,
		AcceptedQuoteID: payload.AcceptedQuoteID,
		InstrumentID:    payload.InstrumentID,
		Side:            trade.Side(payload.Side),
		Qty:             size,
		Price:           price,
		BuyerParty:      payload.RequesterID,
		SellerParty:     lpID,
		Venue:           venue,
		ExecutedAt:      time.Now().UTC(),
	}

	executedEnv, err := event.CreateChild(env, event.TypeTradeExecuted, producer,
		event.Entity{EntityType: event.EntityTrade, EntityID: t.TradeID, Sequence: 1}, tradePayload(t))
	if err != nil {
		return err
	}
	confirmedEnv, err := event.CreateChild(executedEnv, event.TypeTradeConfirmed, producer,
		event.Entity{EntityType: event.EntityTrade, EntityID: t.TradeID, Sequence: 2},
		map[string]any{"tradeId": t.TradeID, "confirmation": tradePayload(t)})
	if err != nil {
		return err
	}
	settlementEnv, err := event.CreateChild(confirmedEnv, event.TypeSettlementRequested, producer,
		event.Entity{EntityType: event.EntitySettlement, EntityID: t.TradeID, Sequence: 1},
		map[string]any{"tradeId": t.TradeID, "venue": t.Venue})
	if err != nil {
		return err
	}

	inserted, err := s.trades.InsertTrade(ctx, q, t)
	if err != nil {
		return err
	}
	if !inserted {
		// (rfqId, acceptedQuoteId) already has a trade; duplicate delivery, no-op
		s.log.Debugf("execution saga: trade for rfq=%s quote=%s already exists, skipping", payload.RFQID, payload.AcceptedQuoteID)
		return nil
	}
	if err := s.writer.WriteTx(ctx, q, executedEnv, confirmedEnv, settlementEnv); err != nil {
		return err
	}

	settlement := trade.NewSettlement(t.TradeID, t.TenantID, t.Venue, s.maxAttempts, time.Now().UTC())
	if err := s.settlements.SaveSettlement(ctx, settlement); err != nil {
		s.log.Warnf("execution saga: failed to create settlement record for trade %s: %v", t.TradeID, err)
	}
	return nil
}

func tradePayload(t trade.Trade) map[string]any {
	return map[string]any{
		"tradeId": t.TradeID, "rfqId": t.RFQID, "acceptedQuoteId": t.AcceptedQuoteID,
		"instrumentId": t.InstrumentID, "side": t.Side, "qty": t.Qty.String(), "price": t.Price.String(),
		"buyerParty": t.BuyerParty, "sellerParty": t.SellerParty, "venue": t.Venue, "executedAt": t.ExecutedAt,
	}
}
