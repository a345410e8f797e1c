package rfqcoordinator

import (
	"context"
	"time"

	"github.com/orion-trading/tec/internal/app/consumer"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/internal/platform"
	"github.com/orion-trading/tec/pkg/logger"
)

// rfqSentPayload mirrors the payload CreateRFQ emits on RFQSent.
type rfqSentPayload struct {
	RFQID     string   `json:"rfqId"`
	RoutedLPs []string `json:"routedLPs"`
}

// QuoteResponder bridges RFQSent events to LiquidityProviderAdapter.Quote
// calls: each routed adapter is asked for a price and the response is fed
// back through the coordinator's RecordQuote, the same path an external LP
// gateway would use. The quote id is deterministic per (rfq, lp), so a
// redelivered RFQSent re-submits the same quote and the aggregate's dedup
// absorbs it.
type QuoteResponder struct {
	coordinator *Coordinator
	store       storage.RFQStore
	adapters    []platform.LiquidityProviderAdapter
	validFor    time.Duration
	log         *logger.Logger
}

// NewQuoteResponder constructs a QuoteResponder. validFor bounds each
// submitted quote's ValidUntil; zero defaults to 10s.
func NewQuoteResponder(coordinator *Coordinator, store storage.RFQStore, adapters []platform.LiquidityProviderAdapter, validFor time.Duration, log *logger.Logger) *QuoteResponder {
	if validFor <= 0 {
		validFor = 10 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("quote-responder")
	}
	return &QuoteResponder{coordinator: coordinator, store: store, adapters: adapters, validFor: validFor, log: log}
}

// Handle implements consumer.Handler for the RFQSent event type. q is
// unused: the responder only issues RecordQuote commands, each of which
// owns its own transaction and is idempotent by quote id. Adapter quote
// failures and domain-level rejections (expired RFQ, closed status) are
// expected outcomes of a best-effort quote solicitation, so they are
// logged and skipped rather than retried.
func (qr *QuoteResponder) Handle(ctx context.Context, _ storage.Querier, env event.Envelope) error {
	if env.EventType != event.TypeRFQSent {
		return nil
	}
	var payload rfqSentPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		return &consumer.PermanentError{Err: err}
	}

	r, err := qr.store.GetRFQ(ctx, env.TenantID, payload.RFQID)
	if err != nil {
		return err
	}

	routed := make(map[string]bool, len(payload.RoutedLPs))
	for _, lp := range payload.RoutedLPs {
		routed[lp] = true
	}

	now := time.Now().UTC()
	for _, adapter := range qr.adapters {
		if len(routed) > 0 && !routed[adapter.Name()] {
			continue
		}
		price, err := adapter.Quote(ctx, r.InstrumentID, string(r.Side), r.Size)
		if err != nil {
			qr.log.Warnf("quote responder: %s declined rfq %s: %v", adapter.Name(), r.RFQID, err)
			continue
		}
		quote := rfq.Quote{
			QuoteID:    r.RFQID + "-" + adapter.Name(),
			RFQID:      r.RFQID,
			LPID:       adapter.Name(),
			Price:      price,
			Size:       r.Size,
			ReceivedAt: now,
			ValidUntil: now.Add(qr.validFor),
		}
		if _, err := qr.coordinator.RecordQuote(ctx, RecordQuoteRequest{
			TenantID: env.TenantID, RFQID: r.RFQID, Quote: quote,
		}); err != nil {
			qr.log.Debugf("quote responder: quote from %s not recorded on rfq %s: %v", adapter.Name(), r.RFQID, err)
		}
	}
	return nil
}
