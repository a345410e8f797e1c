// Package rfqcoordinator implements the command handlers around the rfq
// aggregate: createRFQ, recordQuote, acceptQuote, cancelRFQ, plus the expiry
// scanner. The user commands (createRFQ, acceptQuote, cancelRFQ) pass the
// control-plane gate before any mutation; recordQuote, the LP-facing
// command, is not gated. Each command mutates the aggregate and persists it
// alongside the events it produced in one transaction.
package rfqcoordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/orion-trading/tec/internal/app/controlplane"
	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/outbox"
	"github.com/orion-trading/tec/internal/app/storage"
	"github.com/orion-trading/tec/pkg/logger"
)

const producer = "rfq-coordinator"

// LastLookStrategy decides, for a quote whose LP exercises last look,
// whether the RFQ should remain open (stillOpen=true, returns to QUOTING)
// or become terminally REJECTED. Implemented as an injectable function:
// the aggregate only encodes the transition, this decides which branch.
type LastLookStrategy func(r rfq.RFQ, acceptedAt time.Time) (stillOpen bool)

// DefaultLastLookStrategy keeps the RFQ open unless it is within
// reopenCutoff of expiry, so a rejected quote still gives the requester a
// chance to accept another one.
func DefaultLastLookStrategy(reopenCutoff time.Duration) LastLookStrategy {
	return func(r rfq.RFQ, acceptedAt time.Time) bool {
		return acceptedAt.Add(reopenCutoff).Before(r.ExpiryInstant)
	}
}

// Router selects which liquidity providers an RFQ should be sent to.
// Production implementations consult venue/LP entitlement and connectivity
// state; tests may use a fixed-list stub.
type Router interface {
	Route(ctx context.Context, r rfq.RFQ) ([]string, error)
}

// Coordinator wires the rfq aggregate to persistence, the outbox, and the
// control-plane gate.
type Coordinator struct {
	store     storage.RFQStore
	writer    *outbox.Writer
	gate      *controlplane.Gate
	router    Router
	lastLook  LastLookStrategy
	maxExpiry time.Duration
	log       *logger.Logger
	hooks     core.ObservationHooks
}

// Config bundles the tunables a Coordinator needs beyond its dependencies.
type Config struct {
	MaxExpiry        time.Duration
	LastLookStrategy LastLookStrategy
}

// New constructs a Coordinator.
func New(store storage.RFQStore, writer *outbox.Writer, gate *controlplane.Gate, router Router, cfg Config, hooks core.ObservationHooks, log *logger.Logger) *Coordinator {
	if cfg.MaxExpiry <= 0 {
		cfg.MaxExpiry = 120 * time.Second
	}
	if cfg.LastLookStrategy == nil {
		cfg.LastLookStrategy = DefaultLastLookStrategy(5 * time.Second)
	}
	if log == nil {
		log = logger.NewDefault("rfq-coordinator")
	}
	return &Coordinator{
		store:     store,
		writer:    writer,
		gate:      gate,
		router:    router,
		lastLook:  cfg.LastLookStrategy,
		maxExpiry: cfg.MaxExpiry,
		log:       log,
		hooks:     hooks,
	}
}

// CreateRFQRequest is the createRFQ command payload.
type CreateRFQRequest struct {
	TenantID     string
	UserID       string
	RequesterID  string
	InstrumentID string
	AssetClass   string
	Side         rfq.Side
	Size         decimal.Decimal
	ExpirySecs   int
}

// CreateRFQ validates the command through the control plane, constructs a
// CREATED RFQ, immediately sends it to the routed LPs (CREATED->SENT is a
// single atomic step here since routing has no externally-observable
// failure mode worth splitting into two commands), and persists RFQCreated
// + RFQSent transactionally.
func (c *Coordinator) CreateRFQ(ctx context.Context, req CreateRFQRequest) (rfq.RFQ, error) {
	done := core.StartObservation(ctx, c.hooks, map[string]string{"op": "createRFQ"})
	var err error
	defer func() { done(err) }()

	if err = c.gate.Check(ctx, controlplane.Request{
		TenantID: req.TenantID, UserID: req.UserID, Kind: controlplane.CommandRFQ,
		AssetClass: req.AssetClass, InstrumentID: req.InstrumentID, Notional: req.Size,
	}); err != nil {
		return rfq.RFQ{}, err
	}

	now := time.Now().UTC()
	expirySecs := req.ExpirySecs
	if expirySecs <= 0 || time.Duration(expirySecs)*time.Second > c.maxExpiry {
		expirySecs = int(c.maxExpiry / time.Second)
	}
	expiry := now.Add(time.Duration(expirySecs) * time.Second)

	r := rfq.New(uuid.NewString(), req.TenantID, req.RequesterID, req.InstrumentID, req.Side, req.Size, expiry, now)

	createdEnv, err := event.Create(event.TypeRFQCreated, producer, r.TenantID,
		event.Entity{EntityType: event.EntityRFQ, EntityID: r.RFQID, Sequence: r.Version}, rfqCreatedPayload(r))
	if err != nil {
		return rfq.RFQ{}, err
	}

	var lpIDs []string
	if c.router != nil {
		lpIDs, err = c.router.Route(ctx, r)
		if err != nil {
			return rfq.RFQ{}, err
		}
	}
	if err = r.Send(now); err != nil {
		return rfq.RFQ{}, err
	}
	sentEnv, err := event.CreateChild(createdEnv, event.TypeRFQSent, producer,
		event.Entity{EntityType: event.EntityRFQ, EntityID: r.RFQID, Sequence: r.Version},
		map[string]any{"rfqId": r.RFQID, "routedLPs": lpIDs})
	if err != nil {
		return rfq.RFQ{}, err
	}

	err = c.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := c.store.SaveRFQ(ctx, q, r, 0); txErr != nil {
			return txErr
		}
		return c.writer.WriteTx(ctx, q, createdEnv, sentEnv)
	})
	if err != nil {
		return rfq.RFQ{}, err
	}
	return r, nil
}

// RecordQuoteRequest is the LP-facing recordQuote command payload.
type RecordQuoteRequest struct {
	TenantID     string
	RFQID        string
	Quote        rfq.Quote
	ReferenceMid *decimal.Decimal
	Tolerance    decimal.Decimal
}

// RecordQuote appends an LP's quote. Idempotent on QuoteID: a replayed
// duplicate returns the current RFQ unchanged with no new event.
func (c *Coordinator) RecordQuote(ctx context.Context, req RecordQuoteRequest) (rfq.RFQ, error) {
	done := core.StartObservation(ctx, c.hooks, map[string]string{"op": "recordQuote"})
	var err error
	defer func() { done(err) }()

	r, err := c.store.GetRFQ(ctx, req.TenantID, req.RFQID)
	if err != nil {
		return rfq.RFQ{}, err
	}
	now := time.Now().UTC()
	expectedVersion := r.Version

	accepted, alreadyExists, err := r.RecordQuote(req.Quote, now, req.ReferenceMid, req.Tolerance)
	if err != nil {
		return rfq.RFQ{}, err
	}
	if alreadyExists || !accepted {
		return r, nil
	}

	env, err := event.Create(event.TypeQuoteReceived, producer, r.TenantID,
		event.Entity{EntityType: event.EntityRFQ, EntityID: r.RFQID, Sequence: r.Version}, quotePayload(req.Quote))
	if err != nil {
		return rfq.RFQ{}, err
	}

	err = c.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := c.store.SaveRFQ(ctx, q, r, expectedVersion); txErr != nil {
			return txErr
		}
		return c.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		return rfq.RFQ{}, err
	}
	return r, nil
}

// AcceptQuoteRequest is the acceptQuote command payload.
type AcceptQuoteRequest struct {
	TenantID       string
	UserID         string
	RFQID          string
	QuoteID        string
	ReadVersion    int64
	IdempotencyKey string
}

// AcceptQuote runs the control-plane gate, then applies the aggregate's
// optimistic-concurrency accept and emits QuoteAccepted, the trigger event
// for the execution saga.
func (c *Coordinator) AcceptQuote(ctx context.Context, req AcceptQuoteRequest) (rfq.RFQ, error) {
	done := core.StartObservation(ctx, c.hooks, map[string]string{"op": "acceptQuote"})
	var err error
	defer func() { done(err) }()

	r, err := c.store.GetRFQ(ctx, req.TenantID, req.RFQID)
	if err != nil {
		return rfq.RFQ{}, err
	}

	if err = c.gate.Check(ctx, controlplane.Request{
		TenantID: req.TenantID, UserID: req.UserID, Kind: controlplane.CommandRFQ,
		InstrumentID: r.InstrumentID, Notional: r.Size,
	}); err != nil {
		return rfq.RFQ{}, err
	}

	now := time.Now().UTC()
	expectedVersion := r.Version
	wasIdempotentReplay := r.AcceptIdemKey == req.IdempotencyKey && r.AcceptIdemKey != ""

	if err = r.AcceptQuote(req.QuoteID, req.ReadVersion, req.IdempotencyKey, now); err != nil {
		return rfq.RFQ{}, err
	}
	if wasIdempotentReplay {
		return r, nil
	}

	env, err := event.Create(event.TypeQuoteAccepted, producer, r.TenantID,
		event.Entity{EntityType: event.EntityRFQ, EntityID: r.RFQID, Sequence: r.Version},
		map[string]any{"rfqId": r.RFQID, "acceptedQuoteId": r.AcceptedQuoteID, "instrumentId": r.InstrumentID,
			"side": r.Side, "size": r.Size.String(), "requesterId": r.RequesterID})
	if err != nil {
		return rfq.RFQ{}, err
	}

	err = c.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := c.store.SaveRFQ(ctx, q, r, expectedVersion); txErr != nil {
			return txErr
		}
		return c.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		return rfq.RFQ{}, err
	}
	return r, nil
}

// CancelRFQ cancels the requester's own RFQ.
func (c *Coordinator) CancelRFQ(ctx context.Context, tenantID, userID, rfqID string) (rfq.RFQ, error) {
	done := core.StartObservation(ctx, c.hooks, map[string]string{"op": "cancelRFQ"})
	var err error
	defer func() { done(err) }()

	r, err := c.store.GetRFQ(ctx, tenantID, rfqID)
	if err != nil {
		return rfq.RFQ{}, err
	}

	if err = c.gate.Check(ctx, controlplane.Request{
		TenantID: tenantID, UserID: userID, Kind: controlplane.CommandRFQ, InstrumentID: r.InstrumentID,
	}); err != nil {
		return rfq.RFQ{}, err
	}

	now := time.Now().UTC()
	expectedVersion := r.Version
	wasAlreadyCancelled := r.Status == rfq.StatusCancelled

	if err = r.Cancel(userID, now); err != nil {
		return rfq.RFQ{}, err
	}
	if wasAlreadyCancelled {
		return r, nil
	}

	env, err := event.Create(event.TypeRFQCancelled, producer, r.TenantID,
		event.Entity{EntityType: event.EntityRFQ, EntityID: r.RFQID, Sequence: r.Version},
		map[string]any{"rfqId": r.RFQID, "cancelledBy": userID})
	if err != nil {
		return rfq.RFQ{}, err
	}

	err = c.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := c.store.SaveRFQ(ctx, q, r, expectedVersion); txErr != nil {
			return txErr
		}
		return c.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		return rfq.RFQ{}, err
	}
	return r, nil
}

// RejectAcceptance applies LP last-look rejection using the coordinator's
// configured strategy, called by the execution saga when the LP
// declines to execute an accepted quote.
func (c *Coordinator) RejectAcceptance(ctx context.Context, tenantID, rfqID string) (rfq.RFQ, error) {
	r, err := c.store.GetRFQ(ctx, tenantID, rfqID)
	if err != nil {
		return rfq.RFQ{}, err
	}
	now := time.Now().UTC()
	expectedVersion := r.Version
	stillOpen := c.lastLook(r, now)

	if err = r.RejectAcceptance(now, stillOpen); err != nil {
		return rfq.RFQ{}, err
	}

	eventType := event.TypeQuoteAcceptanceRejected
	env, err := event.Create(eventType, producer, r.TenantID,
		event.Entity{EntityType: event.EntityRFQ, EntityID: r.RFQID, Sequence: r.Version},
		map[string]any{"rfqId": r.RFQID, "reopened": stillOpen})
	if err != nil {
		return rfq.RFQ{}, err
	}

	err = c.store.RunInTx(ctx, func(q storage.Querier) error {
		if txErr := c.store.SaveRFQ(ctx, q, r, expectedVersion); txErr != nil {
			return txErr
		}
		return c.writer.WriteTx(ctx, q, env)
	})
	if err != nil {
		return rfq.RFQ{}, err
	}
	return r, nil
}

// ConfirmTrade marks the RFQ TRADED on execution confirmation.
func (c *Coordinator) ConfirmTrade(ctx context.Context, tenantID, rfqID string) (rfq.RFQ, error) {
	r, err := c.store.GetRFQ(ctx, tenantID, rfqID)
	if err != nil {
		return rfq.RFQ{}, err
	}
	now := time.Now().UTC()
	expectedVersion := r.Version
	if err = r.ConfirmTrade(now); err != nil {
		return rfq.RFQ{}, err
	}
	err = c.store.RunInTx(ctx, func(q storage.Querier) error {
		return c.store.SaveRFQ(ctx, q, r, expectedVersion)
	})
	if err != nil {
		return rfq.RFQ{}, err
	}
	return r, nil
}

func rfqCreatedPayload(r rfq.RFQ) map[string]any {
	return map[string]any{
		"rfqId": r.RFQID, "requesterId": r.RequesterID, "instrumentId": r.InstrumentID,
		"side": r.Side, "size": r.Size.String(), "expiryInstant": r.ExpiryInstant,
	}
}

func quotePayload(q rfq.Quote) map[string]any {
	return map[string]any{
		"quoteId": q.QuoteID, "rfqId": q.RFQID, "lpId": q.LPID,
		"price": q.Price.String(), "size": q.Size.String(), "validUntil": q.ValidUntil,
	}
}
