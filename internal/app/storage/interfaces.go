// Package storage defines the persistence interfaces the TEC domain services
// depend on. Concrete implementations live in storage/postgres (backed by
// lib/pq) and storage/memory (in-process, for tests and single-node
// prototyping).
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/domain/order"
	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/domain/trade"
)

// ErrVersionConflict is returned by RFQStore.SaveRFQ/OrderStore.SaveOrder when the
// stored version has advanced past the caller's expectedVersion.
var ErrVersionConflict = errors.New("storage: optimistic concurrency conflict")

// ErrNotFound is returned by Get-style lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// Querier is satisfied by both *sql.DB and *sql.Tx, letting store methods run
// standalone or inside a caller-managed transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxRunner executes fn inside a single database transaction, committing on
// success and rolling back on error or panic.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(q Querier) error) error
}

// OutboxRow mirrors the outbox_events table schema.
type OutboxRow struct {
	ID          int64
	EventID     string
	TenantID    string
	EntityType  string
	EntityID    string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
	RetryCount  int
	LastError   string
}

// OutboxStore persists events transactionally alongside aggregate state and
// supports the relay's claim/publish/dead-letter workflow.
type OutboxStore interface {
	TxRunner
	// Insert writes one outbox row within the given Querier (typically a
	// transaction shared with the aggregate state mutation).
	Insert(ctx context.Context, q Querier, env event.Envelope) error
	// ClaimUnpublished selects up to limit unpublished rows using
	// FOR UPDATE SKIP LOCKED so relay instances can scale horizontally.
	ClaimUnpublished(ctx context.Context, limit int) ([]OutboxRow, error)
	// ListEventsAfter walks committed rows with id > afterID in id order,
	// published or not. The outbox doubles as the durable local record of
	// every emitted event, which is what projection replay tooling reads.
	ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]OutboxRow, error)
	MarkPublished(ctx context.Context, id int64, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, lastError string, retryCount int) error
	CountUnpublished(ctx context.Context) (int, error)
	DeadLetter(ctx context.Context, row OutboxRow, reason string) error
}

// ProcessedEvent is the idempotency memory of a consumer group.
type ProcessedEvent struct {
	TenantID      string
	ConsumerGroup string
	EventID       string
	EventType     string
	ProcessedAt   time.Time
}

// ProcessedEventStore is the consumer dedup check: TryInsert fails
// (returns false, nil) on a uniqueness violation rather than an error,
// signalling "already processed."
type ProcessedEventStore interface {
	TryInsert(ctx context.Context, q Querier, pe ProcessedEvent) (inserted bool, err error)
}

// DeadLetterRow carries a consumer's poison-event diagnosis.
type DeadLetterRow struct {
	ID             int64
	ConsumerGroup  string
	EventID        string
	Envelope       []byte
	ErrorSummary   string
	ConsumerVersion string
	CreatedAt      time.Time
}

// DeadLetterStore persists DLQ rows for operator inspection and replay.
type DeadLetterStore interface {
	InsertDLQ(ctx context.Context, row DeadLetterRow) error
	List(ctx context.Context, consumerGroup string, limit int) ([]DeadLetterRow, error)
	Remove(ctx context.Context, id int64) error
}

// RFQStore persists RFQ aggregates with optimistic-concurrency semantics:
// SaveRFQ must fail with ErrVersionConflict if the stored version has
// advanced past expectedVersion. Method names carry the aggregate name
// because a single concrete Store implements RFQStore, OrderStore,
// TradeStore, and SettlementStore together, and Go has no overloading.
type RFQStore interface {
	TxRunner
	GetRFQ(ctx context.Context, tenantID, rfqID string) (rfq.RFQ, error)
	SaveRFQ(ctx context.Context, q Querier, r rfq.RFQ, expectedVersion int64) error
	ListExpiringRFQs(ctx context.Context, statuses []rfq.Status, before time.Time, limit int) ([]rfq.RFQ, error)
	ListRFQsByTenant(ctx context.Context, tenantID string, limit int) ([]rfq.RFQ, error)
}

// OrderStore persists Order aggregates, plus an idempotency-key lookup used
// by placeOrder to detect replays.
type OrderStore interface {
	TxRunner
	GetOrder(ctx context.Context, tenantID, orderID string) (order.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, tenantID, ownerID, key string) (order.Order, bool, error)
	SaveOrder(ctx context.Context, q Querier, o order.Order, expectedVersion int64) error
	ListOrdersByTenant(ctx context.Context, tenantID string, limit int) ([]order.Order, error)
}

// TradeStore persists immutable trades with the (rfqId, acceptedQuoteId)
// dedup constraint that guarantees at-most-one trade per acceptance.
type TradeStore interface {
	TxRunner
	InsertTrade(ctx context.Context, q Querier, t trade.Trade) (inserted bool, err error)
	GetTrade(ctx context.Context, tenantID, tradeID string) (trade.Trade, error)
	ListTradesByTenant(ctx context.Context, tenantID string, limit int) ([]trade.Trade, error)
}

// SettlementStore persists settlement retry state.
type SettlementStore interface {
	GetSettlement(ctx context.Context, tradeID string) (trade.Settlement, error)
	SaveSettlement(ctx context.Context, s trade.Settlement) error
	ListDue(ctx context.Context, before time.Time, limit int) ([]trade.Settlement, error)
}

// Entitlement describes a caller's allowed asset classes, instruments, and
// venues, plus rate and notional ceilings. Empty allow-lists mean
// "unrestricted" for that axis.
type Entitlement struct {
	TenantID          string
	UserID            string
	AssetClasses      []string
	Instruments       []string
	Venues            []string
	MaxRFQsPerSecond  float64
	MaxOrdersPerSecond float64
	MaxNotional       string // decimal string; parsed by the control plane
}

// EntitlementStore resolves a caller's entitlements.
type EntitlementStore interface {
	GetEntitlement(ctx context.Context, tenantID, userID string) (Entitlement, error)
	UpsertEntitlement(ctx context.Context, e Entitlement) error
}

// KillSwitchStore persists kill-switch state, replayed at startup from the
// event log and updated live by the
// control plane's broadcast consumer.
type KillSwitchStore interface {
	IsActive(ctx context.Context, tenantID string) (bool, error)
	SetActive(ctx context.Context, tenantID string, active bool, actor, reason string) error
}

// Instrument describes a tradable instrument's trading parameters.
type Instrument struct {
	InstrumentID string
	AssetClass   string
	Active       bool
	MinSize      string
	MaxSize      string
	LotSize      string
}

// InstrumentStore resolves instrument metadata for RFQ and order validation.
type InstrumentStore interface {
	GetInstrument(ctx context.Context, instrumentID string) (Instrument, bool, error)
	UpsertInstrument(ctx context.Context, i Instrument) error
	ListInstruments(ctx context.Context) ([]Instrument, error)
}

// Venue describes an execution venue.
type Venue struct {
	VenueID string
	Name    string
	Active  bool
}

// LiquidityProvider describes a configured liquidity provider.
type LiquidityProvider struct {
	LPID   string
	Name   string
	Active bool
}

// RefDataStore persists venue and liquidity-provider reference data.
type RefDataStore interface {
	UpsertVenue(ctx context.Context, v Venue) error
	ListVenues(ctx context.Context) ([]Venue, error)
	UpsertLP(ctx context.Context, lp LiquidityProvider) error
	ListLPs(ctx context.Context) ([]LiquidityProvider, error)
}

// BlotterTrade is one row of the trade-blotter read model. Monetary fields
// stay decimal strings end to end so a rebuild from the log reproduces the
// stored rows byte for byte.
type BlotterTrade struct {
	TenantID     string
	TradeID      string
	InstrumentID string
	Side         string
	Qty          string
	Price        string
	Venue        string
	ExecutedAt   time.Time
	LastSequence int64
}

// BlotterStore persists the blotter projection. The projection owns this
// store exclusively and may be truncated and rebuilt from the event log at
// any time.
type BlotterStore interface {
	UpsertBlotterTrade(ctx context.Context, q Querier, row BlotterTrade) error
	ListBlotter(ctx context.Context, tenantID string, limit int) ([]BlotterTrade, error)
	TruncateBlotter(ctx context.Context) error
}
