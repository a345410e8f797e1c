// Package event defines the canonical, versioned domain event envelope used
// across every TEC component, plus the catalog of recognized event and
// entity types.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Known event types. Consumers must treat any value not in this list as an
// opaque, ignorable string rather than an error (forward compatibility).
const (
	TypeMarketTickReceived       = "MarketTickReceived"
	TypeMarketSnapshotUpdated    = "MarketSnapshotUpdated"
	TypeMarketDataStaleDetected  = "MarketDataStaleDetected"
	TypeMarketDataResumed        = "MarketDataResumed"
	TypeRFQCreated               = "RFQCreated"
	TypeRFQSent                  = "RFQSent"
	TypeQuoteReceived            = "QuoteReceived"
	TypeQuoteAccepted            = "QuoteAccepted"
	TypeQuoteAcceptanceRejected  = "QuoteAcceptanceRejected"
	TypeRFQExpired               = "RFQExpired"
	TypeRFQCancelled             = "RFQCancelled"
	TypeOrderPlaced              = "OrderPlaced"
	TypeOrderAcknowledged        = "OrderAcknowledged"
	TypeOrderRejected            = "OrderRejected"
	TypeOrderCancelled           = "OrderCancelled"
	TypeOrderAmended             = "OrderAmended"
	TypeOrderFilled              = "OrderFilled"
	TypeTradeExecuted            = "TradeExecuted"
	TypeTradeConfirmed           = "TradeConfirmed"
	TypeSettlementRequested      = "SettlementRequested"
	TypeSettlementCompleted      = "SettlementCompleted"
	TypeSettlementFailed         = "SettlementFailed"
	TypeRiskLimitBreached        = "RiskLimitBreached"
	TypeKillSwitchEnabled        = "KillSwitchEnabled"
	TypeKillSwitchDisabled       = "KillSwitchDisabled"
	TypeInstrumentUpdated        = "InstrumentUpdated"
	TypeVenueUpdated             = "VenueUpdated"
	TypeLPConfigUpdated          = "LPConfigUpdated"
)

// Known entity types, used as the `entity.entityType` field.
const (
	EntityRFQ        = "RFQ"
	EntityOrder      = "Order"
	EntityTrade      = "Trade"
	EntitySettlement = "Settlement"
	EntityInstrument = "Instrument"
	EntityVenue      = "Venue"
	EntityLP         = "LiquidityProvider"
	EntityMarketData = "MarketData"
	EntityKillSwitch = "KillSwitch"
)

// DirectCausation is the sentinel causationId for a root event with no parent.
const DirectCausation = "direct"

// timestampLayout pins ISO-8601 with millisecond precision on the wire.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Entity identifies the aggregate an event describes, plus its
// partition-local monotonic sequence number.
type Entity struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Sequence   int64  `json:"sequence"`
}

// Envelope is the canonical, immutable-once-written representation of a
// domain event. It is serialized to the outbox table and to the log in the
// same shape.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventVersion  int             `json:"eventVersion"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Producer      string          `json:"producer"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId"`
	Entity        Entity          `json:"entity"`
	Payload       json.RawMessage `json:"payload"`
}

// wireEnvelope mirrors Envelope but renders OccurredAt with millisecond
// precision and tolerates unknown top-level fields on read.
type wireEnvelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventVersion  int             `json:"eventVersion"`
	OccurredAt    string          `json:"occurredAt"`
	Producer      string          `json:"producer"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId"`
	Entity        Entity          `json:"entity"`
	Payload       json.RawMessage `json:"payload"`
}

// Create builds a new root envelope: auto-generated eventId, occurredAt=now,
// eventVersion=1, a fresh correlationId, and causationId="direct".
func Create(eventType, producer, tenantID string, entity Entity, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TenantID:      tenantID,
		CorrelationID: uuid.NewString(),
		CausationID:   DirectCausation,
		Entity:        entity,
		Payload:       raw,
	}, nil
}

// CreateChild builds an envelope that inherits the parent's correlationId and
// tenantId, sets causationId to the parent's eventId, and generates a fresh
// eventId.
func CreateChild(parent Envelope, eventType, producer string, entity Entity, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TenantID:      parent.TenantID,
		CorrelationID: parent.CorrelationID,
		CausationID:   parent.EventID,
		Entity:        entity,
		Payload:       raw,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return b, nil
}

// Serialize renders the envelope as wire JSON with millisecond-precision
// timestamps.
func Serialize(e Envelope) ([]byte, error) {
	w := wireEnvelope{
		EventID:       e.EventID,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		OccurredAt:    e.OccurredAt.UTC().Format(timestampLayout),
		Producer:      e.Producer,
		TenantID:      e.TenantID,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		Entity:        e.Entity,
		Payload:       e.Payload,
	}
	return json.Marshal(w)
}

// Deserialize parses wire JSON into an Envelope. Unknown top-level fields are
// silently dropped by encoding/json; unknown payload shape is preserved as
// raw JSON for the caller to interpret (or ignore).
func Deserialize(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("deserialize envelope: %w", err)
	}
	occurred, err := time.Parse(timestampLayout, w.OccurredAt)
	if err != nil {
		// Fall back to RFC3339Nano for producers that don't pad to
		// millisecond precision exactly.
		occurred, err = time.Parse(time.RFC3339Nano, w.OccurredAt)
		if err != nil {
			return Envelope{}, fmt.Errorf("deserialize envelope: parse occurredAt: %w", err)
		}
	}
	return Envelope{
		EventID:       w.EventID,
		EventType:     w.EventType,
		EventVersion:  w.EventVersion,
		OccurredAt:    occurred.UTC(),
		Producer:      w.Producer,
		TenantID:      w.TenantID,
		CorrelationID: w.CorrelationID,
		CausationID:   w.CausationID,
		Entity:        w.Entity,
		Payload:       w.Payload,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into dst.
func DecodePayload(e Envelope, dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.EventID)
	}
	return json.Unmarshal(e.Payload, dst)
}

// Validate returns all violations of the envelope invariants at once rather
// than failing fast on the first one.
func Validate(e Envelope) []string {
	var violations []string
	if e.EventID == "" {
		violations = append(violations, "eventId must not be blank")
	}
	if e.EventType == "" {
		violations = append(violations, "eventType must not be blank")
	}
	if e.EventVersion < 1 {
		violations = append(violations, "eventVersion must be >= 1")
	}
	if e.OccurredAt.IsZero() {
		violations = append(violations, "occurredAt must not be blank")
	}
	if e.Producer == "" {
		violations = append(violations, "producer must not be blank")
	}
	if e.TenantID == "" {
		violations = append(violations, "tenantId must not be blank")
	}
	if e.CorrelationID == "" {
		violations = append(violations, "correlationId must not be blank")
	}
	if e.CausationID == "" {
		violations = append(violations, "causationId must not be blank (use \"direct\" for root events)")
	}
	if e.Entity.EntityType == "" {
		violations = append(violations, "entity.entityType must not be blank")
	}
	if e.Entity.EntityID == "" {
		violations = append(violations, "entity.entityId must not be blank")
	}
	return violations
}

// TopicName builds the `<env>.<domain>.<stream>.v<major>` topic name.
func TopicName(env, domain, stream string, major int) string {
	return fmt.Sprintf("%s.%s.%s.v%d", env, domain, stream, major)
}

// Topic name constants for the streams defined in the external interface.
const (
	TopicMarketDataTicksDomain  = "marketdata"
	TopicRFQLifecycleDomain     = "rfq"
	TopicRFQQuotesDomain        = "rfq"
	TopicExecutionTradesDomain  = "execution"
	TopicPostTradeSettleDomain  = "posttrade"
	TopicRiskAlertsDomain       = "risk"
	TopicDLQDomain              = "dlq"
)

// streamByEventType routes every catalog event type to its (domain, stream)
// pair. Order lifecycle and reference-data updates have no dedicated
// stream; they're assigned the nearest-fitting
// domain so every event type still resolves to exactly one topic.
var streamByEventType = map[string][2]string{
	TypeMarketTickReceived:      {"marketdata", "ticks"},
	TypeMarketSnapshotUpdated:   {"marketdata", "ticks"},
	TypeMarketDataStaleDetected: {"marketdata", "ticks"},
	TypeMarketDataResumed:       {"marketdata", "ticks"},
	TypeRFQCreated:              {"rfq", "lifecycle"},
	TypeRFQSent:                 {"rfq", "lifecycle"},
	TypeRFQExpired:              {"rfq", "lifecycle"},
	TypeRFQCancelled:            {"rfq", "lifecycle"},
	TypeQuoteAcceptanceRejected: {"rfq", "lifecycle"},
	TypeQuoteReceived:           {"rfq", "quotes"},
	TypeQuoteAccepted:           {"rfq", "quotes"},
	TypeOrderPlaced:             {"orders", "lifecycle"},
	TypeOrderAcknowledged:       {"orders", "lifecycle"},
	TypeOrderRejected:           {"orders", "lifecycle"},
	TypeOrderCancelled:          {"orders", "lifecycle"},
	TypeOrderAmended:            {"orders", "lifecycle"},
	TypeOrderFilled:             {"orders", "lifecycle"},
	TypeTradeExecuted:           {"execution", "trades"},
	TypeTradeConfirmed:          {"execution", "trades"},
	TypeSettlementRequested:     {"posttrade", "settlement"},
	TypeSettlementCompleted:     {"posttrade", "settlement"},
	TypeSettlementFailed:        {"posttrade", "settlement"},
	TypeRiskLimitBreached:       {"risk", "alerts"},
	TypeKillSwitchEnabled:       {"risk", "alerts"},
	TypeKillSwitchDisabled:      {"risk", "alerts"},
	TypeInstrumentUpdated:       {"refdata", "updates"},
	TypeVenueUpdated:            {"refdata", "updates"},
	TypeLPConfigUpdated:         {"refdata", "updates"},
}

// TopicForType resolves the topic an event type publishes to, under the
// given deployment environment name (e.g. "dev", "prod"). Unrecognized
// event types fall back to a catch-all "unknown" stream rather than erroring,
// matching the catalog's forward-compatibility rule.
func TopicForType(env, eventType string) string {
	pair, ok := streamByEventType[eventType]
	if !ok {
		return TopicName(env, "unknown", "events", 1)
	}
	return TopicName(env, pair[0], pair[1], 1)
}

// DLQTopic builds the per-service dead-letter topic name.
func DLQTopic(env, service string) string {
	return TopicName(env, TopicDLQDomain, service, 1)
}
