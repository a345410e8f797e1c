package event

import (
	"testing"
	"time"
)

func TestCreate_Defaults(t *testing.T) {
	e, err := Create(TypeRFQCreated, "rfq-service", "tenant-1", Entity{EntityType: EntityRFQ, EntityID: "rfq-1", Sequence: 1}, map[string]string{"status": "CREATED"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.EventID == "" {
		t.Fatal("expected generated eventId")
	}
	if e.EventVersion != 1 {
		t.Fatalf("expected eventVersion 1, got %d", e.EventVersion)
	}
	if e.CausationID != DirectCausation {
		t.Fatalf("expected causationId %q, got %q", DirectCausation, e.CausationID)
	}
	if e.CorrelationID == "" {
		t.Fatal("expected generated correlationId")
	}
	if violations := Validate(e); len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
}

func TestCreateChild_InheritsCorrelation(t *testing.T) {
	parent, _ := Create(TypeQuoteAccepted, "rfq-service", "tenant-1", Entity{EntityType: EntityRFQ, EntityID: "rfq-1", Sequence: 4}, nil)
	child, err := CreateChild(parent, TypeTradeExecuted, "execution-service", Entity{EntityType: EntityTrade, EntityID: "trade-1", Sequence: 1}, map[string]string{"tradeId": "trade-1"})
	if err != nil {
		t.Fatalf("createChild: %v", err)
	}
	if child.CorrelationID != parent.CorrelationID {
		t.Fatalf("expected inherited correlationId %q, got %q", parent.CorrelationID, child.CorrelationID)
	}
	if child.CausationID != parent.EventID {
		t.Fatalf("expected causationId %q, got %q", parent.EventID, child.CausationID)
	}
	if child.TenantID != parent.TenantID {
		t.Fatalf("expected inherited tenantId")
	}
	if child.EventID == parent.EventID {
		t.Fatal("expected a fresh eventId for the child")
	}
}

func TestSerializeDeserialize_RoundTrip(t *testing.T) {
	e, _ := Create(TypeMarketTickReceived, "marketdata-service", "tenant-1", Entity{EntityType: EntityMarketData, EntityID: "EUR/USD", Sequence: 100}, map[string]any{"mid": "1.0850"})
	e.OccurredAt = e.OccurredAt.Truncate(time.Millisecond)

	data, err := Serialize(e)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.EventID != e.EventID || got.EventType != e.EventType {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, e)
	}
	if !got.OccurredAt.Equal(e.OccurredAt) {
		t.Fatalf("expected occurredAt %v, got %v", e.OccurredAt, got.OccurredAt)
	}
}

func TestDeserialize_IgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{
		"eventId":"e1","eventType":"SomethingNew","eventVersion":1,
		"occurredAt":"2026-02-09T12:34:56.789Z","producer":"svc",
		"tenantId":"t1","correlationId":"c1","causationId":"direct",
		"entity":{"entityType":"Trade","entityId":"t-1","sequence":1},
		"payload":{"foo":"bar"},
		"futureField":"ignored"
	}`)
	e, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if e.EventType != "SomethingNew" {
		t.Fatalf("expected forward-compatible unknown eventType preserved, got %q", e.EventType)
	}
}

func TestValidate_ReportsAllViolations(t *testing.T) {
	violations := Validate(Envelope{})
	if len(violations) < 8 {
		t.Fatalf("expected multiple violations reported at once, got %d: %v", len(violations), violations)
	}
}

func TestValidate_DirectCausationAllowed(t *testing.T) {
	e := Envelope{
		EventID: "e1", EventType: "X", EventVersion: 1, OccurredAt: time.Now(),
		Producer: "svc", TenantID: "t1", CorrelationID: "c1", CausationID: DirectCausation,
		Entity: Entity{EntityType: "Trade", EntityID: "t-1"},
	}
	if violations := Validate(e); len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
}

func TestTopicName(t *testing.T) {
	got := TopicName("dev", TopicMarketDataTicksDomain, "ticks", 1)
	want := "dev.marketdata.ticks.v1"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
