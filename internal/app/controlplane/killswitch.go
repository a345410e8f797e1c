package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/storage"
)

// KillSwitchService handles the SetKillSwitch command.
// Activation/deactivation is itself an event, propagated to
// every gate instance via the broadcast topic; within a single process the
// store write is the propagation (ApplyBroadcast below replays the same
// event shape for multi-instance deployments consuming the broadcast topic).
type KillSwitchService struct {
	store     storage.KillSwitchStore
	publisher EventPublisher
	producer  string
}

func NewKillSwitchService(store storage.KillSwitchStore, publisher EventPublisher, producer string) *KillSwitchService {
	return &KillSwitchService{store: store, publisher: publisher, producer: producer}
}

// Set activates or deactivates the kill switch for a tenant (tenantID=""
// means global) and emits KillSwitchEnabled/Disabled
// carrying the actor's identity and reason.
func (k *KillSwitchService) Set(ctx context.Context, tenantID string, active bool, actor, reason string) error {
	if err := k.store.SetActive(ctx, tenantID, active, actor, reason); err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}

	eventType := event.TypeKillSwitchDisabled
	if active {
		eventType = event.TypeKillSwitchEnabled
	}
	payload := map[string]any{
		"tenantId": tenantID,
		"active":   active,
		"actor":    actor,
		"reason":   reason,
		"at":       time.Now().UTC(),
	}
	entityID := tenantID
	if entityID == "" {
		entityID = "global"
	}
	env, err := event.Create(eventType, k.producer, orDefault(tenantID, "global"),
		event.Entity{EntityType: event.EntityKillSwitch, EntityID: entityID, Sequence: 0}, payload)
	if err != nil {
		return err
	}
	if k.publisher != nil {
		return k.publisher.Publish(ctx, env.TenantID, env)
	}
	return nil
}

// ApplyBroadcast replays a KillSwitchEnabled/Disabled event observed on the
// broadcast topic into this instance's local store: process-wide state is
// initialized at startup from the event log and updated on every relevant
// event. Convergence latency is bounded by the consumer's poll interval.
func (k *KillSwitchService) ApplyBroadcast(ctx context.Context, env event.Envelope) error {
	var payload struct {
		TenantID string `json:"tenantId"`
		Active   bool   `json:"active"`
		Actor    string `json:"actor"`
		Reason   string `json:"reason"`
	}
	if err := event.DecodePayload(env, &payload); err != nil {
		return err
	}
	tenantID := payload.TenantID
	if tenantID == "global" {
		tenantID = ""
	}
	return k.store.SetActive(ctx, tenantID, payload.Active, payload.Actor, payload.Reason)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
