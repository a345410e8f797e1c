// Package outbox implements the transactional outbox pipeline: a
// Writer that appends events inside the same transaction as aggregate state
// mutations, and a Relay that polls unpublished rows and publishes them to
// the log broker with retry/backoff and dead-lettering.
package outbox

import (
	"context"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/storage"
)

// Writer appends events to the outbox. Coordinators call WriteTx from inside
// their own TxRunner.RunInTx closure so the aggregate save and the event
// insert commit atomically. Writer also satisfies controlplane.EventPublisher for
// components (the control-plane gate, the kill-switch service) that only
// need a non-transactional, best-effort publish path.
type Writer struct {
	store storage.OutboxStore
}

// NewWriter constructs a Writer over the given OutboxStore.
func NewWriter(store storage.OutboxStore) *Writer {
	return &Writer{store: store}
}

// WriteTx inserts every event in envs using q, the Querier for the caller's
// in-flight transaction. Call this from within store.RunInTx alongside the
// aggregate's SaveRFQ/SaveOrder/InsertTrade/SaveSettlement call.
func (w *Writer) WriteTx(ctx context.Context, q storage.Querier, envs ...event.Envelope) error {
	for _, env := range envs {
		if err := w.store.Insert(ctx, q, env); err != nil {
			return err
		}
	}
	return nil
}

// Publish appends a single event in its own transaction. Used by callers
// (control-plane gate, kill-switch service) that have no aggregate mutation
// to share a transaction with.
func (w *Writer) Publish(ctx context.Context, tenantID string, env event.Envelope) error {
	return w.store.RunInTx(ctx, func(q storage.Querier) error {
		return w.store.Insert(ctx, q, env)
	})
}
