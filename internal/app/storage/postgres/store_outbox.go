package postgres

import (
	"context"
	"time"

	"github.com/orion-trading/tec/internal/app/domain/event"
	"github.com/orion-trading/tec/internal/app/storage"
)

// Insert writes one outbox row using q, the caller's in-flight transaction
// (shared with the aggregate state mutation).
func (s *Store) Insert(ctx context.Context, q storage.Querier, env event.Envelope) error {
	payload, err := event.Serialize(env)
	if err != nil {
		return err
	}
	_, err = s.querier(q).ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, entity_type, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, env.EventID, env.TenantID, env.Entity.EntityType, env.Entity.EntityID, payload, env.OccurredAt)
	return err
}

// ListEventsAfter walks committed outbox rows past afterID in id order,
// published or not; cmd/replaytool uses it as the durable event record for
// projection rebuilds.
func (s *Store) ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]storage.OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, tenant_id, entity_type, entity_id, payload, created_at, published_at, retry_count, last_error
		FROM outbox_events
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.OutboxRow
	for rows.Next() {
		var (
			row         storage.OutboxRow
			publishedAt *time.Time
			lastError   *string
		)
		if err := rows.Scan(&row.ID, &row.EventID, &row.TenantID, &row.EntityType, &row.EntityID, &row.Payload, &row.CreatedAt, &publishedAt, &row.RetryCount, &lastError); err != nil {
			return nil, err
		}
		row.PublishedAt = publishedAt
		if lastError != nil {
			row.LastError = *lastError
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ClaimUnpublished selects up to limit unpublished rows using
// FOR UPDATE SKIP LOCKED so relay instances can scale horizontally without
// double-publishing.
func (s *Store) ClaimUnpublished(ctx context.Context, limit int) ([]storage.OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, tenant_id, entity_type, entity_id, payload, created_at, published_at, retry_count, last_error
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.OutboxRow
	for rows.Next() {
		var (
			row         storage.OutboxRow
			publishedAt *time.Time
			lastError   *string
		)
		if err := rows.Scan(&row.ID, &row.EventID, &row.TenantID, &row.EntityType, &row.EntityID, &row.Payload, &row.CreatedAt, &publishedAt, &row.RetryCount, &lastError); err != nil {
			return nil, err
		}
		row.PublishedAt = publishedAt
		if lastError != nil {
			row.LastError = *lastError
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id int64, publishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string, retryCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET last_error = $2, retry_count = $3 WHERE id = $1
	`, id, lastError, retryCount)
	return err
}

func (s *Store) CountUnpublished(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM outbox_events WHERE published_at IS NULL
	`).Scan(&n)
	return n, err
}

func (s *Store) DeadLetter(ctx context.Context, row storage.OutboxRow, reason string) error {
	return s.RunInTx(ctx, func(q storage.Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO dlq_outbox (consumer_group, event_id, envelope, error_summary, created_at)
			VALUES ('outbox-relay', $1, $2, $3, $4)
		`, row.EventID, row.Payload, reason, time.Now().UTC())
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			UPDATE outbox_events SET published_at = $2 WHERE id = $1
		`, row.ID, time.Now().UTC())
		return err
	})
}

// --- ProcessedEventStore -----------------------------------------------

// TryInsert implements the consumer dedup check via the table's unique
// (tenant_id, consumer_group, event_id) constraint: a uniqueness violation
// means "already processed" and is reported as (false, nil), not an error.
func (s *Store) TryInsert(ctx context.Context, q storage.Querier, pe storage.ProcessedEvent) (bool, error) {
	_, err := s.querier(q).ExecContext(ctx, `
		INSERT INTO processed_events (tenant_id, consumer_group, event_id, event_type, processed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, pe.TenantID, pe.ConsumerGroup, pe.EventID, pe.EventType, pe.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// --- DeadLetterStore -----------------------------------------------------

func (s *Store) InsertDLQ(ctx context.Context, row storage.DeadLetterRow) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO dlq_consumer (consumer_group, event_id, envelope, error_summary, consumer_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, row.ConsumerGroup, row.EventID, row.Envelope, row.ErrorSummary, row.ConsumerVersion, row.CreatedAt).Scan(&row.ID)
}

func (s *Store) List(ctx context.Context, consumerGroup string, limit int) ([]storage.DeadLetterRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, consumer_group, event_id, envelope, error_summary, consumer_version, created_at
		FROM dlq_consumer
		WHERE $1 = '' OR consumer_group = $1
		ORDER BY created_at
		LIMIT $2
	`, consumerGroup, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DeadLetterRow
	for rows.Next() {
		var row storage.DeadLetterRow
		if err := rows.Scan(&row.ID, &row.ConsumerGroup, &row.EventID, &row.Envelope, &row.ErrorSummary, &row.ConsumerVersion, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) Remove(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dlq_consumer WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}
