package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/storage"
)

func (s *Store) GetRFQ(ctx context.Context, tenantID, rfqID string) (rfq.RFQ, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rfq_id, tenant_id, requester_id, instrument_id, side, size, expiry_instant, status, version,
		       accepted_quote_id, accept_idem_key, quotes, created_at, updated_at
		FROM rfqs
		WHERE tenant_id = $1 AND rfq_id = $2
	`, tenantID, rfqID)
	r, err := scanRFQ(row)
	if err != nil {
		return rfq.RFQ{}, rowErr(err)
	}
	return r, nil
}

// SaveRFQ upserts the aggregate under a version guard: the UPDATE only takes
// effect if the stored version still matches expectedVersion, and zero
// affected rows is reported as ErrVersionConflict. An expectedVersion of 0
// means the aggregate was never persisted and selects a plain INSERT.
func (s *Store) SaveRFQ(ctx context.Context, q storage.Querier, r rfq.RFQ, expectedVersion int64) error {
	quotesJSON, err := json.Marshal(r.Quotes)
	if err != nil {
		return err
	}
	exec := s.querier(q)

	if expectedVersion == 0 {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO rfqs (rfq_id, tenant_id, requester_id, instrument_id, side, size, expiry_instant, status,
			                   version, accepted_quote_id, accept_idem_key, quotes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, r.RFQID, r.TenantID, r.RequesterID, r.InstrumentID, r.Side, r.Size, r.ExpiryInstant, r.Status,
			r.Version, r.AcceptedQuoteID, r.AcceptIdemKey, quotesJSON, r.CreatedAt, r.UpdatedAt)
		return err
	}

	result, err := exec.ExecContext(ctx, `
		UPDATE rfqs
		SET status = $3, version = $4, accepted_quote_id = $5, accept_idem_key = $6, quotes = $7, updated_at = $8
		WHERE tenant_id = $1 AND rfq_id = $2 AND version = $9
	`, r.TenantID, r.RFQID, r.Status, r.Version, r.AcceptedQuoteID, r.AcceptIdemKey, quotesJSON, r.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}

func (s *Store) ListExpiringRFQs(ctx context.Context, statuses []rfq.Status, before time.Time, limit int) ([]rfq.RFQ, error) {
	codes := make([]string, len(statuses))
	for i, st := range statuses {
		codes[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rfq_id, tenant_id, requester_id, instrument_id, side, size, expiry_instant, status, version,
		       accepted_quote_id, accept_idem_key, quotes, created_at, updated_at
		FROM rfqs
		WHERE status = ANY($1) AND expiry_instant <= $2
		ORDER BY expiry_instant
		LIMIT $3
	`, pq.Array(codes), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRFQRows(rows)
}

func (s *Store) ListRFQsByTenant(ctx context.Context, tenantID string, limit int) ([]rfq.RFQ, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rfq_id, tenant_id, requester_id, instrument_id, side, size, expiry_instant, status, version,
		       accepted_quote_id, accept_idem_key, quotes, created_at, updated_at
		FROM rfqs
		WHERE tenant_id = $1
		ORDER BY created_at
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRFQRows(rows)
}

type rfqRowScanner interface {
	Scan(dest ...any) error
}

func scanRFQ(scanner rfqRowScanner) (rfq.RFQ, error) {
	var (
		r          rfq.RFQ
		quotesJSON []byte
	)
	if err := scanner.Scan(&r.RFQID, &r.TenantID, &r.RequesterID, &r.InstrumentID, &r.Side, &r.Size, &r.ExpiryInstant,
		&r.Status, &r.Version, &r.AcceptedQuoteID, &r.AcceptIdemKey, &quotesJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return rfq.RFQ{}, err
	}
	r.Quotes = make(map[string]rfq.Quote)
	if len(quotesJSON) > 0 {
		if err := json.Unmarshal(quotesJSON, &r.Quotes); err != nil {
			return rfq.RFQ{}, err
		}
	}
	return r, nil
}

func scanRFQRows(rows *sql.Rows) ([]rfq.RFQ, error) {
	var out []rfq.RFQ
	for rows.Next() {
		r, err := scanRFQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
