package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/orion-trading/tec/internal/app/domain/trade"
	"github.com/orion-trading/tec/internal/app/storage"
)

// InsertTrade relies on the table's unique (rfq_id, accepted_quote_id)
// constraint (partial, WHERE both are non-null) to guarantee at-most-one
// trade per RFQ acceptance; a uniqueness violation is reported as
// (false, nil) rather than an error, matching the dedup contract.
func (s *Store) InsertTrade(ctx context.Context, q storage.Querier, t trade.Trade) (bool, error) {
	_, err := s.querier(q).ExecContext(ctx, `
		INSERT INTO trades (trade_id, tenant_id, rfq_id, accepted_quote_id, instrument_id, side, qty, price,
		                     buyer_party, seller_party, venue, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.TradeID, t.TenantID, nullableString(t.RFQID), nullableString(t.AcceptedQuoteID), t.InstrumentID, t.Side,
		t.Qty, t.Price, t.BuyerParty, t.SellerParty, t.Venue, t.ExecutedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) GetTrade(ctx context.Context, tenantID, tradeID string) (trade.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trade_id, tenant_id, rfq_id, accepted_quote_id, instrument_id, side, qty, price,
		       buyer_party, seller_party, venue, executed_at
		FROM trades
		WHERE tenant_id = $1 AND trade_id = $2
	`, tenantID, tradeID)
	t, err := scanTrade(row)
	if err != nil {
		return trade.Trade{}, rowErr(err)
	}
	return t, nil
}

func (s *Store) ListTradesByTenant(ctx context.Context, tenantID string, limit int) ([]trade.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, tenant_id, rfq_id, accepted_quote_id, instrument_id, side, qty, price,
		       buyer_party, seller_party, venue, executed_at
		FROM trades
		WHERE tenant_id = $1
		ORDER BY executed_at
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type tradeRowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(scanner tradeRowScanner) (trade.Trade, error) {
	var (
		t           trade.Trade
		rfqID       sql.NullString
		acceptedQID sql.NullString
	)
	if err := scanner.Scan(&t.TradeID, &t.TenantID, &rfqID, &acceptedQID, &t.InstrumentID, &t.Side, &t.Qty, &t.Price,
		&t.BuyerParty, &t.SellerParty, &t.Venue, &t.ExecutedAt); err != nil {
		return trade.Trade{}, err
	}
	if rfqID.Valid {
		t.RFQID = rfqID.String
	}
	if acceptedQID.Valid {
		t.AcceptedQuoteID = acceptedQID.String
	}
	return t, nil
}

// --- SettlementStore ---------------------------------------------------

func (s *Store) GetSettlement(ctx context.Context, tradeID string) (trade.Settlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trade_id, tenant_id, venue, status, attempts, max_attempts, next_attempt_at, last_error, created_at, updated_at
		FROM settlement_status
		WHERE trade_id = $1
	`, tradeID)
	st, err := scanSettlement(row)
	if err != nil {
		return trade.Settlement{}, rowErr(err)
	}
	return st, nil
}

func (s *Store) SaveSettlement(ctx context.Context, st trade.Settlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_status (trade_id, tenant_id, venue, status, attempts, max_attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trade_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, st.TradeID, st.TenantID, st.Venue, st.Status, st.Attempts, st.MaxAttempts, st.NextAttemptAt, st.LastError, st.CreatedAt, st.UpdatedAt)
	return err
}

func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]trade.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, tenant_id, venue, status, attempts, max_attempts, next_attempt_at, last_error, created_at, updated_at
		FROM settlement_status
		WHERE status IN ($1, $2) AND next_attempt_at <= $3
		ORDER BY next_attempt_at
		LIMIT $4
	`, trade.SettlementPending, trade.SettlementRetrying, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trade.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type settlementRowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(scanner settlementRowScanner) (trade.Settlement, error) {
	var (
		st        trade.Settlement
		lastError sql.NullString
	)
	if err := scanner.Scan(&st.TradeID, &st.TenantID, &st.Venue, &st.Status, &st.Attempts, &st.MaxAttempts,
		&st.NextAttemptAt, &lastError, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return trade.Settlement{}, err
	}
	if lastError.Valid {
		st.LastError = lastError.String
	}
	return st, nil
}
