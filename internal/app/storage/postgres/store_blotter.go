package postgres

import (
	"context"

	"github.com/orion-trading/tec/internal/app/storage"
)

// UpsertBlotterTrade writes one blotter row, replacing any prior projection
// of the same trade so replaying an already-applied event converges on the
// same stored state.
func (s *Store) UpsertBlotterTrade(ctx context.Context, q storage.Querier, row storage.BlotterTrade) error {
	_, err := s.querier(q).ExecContext(ctx, `
		INSERT INTO blotter_trades (tenant_id, trade_id, instrument_id, side, qty, price, venue, executed_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, trade_id) DO UPDATE SET
			instrument_id = EXCLUDED.instrument_id,
			side          = EXCLUDED.side,
			qty           = EXCLUDED.qty,
			price         = EXCLUDED.price,
			venue         = EXCLUDED.venue,
			executed_at   = EXCLUDED.executed_at,
			last_sequence = EXCLUDED.last_sequence
	`, row.TenantID, row.TradeID, row.InstrumentID, row.Side, row.Qty, row.Price, row.Venue, row.ExecutedAt, row.LastSequence)
	return err
}

func (s *Store) ListBlotter(ctx context.Context, tenantID string, limit int) ([]storage.BlotterTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, trade_id, instrument_id, side, qty, price, venue, executed_at, last_sequence
		FROM blotter_trades
		WHERE tenant_id = $1
		ORDER BY trade_id
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.BlotterTrade
	for rows.Next() {
		var row storage.BlotterTrade
		if err := rows.Scan(&row.TenantID, &row.TradeID, &row.InstrumentID, &row.Side, &row.Qty, &row.Price, &row.Venue, &row.ExecutedAt, &row.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) TruncateBlotter(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE blotter_trades`)
	return err
}
