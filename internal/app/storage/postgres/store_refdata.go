package postgres

import (
	"context"

	"github.com/orion-trading/tec/internal/app/storage"
)

func (s *Store) UpsertVenue(ctx context.Context, v storage.Venue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO venues (venue_id, name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (venue_id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
	`, v.VenueID, v.Name, v.Active)
	return err
}

func (s *Store) ListVenues(ctx context.Context) ([]storage.Venue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT venue_id, name, active FROM venues ORDER BY venue_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Venue
	for rows.Next() {
		var v storage.Venue
		if err := rows.Scan(&v.VenueID, &v.Name, &v.Active); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) UpsertLP(ctx context.Context, lp storage.LiquidityProvider) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO liquidity_providers (lp_id, name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (lp_id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
	`, lp.LPID, lp.Name, lp.Active)
	return err
}

func (s *Store) ListLPs(ctx context.Context) ([]storage.LiquidityProvider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lp_id, name, active FROM liquidity_providers ORDER BY lp_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.LiquidityProvider
	for rows.Next() {
		var lp storage.LiquidityProvider
		if err := rows.Scan(&lp.LPID, &lp.Name, &lp.Active); err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}
