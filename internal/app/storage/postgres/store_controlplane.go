package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/orion-trading/tec/internal/app/storage"
)

var errNoRows = sql.ErrNoRows

// --- EntitlementStore ----------------------------------------------------

func (s *Store) GetEntitlement(ctx context.Context, tenantID, userID string) (storage.Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, user_id, asset_classes, instruments, venues, max_rfqs_per_second, max_orders_per_second, max_notional
		FROM user_entitlements
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID)

	var (
		e                                     storage.Entitlement
		assetClassesJSON, instrumentsJSON, venuesJSON []byte
	)
	err := row.Scan(&e.TenantID, &e.UserID, &assetClassesJSON, &instrumentsJSON, &venuesJSON,
		&e.MaxRFQsPerSecond, &e.MaxOrdersPerSecond, &e.MaxNotional)
	if err != nil {
		if err == errNoRows {
			// unrestricted default: empty allow-lists mean no axis is gated
			return storage.Entitlement{TenantID: tenantID, UserID: userID}, nil
		}
		return storage.Entitlement{}, err
	}
	_ = json.Unmarshal(assetClassesJSON, &e.AssetClasses)
	_ = json.Unmarshal(instrumentsJSON, &e.Instruments)
	_ = json.Unmarshal(venuesJSON, &e.Venues)
	return e, nil
}

func (s *Store) UpsertEntitlement(ctx context.Context, e storage.Entitlement) error {
	assetClassesJSON, err := json.Marshal(e.AssetClasses)
	if err != nil {
		return err
	}
	instrumentsJSON, err := json.Marshal(e.Instruments)
	if err != nil {
		return err
	}
	venuesJSON, err := json.Marshal(e.Venues)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_entitlements (tenant_id, user_id, asset_classes, instruments, venues, max_rfqs_per_second, max_orders_per_second, max_notional)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			asset_classes = EXCLUDED.asset_classes,
			instruments = EXCLUDED.instruments,
			venues = EXCLUDED.venues,
			max_rfqs_per_second = EXCLUDED.max_rfqs_per_second,
			max_orders_per_second = EXCLUDED.max_orders_per_second,
			max_notional = EXCLUDED.max_notional
	`, e.TenantID, e.UserID, assetClassesJSON, instrumentsJSON, venuesJSON, e.MaxRFQsPerSecond, e.MaxOrdersPerSecond, e.MaxNotional)
	return err
}

// --- KillSwitchStore -------------------------------------------------------

// IsActive treats the "" tenant row as a global kill switch that overrides
// every tenant.
func (s *Store) IsActive(ctx context.Context, tenantID string) (bool, error) {
	var global bool
	err := s.db.QueryRowContext(ctx, `SELECT active FROM kill_switch WHERE tenant_id = ''`).Scan(&global)
	if err != nil && err != errNoRows {
		return false, err
	}
	if global {
		return true, nil
	}
	var active bool
	err = s.db.QueryRowContext(ctx, `SELECT active FROM kill_switch WHERE tenant_id = $1`, tenantID).Scan(&active)
	if err == errNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (s *Store) SetActive(ctx context.Context, tenantID string, active bool, actor, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kill_switch (tenant_id, active, actor, reason, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			active = EXCLUDED.active,
			actor = EXCLUDED.actor,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`, tenantID, active, actor, reason)
	return err
}

// --- InstrumentStore -------------------------------------------------------

func (s *Store) GetInstrument(ctx context.Context, instrumentID string) (storage.Instrument, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instrument_id, asset_class, active, min_size, max_size, lot_size
		FROM instruments
		WHERE instrument_id = $1
	`, instrumentID)
	var i storage.Instrument
	if err := row.Scan(&i.InstrumentID, &i.AssetClass, &i.Active, &i.MinSize, &i.MaxSize, &i.LotSize); err != nil {
		if err == errNoRows {
			return storage.Instrument{}, false, nil
		}
		return storage.Instrument{}, false, err
	}
	return i, true, nil
}

func (s *Store) UpsertInstrument(ctx context.Context, i storage.Instrument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instruments (instrument_id, asset_class, active, min_size, max_size, lot_size)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instrument_id) DO UPDATE SET
			asset_class = EXCLUDED.asset_class,
			active = EXCLUDED.active,
			min_size = EXCLUDED.min_size,
			max_size = EXCLUDED.max_size,
			lot_size = EXCLUDED.lot_size
	`, i.InstrumentID, i.AssetClass, i.Active, i.MinSize, i.MaxSize, i.LotSize)
	return err
}

func (s *Store) ListInstruments(ctx context.Context) ([]storage.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_id, asset_class, active, min_size, max_size, lot_size
		FROM instruments
		ORDER BY instrument_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Instrument
	for rows.Next() {
		var i storage.Instrument
		if err := rows.Scan(&i.InstrumentID, &i.AssetClass, &i.Active, &i.MinSize, &i.MaxSize, &i.LotSize); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
