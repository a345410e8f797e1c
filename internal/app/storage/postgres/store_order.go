package postgres

import (
	"context"
	"database/sql"

	"github.com/orion-trading/tec/internal/app/domain/order"
	"github.com/orion-trading/tec/internal/app/storage"
)

func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (order.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, tenant_id, owner_id, instrument_id, side, qty, filled_qty, limit_price, time_in_force,
		       status, version, client_idempotency_key, created_at, updated_at
		FROM orders
		WHERE tenant_id = $1 AND order_id = $2
	`, tenantID, orderID)
	o, err := scanOrder(row)
	if err != nil {
		return order.Order{}, rowErr(err)
	}
	return o, nil
}

func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, tenantID, ownerID, key string) (order.Order, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, tenant_id, owner_id, instrument_id, side, qty, filled_qty, limit_price, time_in_force,
		       status, version, client_idempotency_key, created_at, updated_at
		FROM orders
		WHERE tenant_id = $1 AND owner_id = $2 AND client_idempotency_key = $3
	`, tenantID, ownerID, key)
	o, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return order.Order{}, false, nil
		}
		return order.Order{}, false, err
	}
	return o, true, nil
}

func (s *Store) SaveOrder(ctx context.Context, q storage.Querier, o order.Order, expectedVersion int64) error {
	exec := s.querier(q)

	if expectedVersion == 0 {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO orders (order_id, tenant_id, owner_id, instrument_id, side, qty, filled_qty, limit_price,
			                     time_in_force, status, version, client_idempotency_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, o.OrderID, o.TenantID, o.OwnerID, o.InstrumentID, o.Side, o.Qty, o.FilledQty, o.LimitPrice,
			o.TimeInForce, o.Status, o.Version, nullableString(o.ClientIdempotencyKey), o.CreatedAt, o.UpdatedAt)
		return err
	}

	result, err := exec.ExecContext(ctx, `
		UPDATE orders
		SET filled_qty = $3, status = $4, version = $5, qty = $6, limit_price = $7, updated_at = $8
		WHERE tenant_id = $1 AND order_id = $2 AND version = $9
	`, o.TenantID, o.OrderID, o.FilledQty, o.Status, o.Version, o.Qty, o.LimitPrice, o.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}

func (s *Store) ListOrdersByTenant(ctx context.Context, tenantID string, limit int) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, tenant_id, owner_id, instrument_id, side, qty, filled_qty, limit_price, time_in_force,
		       status, version, client_idempotency_key, created_at, updated_at
		FROM orders
		WHERE tenant_id = $1
		ORDER BY created_at
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type orderRowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(scanner orderRowScanner) (order.Order, error) {
	var (
		o       order.Order
		idemKey sql.NullString
	)
	if err := scanner.Scan(&o.OrderID, &o.TenantID, &o.OwnerID, &o.InstrumentID, &o.Side, &o.Qty, &o.FilledQty,
		&o.LimitPrice, &o.TimeInForce, &o.Status, &o.Version, &idemKey, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return order.Order{}, err
	}
	if idemKey.Valid {
		o.ClientIdempotencyKey = idemKey.String
	}
	return o, nil
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
