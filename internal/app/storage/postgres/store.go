// Package postgres implements the TEC storage interfaces backed by
// PostgreSQL via lib/pq and database/sql.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/orion-trading/tec/internal/app/storage"
)

// Store implements every TEC storage interface over one *sql.DB handle.
type Store struct {
	db *sql.DB
}

var (
	_ storage.OutboxStore         = (*Store)(nil)
	_ storage.ProcessedEventStore = (*Store)(nil)
	_ storage.DeadLetterStore     = (*Store)(nil)
	_ storage.RFQStore            = (*Store)(nil)
	_ storage.OrderStore          = (*Store)(nil)
	_ storage.TradeStore          = (*Store)(nil)
	_ storage.SettlementStore     = (*Store)(nil)
	_ storage.EntitlementStore    = (*Store)(nil)
	_ storage.KillSwitchStore     = (*Store)(nil)
	_ storage.InstrumentStore     = (*Store)(nil)
	_ storage.BlotterStore       = (*Store)(nil)
	_ storage.RefDataStore       = (*Store)(nil)
)

// New constructs a Store over db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RunInTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic.
func (s *Store) RunInTx(ctx context.Context, fn func(q storage.Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// querier resolves to s.db when q is nil (standalone call outside RunInTx),
// or to the caller's transaction otherwise.
func (s *Store) querier(q storage.Querier) storage.Querier {
	if q == nil {
		return s.db
	}
	return q
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func rowErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
