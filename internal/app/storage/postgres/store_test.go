package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestSaveRFQVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	r := rfq.New("r-1", "t1", "u1", "EUR/USD", rfq.SideBuy,
		decimal.NewFromInt(1_000_000), time.Now().Add(time.Minute), time.Now())

	// Zero rows affected by the guarded UPDATE means the stored version has
	// advanced past the caller's read.
	mock.ExpectExec(`UPDATE rfqs`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SaveRFQ(context.Background(), nil, r, 3)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveRFQInsertsWhenUnpersisted(t *testing.T) {
	store, mock := newMockStore(t)

	r := rfq.New("r-1", "t1", "u1", "EUR/USD", rfq.SideBuy,
		decimal.NewFromInt(1_000_000), time.Now().Add(time.Minute), time.Now())

	mock.ExpectExec(`INSERT INTO rfqs`).WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.SaveRFQ(context.Background(), nil, r, 0); err != nil {
		t.Fatalf("SaveRFQ insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimUnpublishedScansRows(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "event_id", "tenant_id", "entity_type", "entity_id", "payload",
		"created_at", "published_at", "retry_count", "last_error",
	}).AddRow(int64(7), "ev-7", "t1", "RFQ", "r-1", []byte(`{}`), created, nil, 0, nil)

	mock.ExpectQuery(`WHERE published_at IS NULL`).
		WithArgs(10).
		WillReturnRows(rows)

	claimed, err := store.ClaimUnpublished(context.Background(), 10)
	if err != nil {
		t.Fatalf("ClaimUnpublished: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != 7 || claimed[0].EventID != "ev-7" {
		t.Fatalf("unexpected claim result: %+v", claimed)
	}
	if claimed[0].PublishedAt != nil {
		t.Fatalf("expected unpublished row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := store.RunInTx(context.Background(), func(q storage.Querier) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
