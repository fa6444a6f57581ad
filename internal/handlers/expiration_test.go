package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/shorelinehq/bursar/pkg/logging"
)

func expiredRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "owner_id", "amount_usd"})
}

func TestExpire_OffsetsAndFlipsOriginals(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expirer := NewCreditExpirer(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT id, owner_id, amount_usd`).
		WillReturnRows(expiredRows().
			AddRow(int64(1), int64(7), int64(5)).
			AddRow(int64(2), int64(7), int64(4)))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.credit_transactions`).
		WithArgs(int64(7), int64(-9)).
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectExec(`UPDATE bursar.credit_transactions`).
		WithArgs(pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	report, err := expirer.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Expired != 1 {
		t.Fatalf("expected 1 owner expired, got %d", report.Expired)
	}
	if report.TotalExpiredUSD != 9 {
		t.Fatalf("expected $9 expired, got %d", report.TotalExpiredUSD)
	}
	if report.Owners[0].OwnerID != 7 || report.Owners[0].ExpiredAmountUSD != 9 || report.Owners[0].CreditCount != 2 {
		t.Fatalf("unexpected owner report: %+v", report.Owners[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExpire_NothingToExpire(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expirer := NewCreditExpirer(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT id, owner_id, amount_usd`).
		WillReturnRows(expiredRows())

	report, err := expirer.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Expired != 0 || report.TotalExpiredUSD != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExpire_OwnerFailureIsolated(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expirer := NewCreditExpirer(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT id, owner_id, amount_usd`).
		WillReturnRows(expiredRows().
			AddRow(int64(1), int64(7), int64(5)).
			AddRow(int64(2), int64(8), int64(3)))

	// Owner 7's insert fails and is rolled back.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.credit_transactions`).
		WithArgs(int64(7), int64(-5)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	// Owner 8 still goes through.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.credit_transactions`).
		WithArgs(int64(8), int64(-3)).
		WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectExec(`UPDATE bursar.credit_transactions`).
		WithArgs(pq.Array([]int64{2})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := expirer.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Expired != 1 {
		t.Fatalf("expected 1 owner expired, got %d", report.Expired)
	}
	if report.Owners[0].OwnerID != 8 || report.TotalExpiredUSD != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
