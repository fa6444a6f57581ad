package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/shorelinehq/bursar/pkg/logging"
)

type fakeSender struct {
	configured bool
	failFor    map[string]bool
	sent       []string
}

func (f *fakeSender) IsConfigured() bool { return f.configured }

func (f *fakeSender) SendDripEmail(ctx context.Context, to, subject, body string) error {
	if f.failFor[to] {
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, to)
	return nil
}

func expectLoaderQueries(mock sqlmock.Sqlmock, ownerRows *sqlmock.Rows, sentRows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT o.owner_id, o.name`).WillReturnRows(ownerRows)
	mock.ExpectQuery(`SELECT DISTINCT ON \(owner_id, repo\)`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "repo", "coverage_percent"}))
	mock.ExpectQuery(`SELECT owner_id,\s+COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "total_setup", "open_setup", "open_mergeable_test", "last_activity"}).
			AddRow(int64(1), 1, 1, 0, time.Now()))
	mock.ExpectQuery(`SELECT DISTINCT owner_id`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))
	mock.ExpectQuery(`SELECT owner_id, email_key`).WillReturnRows(sentRows)
}

func TestDripRun_SendsAndRecordsMarker(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{configured: true}
	runner := NewDripRunner(db, logging.NewLogger(), sender)
	runner.now = func() time.Time { return dripNow }

	ownerRows := sqlmock.NewRows([]string{"owner_id", "name", "email", "installed_at", "credit_balance_usd", "paid_plan"}).
		AddRow(int64(1), "Ada Lovelace", "ada@example.com", dripNow.AddDate(0, 0, -1), int64(10), false)
	expectLoaderQueries(mock, ownerRows, sqlmock.NewRows([]string{"owner_id", "email_key"}))
	mock.ExpectExec(`INSERT INTO bursar.sent_emails`).
		WithArgs(int64(1), EmailReviewSetupPR).
		WillReturnResult(sqlmock.NewResult(1, 1))

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("expected 1 email sent, got %d", report.Sent)
	}
	if report.Emails[0].EmailKey != EmailReviewSetupPR {
		t.Fatalf("unexpected email key: %q", report.Emails[0].EmailKey)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "ada@example.com" {
		t.Fatalf("unexpected deliveries: %v", sender.sent)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDripRun_DuplicateOwnerRowsEmailedOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{configured: true}
	runner := NewDripRunner(db, logging.NewLogger(), sender)
	runner.now = func() time.Time { return dripNow }

	// An owner with two active installations must still get at most one
	// email per run.
	ownerRows := sqlmock.NewRows([]string{"owner_id", "name", "email", "installed_at", "credit_balance_usd", "paid_plan"}).
		AddRow(int64(1), "Ada Lovelace", "ada@example.com", dripNow.AddDate(0, 0, -1), int64(10), false).
		AddRow(int64(1), "Ada Lovelace", "ada@example.com", dripNow.AddDate(0, 0, -1), int64(10), false)
	expectLoaderQueries(mock, ownerRows, sqlmock.NewRows([]string{"owner_id", "email_key"}))
	mock.ExpectExec(`INSERT INTO bursar.sent_emails`).
		WithArgs(int64(1), EmailReviewSetupPR).
		WillReturnResult(sqlmock.NewResult(1, 1))

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("expected 1 email sent, got %d", report.Sent)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "ada@example.com" {
		t.Fatalf("owner should be emailed exactly once, got deliveries %v", sender.sent)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDripRun_SendFailureSkipsMarker(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{configured: true, failFor: map[string]bool{"ada@example.com": true}}
	runner := NewDripRunner(db, logging.NewLogger(), sender)
	runner.now = func() time.Time { return dripNow }

	ownerRows := sqlmock.NewRows([]string{"owner_id", "name", "email", "installed_at", "credit_balance_usd", "paid_plan"}).
		AddRow(int64(1), "Ada Lovelace", "ada@example.com", dripNow.AddDate(0, 0, -1), int64(10), false)
	expectLoaderQueries(mock, ownerRows, sqlmock.NewRows([]string{"owner_id", "email_key"}))
	// No sent_emails insert: the marker only follows a confirmed delivery.

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Sent != 0 {
		t.Fatalf("expected no sends recorded, got %d", report.Sent)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDripRun_AlreadySentKeyNotResent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{configured: true}
	runner := NewDripRunner(db, logging.NewLogger(), sender)
	runner.now = func() time.Time { return dripNow }

	ownerRows := sqlmock.NewRows([]string{"owner_id", "name", "email", "installed_at", "credit_balance_usd", "paid_plan"}).
		AddRow(int64(1), "Ada Lovelace", "ada@example.com", dripNow.AddDate(0, 0, -1), int64(10), false)
	sentRows := sqlmock.NewRows([]string{"owner_id", "email_key"}).
		AddRow(int64(1), EmailReviewSetupPR)
	expectLoaderQueries(mock, ownerRows, sentRows)

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// review_setup_pr already sent; coverage_charts pauses without data.
	if report.Sent != 0 {
		t.Fatalf("expected no resend, got %d", report.Sent)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDripRun_UnconfiguredSenderSkipsRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	runner := NewDripRunner(db, logging.NewLogger(), &fakeSender{configured: false})

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Evaluated != 0 || report.Sent != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
