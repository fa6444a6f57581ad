package handlers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/shorelinehq/bursar/pkg/logging"
)

func TestAutoReloadSweep_RunsWithoutLock(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logging.NewLogger()

	jm := NewJobManager(logger, &mockCharger{}, nil, nil)

	mock.ExpectQuery(`SELECT owner_id, name, stripe_customer_id`).
		WillReturnRows(candidateRows())

	jm.autoReloadSweep(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunCreditExpiration_RunsImmediatelyOnStart(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logging.NewLogger()

	jm := NewJobManager(logger, &mockCharger{}, nil, nil)
	// Closing stopCh first means the loop exits right after the boot run,
	// so the test only observes the immediate pass.
	close(jm.stopCh)

	mock.ExpectQuery(`SELECT id, owner_id, amount_usd`).
		WillReturnRows(expiredRows())

	jm.runCreditExpiration(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobManager_StopClosesChannel(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logging.NewLogger()

	jm := NewJobManager(logger, &mockCharger{}, nil, nil)
	jm.Stop()

	select {
	case <-jm.stopCh:
	default:
		t.Fatalf("expected stop channel to be closed")
	}
}
