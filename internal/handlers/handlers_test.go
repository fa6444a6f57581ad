package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/shorelinehq/bursar/pkg/logging"
)

func TestValidateSpendingLimitEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	db = mockDB
	logger = logging.NewLogger()

	mock.ExpectQuery(`SELECT max_monthly_spend_usd`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"max_monthly_spend_usd"}).AddRow(nil))

	router := gin.New()
	router.GET("/owners/:owner_id/spending-limit", ValidateSpendingLimit)

	req := httptest.NewRequest(http.MethodGet, "/owners/42/spending-limit?amount_usd=100", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result SpendingLimitResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !result.Allowed || result.AdjustedUSD != 100 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidateSpendingLimitEndpoint_BadInput(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger = logging.NewLogger()

	router := gin.New()
	router.GET("/owners/:owner_id/spending-limit", ValidateSpendingLimit)

	req := httptest.NewRequest(http.MethodGet, "/owners/nope/spending-limit?amount_usd=100", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad owner id, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/owners/42/spending-limit?amount_usd=-5", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", w.Code)
	}
}
