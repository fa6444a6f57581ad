package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shorelinehq/bursar/pkg/logging"
)

// SpendingLimitResult is the outcome of checking a requested auto-reload
// amount against the owner's monthly spending cap.
type SpendingLimitResult struct {
	Allowed            bool   `json:"allowed"`
	RequestedUSD       int64  `json:"requested_usd"`
	AdjustedUSD        int64  `json:"adjusted_usd"`
	Reason             string `json:"reason"`
	IsAdjusted         bool   `json:"is_adjusted"`
	HasLimit           bool   `json:"has_limit"`
	SpendingLimitUSD   int64  `json:"spending_limit_usd,omitempty"`
	MonthlySpendingUSD int64  `json:"monthly_spending_usd,omitempty"`
	RemainingLimitUSD  int64  `json:"remaining_limit_usd,omitempty"`
}

// SpendingLimitValidator decides whether (and for how much) an auto-reload
// charge may proceed. Pure read and compute; no side effects.
type SpendingLimitValidator struct {
	db     *sql.DB
	logger logging.Logger
}

func NewSpendingLimitValidator(database *sql.DB, log logging.Logger) *SpendingLimitValidator {
	return &SpendingLimitValidator{db: database, logger: log}
}

// Validate clamps requestedUSD to what remains of the owner's monthly cap.
// Only money coming in counts against the cap: purchase and auto_reload rows
// with positive amounts, from the 1st of the current month (server clock).
func (v *SpendingLimitValidator) Validate(ctx context.Context, ownerID int64, requestedUSD int64) (SpendingLimitResult, error) {
	var limit sql.NullInt64
	err := v.db.QueryRowContext(ctx, `
		SELECT max_monthly_spend_usd
		FROM bursar.owners
		WHERE owner_id = $1
	`, ownerID).Scan(&limit)
	if err != nil {
		return SpendingLimitResult{}, fmt.Errorf("load owner %d spending limit: %w", ownerID, err)
	}

	if !limit.Valid {
		return SpendingLimitResult{
			Allowed:      true,
			RequestedUSD: requestedUSD,
			AdjustedUSD:  requestedUSD,
			Reason:       "No spending limit set",
		}, nil
	}

	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var monthlySpending int64
	err = v.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0)
		FROM bursar.credit_transactions
		WHERE owner_id = $1
		  AND transaction_type IN ('purchase', 'auto_reload')
		  AND amount_usd > 0
		  AND created_at >= $2
	`, ownerID, monthStart).Scan(&monthlySpending)
	if err != nil {
		return SpendingLimitResult{}, fmt.Errorf("aggregate monthly spending for owner %d: %w", ownerID, err)
	}

	result := SpendingLimitResult{
		RequestedUSD:       requestedUSD,
		HasLimit:           true,
		SpendingLimitUSD:   limit.Int64,
		MonthlySpendingUSD: monthlySpending,
		RemainingLimitUSD:  limit.Int64 - monthlySpending,
	}

	if result.RemainingLimitUSD <= 0 {
		result.Allowed = false
		result.AdjustedUSD = 0
		result.Reason = "Monthly spending limit already reached"
		return result, nil
	}

	result.Allowed = true
	result.AdjustedUSD = requestedUSD
	if result.RemainingLimitUSD < requestedUSD {
		result.AdjustedUSD = result.RemainingLimitUSD
		result.IsAdjusted = true
		result.Reason = "Amount reduced to stay within monthly spending limit"
	} else {
		result.Reason = "Within monthly spending limit"
	}

	v.logger.WithFields(logging.Fields{
		"owner_id":         ownerID,
		"requested_usd":    requestedUSD,
		"adjusted_usd":     result.AdjustedUSD,
		"monthly_spending": monthlySpending,
		"spending_limit":   limit.Int64,
	}).Debug("Validated auto-reload spending limit")

	return result, nil
}
