package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/shorelinehq/bursar/internal/alerts"
	bstripe "github.com/shorelinehq/bursar/internal/stripe"
	"github.com/shorelinehq/bursar/pkg/logging"
)

// PaymentCharger charges a saved payment method. Implemented by the Stripe
// client; mocked in tests.
type PaymentCharger interface {
	Charge(ctx context.Context, req bstripe.ChargeRequest) bstripe.ChargeResult
}

// AutoReloadResult is the per-owner outcome of one sweep.
type AutoReloadResult struct {
	OwnerID          int64  `json:"owner_id"`
	Success          bool   `json:"success"`
	AmountChargedUSD int64  `json:"amount_charged_usd,omitempty"`
	PaymentIntentID  string `json:"payment_intent_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Error            string `json:"error,omitempty"`
}

// SweepReport aggregates one auto-reload sweep.
type SweepReport struct {
	Processed int                `json:"processed"`
	Results   []AutoReloadResult `json:"results"`
}

// AutoReloadSweeper tops up owners whose balance fell to their reload
// threshold. Callers must serialize sweeps (see JobManager's sweep lock);
// nothing here deduplicates concurrent runs.
type AutoReloadSweeper struct {
	db        *sql.DB
	logger    logging.Logger
	validator *SpendingLimitValidator
	charger   PaymentCharger
	notifier  alerts.Notifier
}

func NewAutoReloadSweeper(database *sql.DB, log logging.Logger, charger PaymentCharger, notifier alerts.Notifier) *AutoReloadSweeper {
	return &AutoReloadSweeper{
		db:        database,
		logger:    log,
		validator: NewSpendingLimitValidator(database, log),
		charger:   charger,
		notifier:  notifier,
	}
}

type reloadCandidate struct {
	ownerID          int64
	name             string
	stripeCustomerID string
	balanceUSD       int64
	thresholdUSD     int64
	targetUSD        int64
}

// RunSweep charges every eligible owner once. A single owner's failure never
// aborts the sweep; only failing to enumerate owners is fatal.
func (s *AutoReloadSweeper) RunSweep(ctx context.Context) (SweepReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, name, stripe_customer_id, credit_balance_usd,
		       auto_reload_threshold_usd, auto_reload_target_usd
		FROM bursar.owners
		WHERE auto_reload_enabled = true
		  AND stripe_customer_id <> ''
		  AND credit_balance_usd <= auto_reload_threshold_usd
	`)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list auto-reload candidates: %w", err)
	}
	defer rows.Close()

	var candidates []reloadCandidate
	for rows.Next() {
		var c reloadCandidate
		if err := rows.Scan(&c.ownerID, &c.name, &c.stripeCustomerID, &c.balanceUSD, &c.thresholdUSD, &c.targetUSD); err != nil {
			s.logger.WithError(err).Error("Error scanning auto-reload candidate")
			continue
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return SweepReport{}, fmt.Errorf("iterate auto-reload candidates: %w", err)
	}

	report := SweepReport{Results: make([]AutoReloadResult, 0, len(candidates))}
	for _, c := range candidates {
		result := s.processOwner(ctx, c)
		report.Results = append(report.Results, result)
		report.Processed++

		if metrics != nil {
			status := "failed"
			if result.Success {
				status = "charged"
			} else if result.Error == "" {
				status = "skipped"
			}
			metrics.AutoReloadCharges.WithLabelValues(status).Inc()
		}
	}

	s.logger.WithFields(logging.Fields{
		"processed": report.Processed,
	}).Info("Auto-reload sweep completed")

	return report, nil
}

// processOwner never returns an error: every failure becomes a structured
// result entry so one bad owner cannot take down the loop.
func (s *AutoReloadSweeper) processOwner(ctx context.Context, c reloadCandidate) (result AutoReloadResult) {
	result = AutoReloadResult{OwnerID: c.ownerID}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("panic during auto-reload: %v", r)
			s.logger.WithFields(logging.Fields{
				"owner_id": c.ownerID,
				"panic":    r,
			}).Error("Recovered panic in auto-reload sweep")
			s.alert(ctx, c.ownerID, 0, result.Error)
		}
	}()

	amountUSD := c.targetUSD - c.balanceUSD
	if amountUSD <= 0 {
		result.Reason = "Target amount would be negative or zero"
		return result
	}

	limit, err := s.validator.Validate(ctx, c.ownerID, amountUSD)
	if err != nil {
		result.Error = err.Error()
		s.alert(ctx, c.ownerID, amountUSD, err.Error())
		return result
	}
	if !limit.Allowed {
		result.Reason = limit.Reason
		return result
	}
	if limit.AdjustedUSD <= 0 {
		result.Reason = "Adjusted amount is zero due to spending limit"
		return result
	}
	amountUSD = limit.AdjustedUSD

	charge := s.charger.Charge(ctx, bstripe.ChargeRequest{
		CustomerID:     c.stripeCustomerID,
		AmountUSD:      amountUSD,
		Description:    fmt.Sprintf("Auto-reload: $%d credit top-up for %s", amountUSD, c.name),
		IdempotencyKey: fmt.Sprintf("auto-reload-%d-%s-%d", c.ownerID, time.Now().Format("2006-01-02"), amountUSD),
		Metadata: map[string]string{
			"purpose":             "auto_reload",
			"owner_id":            strconv.FormatInt(c.ownerID, 10),
			"trigger_balance_usd": strconv.FormatInt(c.balanceUSD, 10),
			"target_balance_usd":  strconv.FormatInt(c.targetUSD, 10),
		},
	})

	if !charge.Success {
		result.Error = charge.Error
		s.logger.WithFields(logging.Fields{
			"owner_id":   c.ownerID,
			"amount_usd": amountUSD,
			"error":      charge.Error,
		}).Warn("Auto-reload charge failed")
		s.alert(ctx, c.ownerID, amountUSD, charge.Error)
		return result
	}

	// The balance trigger raises the cached balance off this row, which is
	// what stops the next sweep from charging the owner again.
	expiresAt := time.Now().AddDate(1, 0, 0)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bursar.credit_transactions
			(owner_id, amount_usd, transaction_type, stripe_payment_intent_id, expires_at, created_at)
		VALUES ($1, $2, 'auto_reload', $3, $4, NOW())
	`, c.ownerID, amountUSD, charge.PaymentIntentID, expiresAt)
	if err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"owner_id":          c.ownerID,
			"payment_intent_id": charge.PaymentIntentID,
		}).Error("Charged owner but failed to record credit transaction")
		s.alert(ctx, c.ownerID, amountUSD,
			fmt.Sprintf("charged via %s but ledger insert failed: %v", charge.PaymentIntentID, err))
	}

	result.Success = true
	result.AmountChargedUSD = amountUSD
	result.PaymentIntentID = charge.PaymentIntentID

	s.logger.WithFields(logging.Fields{
		"owner_id":          c.ownerID,
		"amount_usd":        amountUSD,
		"payment_intent_id": charge.PaymentIntentID,
	}).Info("Auto-reload charge succeeded")

	return result
}

func (s *AutoReloadSweeper) alert(ctx context.Context, ownerID, amountUSD int64, errText string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, fmt.Sprintf(
		"Auto-reload failed for owner %d (attempted $%d): %s", ownerID, amountUSD, errText))
}
