package handlers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/shorelinehq/bursar/pkg/logging"
)

// OwnerExpiration reports what expired for one owner in a run.
type OwnerExpiration struct {
	OwnerID          int64 `json:"owner_id"`
	ExpiredAmountUSD int64 `json:"expired_amount_usd"`
	CreditCount      int   `json:"credit_count"`
}

// ExpirationReport aggregates one expiration run.
type ExpirationReport struct {
	Expired         int               `json:"expired"`
	Owners          []OwnerExpiration `json:"owners"`
	TotalExpiredUSD int64             `json:"total_expired_usd"`
}

// CreditExpirer writes offsetting expiration rows for credits past their
// expires_at and flips the originals' type to 'expiration' so they drop out
// of future scans. The balance trigger applies the offset to the cached
// balance; this job never writes balances.
type CreditExpirer struct {
	db     *sql.DB
	logger logging.Logger
}

func NewCreditExpirer(database *sql.DB, log logging.Logger) *CreditExpirer {
	return &CreditExpirer{db: database, logger: log}
}

type expiredGroup struct {
	totalUSD int64
	rowIDs   []int64
}

// Run expires all overdue credits. Per-owner write failures are logged and
// skipped; the run keeps going. Re-running with no new expired rows is a
// no-op because flipped rows no longer match the scan filter.
func (e *CreditExpirer) Run(ctx context.Context) (ExpirationReport, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, owner_id, amount_usd
		FROM bursar.credit_transactions
		WHERE expires_at IS NOT NULL
		  AND expires_at < NOW()
		  AND transaction_type <> 'expiration'
		ORDER BY owner_id, id
	`)
	if err != nil {
		return ExpirationReport{}, fmt.Errorf("list expired credits: %w", err)
	}
	defer rows.Close()

	groups := make(map[int64]*expiredGroup)
	var order []int64
	for rows.Next() {
		var id, ownerID, amountUSD int64
		if err := rows.Scan(&id, &ownerID, &amountUSD); err != nil {
			e.logger.WithError(err).Error("Error scanning expired credit row")
			continue
		}
		g, ok := groups[ownerID]
		if !ok {
			g = &expiredGroup{}
			groups[ownerID] = g
			order = append(order, ownerID)
		}
		g.totalUSD += amountUSD
		g.rowIDs = append(g.rowIDs, id)
	}
	if err := rows.Err(); err != nil {
		return ExpirationReport{}, fmt.Errorf("iterate expired credits: %w", err)
	}

	report := ExpirationReport{Owners: make([]OwnerExpiration, 0, len(order))}
	for _, ownerID := range order {
		g := groups[ownerID]
		if err := e.expireOwner(ctx, ownerID, g); err != nil {
			e.logger.WithError(err).WithFields(logging.Fields{
				"owner_id":     ownerID,
				"amount_usd":   g.totalUSD,
				"credit_count": len(g.rowIDs),
			}).Error("Failed to expire credits for owner")
			continue
		}

		report.Expired++
		report.TotalExpiredUSD += g.totalUSD
		report.Owners = append(report.Owners, OwnerExpiration{
			OwnerID:          ownerID,
			ExpiredAmountUSD: g.totalUSD,
			CreditCount:      len(g.rowIDs),
		})

		if metrics != nil {
			metrics.CreditsExpiredUSD.WithLabelValues("expired").Add(float64(g.totalUSD))
		}

		e.logger.WithFields(logging.Fields{
			"owner_id":     ownerID,
			"amount_usd":   g.totalUSD,
			"credit_count": len(g.rowIDs),
		}).Info("Expired credits for owner")
	}

	e.logger.WithFields(logging.Fields{
		"owners_expired":    report.Expired,
		"total_expired_usd": report.TotalExpiredUSD,
	}).Info("Credit expiration run completed")

	return report, nil
}

// expireOwner offsets and marks one owner's expired rows in a single
// transaction so a partial write can never leave the ledger inconsistent.
func (e *CreditExpirer) expireOwner(ctx context.Context, ownerID int64, g *expiredGroup) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bursar.credit_transactions
			(owner_id, amount_usd, transaction_type, expires_at, created_at)
		VALUES ($1, $2, 'expiration', NULL, NOW())
	`, ownerID, -g.totalUSD)
	if err != nil {
		return fmt.Errorf("insert expiration offset: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.credit_transactions
		SET transaction_type = 'expiration'
		WHERE id = ANY($1)
	`, pq.Array(g.rowIDs))
	if err != nil {
		return fmt.Errorf("mark expired rows: %w", err)
	}

	return tx.Commit()
}
