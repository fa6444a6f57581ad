package handlers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/shorelinehq/bursar/pkg/logging"
)

// DripContextLoader builds the per-owner snapshots the decision engine runs
// against. One base query picks the owners, then a handful of batch queries
// fill in coverage, PR counts, purchase history and sent keys for the whole
// set at once.
type DripContextLoader struct {
	db     *sql.DB
	logger logging.Logger
}

func NewDripContextLoader(database *sql.DB, log logging.Logger) *DripContextLoader {
	return &DripContextLoader{db: database, logger: log}
}

// LoadOwners returns one context snapshot per owner with at least one active
// installation. A scan error on one row drops that row, not the run.
func (l *DripContextLoader) LoadOwners(ctx context.Context) ([]*OwnerDripContext, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT o.owner_id, o.name, COALESCE(o.email, ''), o.installed_at,
		       o.credit_balance_usd, o.paid_plan
		FROM bursar.owners o
		WHERE EXISTS (
			SELECT 1 FROM bursar.installations i
			WHERE i.owner_id = o.owner_id AND i.active
		)
		ORDER BY o.owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list owners with active installations: %w", err)
	}
	defer rows.Close()

	var owners []*OwnerDripContext
	byID := make(map[int64]*OwnerDripContext)
	for rows.Next() {
		o := &OwnerDripContext{SentKeys: make(map[string]bool)}
		if err := rows.Scan(&o.OwnerID, &o.Name, &o.Email, &o.InstalledAt,
			&o.CreditBalanceUSD, &o.HasActivePaidPlan); err != nil {
			l.logger.WithError(err).Error("Error scanning owner row")
			continue
		}
		// An owner must appear once no matter how many installations they
		// hold; a duplicate would be evaluated and emailed twice in one run.
		if _, seen := byID[o.OwnerID]; seen {
			continue
		}
		owners = append(owners, o)
		byID[o.OwnerID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	if len(owners) == 0 {
		return owners, nil
	}

	ids := make([]int64, 0, len(owners))
	for _, o := range owners {
		ids = append(ids, o.OwnerID)
	}

	if err := l.loadCoverage(ctx, byID, ids); err != nil {
		return nil, err
	}
	if err := l.loadPullRequests(ctx, byID, ids); err != nil {
		return nil, err
	}
	if err := l.loadPurchaseHistory(ctx, byID, ids); err != nil {
		return nil, err
	}
	if err := l.loadSentKeys(ctx, byID, ids); err != nil {
		return nil, err
	}

	return owners, nil
}

// loadCoverage attaches each repo's most recent coverage reading.
func (l *DripContextLoader) loadCoverage(ctx context.Context, byID map[int64]*OwnerDripContext, ids []int64) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT ON (owner_id, repo) owner_id, repo, coverage_percent
		FROM bursar.coverage_stats
		WHERE owner_id = ANY($1)
		ORDER BY owner_id, repo, recorded_at DESC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load coverage stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ownerID int64
		var cov RepoCoverage
		if err := rows.Scan(&ownerID, &cov.Repo, &cov.CoveragePercent); err != nil {
			l.logger.WithError(err).Error("Error scanning coverage row")
			continue
		}
		if o, ok := byID[ownerID]; ok {
			o.Coverage = append(o.Coverage, cov)
		}
	}
	return rows.Err()
}

func (l *DripContextLoader) loadPullRequests(ctx context.Context, byID map[int64]*OwnerDripContext, ids []int64) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT owner_id,
		       COUNT(*) FILTER (WHERE kind = 'setup') AS total_setup,
		       COUNT(*) FILTER (WHERE kind = 'setup' AND state = 'open') AS open_setup,
		       COUNT(*) FILTER (WHERE kind = 'test' AND state = 'open' AND mergeable) AS open_mergeable_test,
		       MAX(updated_at) AS last_activity
		FROM bursar.pull_requests
		WHERE owner_id = ANY($1)
		GROUP BY owner_id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load pull request counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ownerID int64
		var totalSetup, openSetup, openMergeable int
		var lastActivity sql.NullTime
		if err := rows.Scan(&ownerID, &totalSetup, &openSetup, &openMergeable, &lastActivity); err != nil {
			l.logger.WithError(err).Error("Error scanning pull request row")
			continue
		}
		o, ok := byID[ownerID]
		if !ok {
			continue
		}
		o.TotalSetupPRs = totalSetup
		o.OpenSetupPRs = openSetup
		o.OpenMergeableTestPRs = openMergeable
		if lastActivity.Valid {
			o.LastPRActivityAt = lastActivity.Time
		}
	}
	return rows.Err()
}

func (l *DripContextLoader) loadPurchaseHistory(ctx context.Context, byID map[int64]*OwnerDripContext, ids []int64) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT owner_id
		FROM bursar.credit_transactions
		WHERE owner_id = ANY($1) AND transaction_type = 'purchase'
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load purchase history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ownerID int64
		if err := rows.Scan(&ownerID); err != nil {
			l.logger.WithError(err).Error("Error scanning purchase history row")
			continue
		}
		if o, ok := byID[ownerID]; ok {
			o.HasPurchasedCredits = true
		}
	}
	return rows.Err()
}

func (l *DripContextLoader) loadSentKeys(ctx context.Context, byID map[int64]*OwnerDripContext, ids []int64) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT owner_id, email_key
		FROM bursar.sent_emails
		WHERE owner_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load sent email keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ownerID int64
		var key string
		if err := rows.Scan(&ownerID, &key); err != nil {
			l.logger.WithError(err).Error("Error scanning sent email row")
			continue
		}
		if o, ok := byID[ownerID]; ok {
			o.SentKeys[key] = true
		}
	}
	return rows.Err()
}
