package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/shorelinehq/bursar/pkg/logging"
)

// DripEmailSender is the delivery side effect the runner depends on.
type DripEmailSender interface {
	IsConfigured() bool
	SendDripEmail(ctx context.Context, to, subject, body string) error
}

// SentDripEmail is one delivered email in a run report.
type SentDripEmail struct {
	OwnerID  int64  `json:"owner_id"`
	EmailKey string `json:"email_key"`
}

// DripReport aggregates one drip run.
type DripReport struct {
	Evaluated int             `json:"evaluated"`
	Sent      int             `json:"sent"`
	Emails    []SentDripEmail `json:"emails"`
}

// DripRunner loads owner snapshots, asks the decision engine what to send,
// delivers it, and records the sent marker. All slot logic lives in
// EvaluateOwner; the runner is deliberately thin.
type DripRunner struct {
	db     *sql.DB
	logger logging.Logger
	loader *DripContextLoader
	sender DripEmailSender

	// now is swappable in tests.
	now func() time.Time
}

func NewDripRunner(database *sql.DB, log logging.Logger, sender DripEmailSender) *DripRunner {
	return &DripRunner{
		db:     database,
		logger: log,
		loader: NewDripContextLoader(database, log),
		sender: sender,
		now:    time.Now,
	}
}

// Run evaluates every owner with an active installation and sends at most
// one email per owner. The sent marker is written only after delivery
// succeeds, so a failed send is retried naturally on the next run.
func (r *DripRunner) Run(ctx context.Context) (DripReport, error) {
	report := DripReport{Emails: []SentDripEmail{}}

	if !r.sender.IsConfigured() {
		r.logger.Warn("Email service not configured, skipping drip email run")
		return report, nil
	}

	owners, err := r.loader.LoadOwners(ctx)
	if err != nil {
		return report, err
	}

	now := r.now()
	for _, owner := range owners {
		report.Evaluated++

		decision := EvaluateOwner(owner, now)
		if decision == nil {
			continue
		}

		subject, body := RenderDripEmail(owner, decision)
		if err := r.sender.SendDripEmail(ctx, owner.Email, subject, body); err != nil {
			r.logger.WithError(err).WithFields(logging.Fields{
				"owner_id":  owner.OwnerID,
				"email_key": decision.EmailKey,
			}).Error("Failed to send drip email")
			continue
		}

		if err := r.recordSent(ctx, owner.OwnerID, decision.EmailKey); err != nil {
			// The email already went out. A missing marker means the next
			// run may send it again, which is worth a loud log line.
			r.logger.WithError(err).WithFields(logging.Fields{
				"owner_id":  owner.OwnerID,
				"email_key": decision.EmailKey,
			}).Error("Failed to record sent email marker after delivery")
			continue
		}

		report.Sent++
		report.Emails = append(report.Emails, SentDripEmail{
			OwnerID:  owner.OwnerID,
			EmailKey: decision.EmailKey,
		})

		if metrics != nil {
			metrics.DripEmails.WithLabelValues(decision.EmailKey).Inc()
		}

		r.logger.WithFields(logging.Fields{
			"owner_id":  owner.OwnerID,
			"email_key": decision.EmailKey,
		}).Info("Drip email sent")
	}

	r.logger.WithFields(logging.Fields{
		"owners_evaluated": report.Evaluated,
		"emails_sent":      report.Sent,
	}).Info("Drip email run completed")

	return report, nil
}

func (r *DripRunner) recordSent(ctx context.Context, ownerID int64, emailKey string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bursar.sent_emails (owner_id, email_key, sent_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_id, email_key) DO NOTHING
	`, ownerID, emailKey)
	return err
}
