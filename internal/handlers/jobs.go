package handlers

import (
	"context"
	"time"

	"github.com/shorelinehq/bursar/internal/alerts"
	"github.com/shorelinehq/bursar/pkg/logging"
	"github.com/shorelinehq/bursar/pkg/redis"
)

const sweepLockName = "auto-reload-sweep"

// JobManager handles background billing jobs
type JobManager struct {
	logger     logging.Logger
	sweeper    *AutoReloadSweeper
	expirer    *CreditExpirer
	dripRunner *DripRunner
	sweepLock  *redis.Lock
	stopCh     chan struct{}
}

// NewJobManager creates a new job manager. Init must have been called
// first. sweepLock is nil when Redis is not configured; sweeps then run
// unlocked, which is only safe with a single Bursar instance.
func NewJobManager(log logging.Logger, charger PaymentCharger, notifier alerts.Notifier, sweepLock *redis.Lock) *JobManager {
	return &JobManager{
		logger:     log,
		sweeper:    NewAutoReloadSweeper(db, log, charger, notifier),
		expirer:    NewCreditExpirer(db, log),
		dripRunner: NewDripRunner(db, log, emailService),
		sweepLock:  sweepLock,
		stopCh:     make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting billing job manager")

	go jm.runAutoReload(ctx)
	go jm.runCreditExpiration(ctx)
	go jm.runDripEmails(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping billing job manager")
	close(jm.stopCh)
}

// runAutoReload sweeps for owners below their reload threshold
func (jm *JobManager) runAutoReload(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting auto-reload job")

	// Run once at boot so frequent redeploys never starve the job.
	jm.autoReloadSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.autoReloadSweep(ctx)
		}
	}
}

// autoReloadSweep runs one locked sweep. Overlapping sweeps can double
// charge an owner whose balance is slow to settle, so only one instance
// may sweep at a time.
func (jm *JobManager) autoReloadSweep(ctx context.Context) {
	if jm.sweepLock != nil {
		acquired, release, err := jm.sweepLock.Acquire(ctx, sweepLockName, 30*time.Minute)
		if err != nil {
			jm.logger.WithError(err).Error("Failed to acquire auto-reload sweep lock")
			return
		}
		if !acquired {
			jm.logger.Info("Auto-reload sweep already running elsewhere, skipping")
			return
		}
		defer release()
	}

	if _, err := jm.sweeper.RunSweep(ctx); err != nil {
		jm.logger.WithError(err).Error("Auto-reload sweep failed")
	}
}

// runCreditExpiration expires overdue credits once a day
func (jm *JobManager) runCreditExpiration(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting credit expiration job")

	if _, err := jm.expirer.Run(ctx); err != nil {
		jm.logger.WithError(err).Error("Credit expiration run failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			if _, err := jm.expirer.Run(ctx); err != nil {
				jm.logger.WithError(err).Error("Credit expiration run failed")
			}
		}
	}
}

// runDripEmails evaluates the lifecycle email sequence once a day
func (jm *JobManager) runDripEmails(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting drip email job")

	if _, err := jm.dripRunner.Run(ctx); err != nil {
		jm.logger.WithError(err).Error("Drip email run failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			if _, err := jm.dripRunner.Run(ctx); err != nil {
				jm.logger.WithError(err).Error("Drip email run failed")
			}
		}
	}
}
