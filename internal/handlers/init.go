package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shorelinehq/bursar/pkg/logging"
)

var (
	db           *sql.DB
	logger       logging.Logger
	emailService *EmailService
	metrics      *BursarMetrics
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	AutoReloadCharges *prometheus.CounterVec
	CreditsExpiredUSD *prometheus.CounterVec
	DripEmails        *prometheus.CounterVec
	DBQueries         *prometheus.CounterVec
	DBDuration        *prometheus.HistogramVec
	DBConnections     *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger and metrics
func Init(database *sql.DB, log logging.Logger, bursarMetrics *BursarMetrics) {
	db = database
	logger = log
	emailService = NewEmailService(log)
	metrics = bursarMetrics
}
