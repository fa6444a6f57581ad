package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// TriggerAutoReload runs one auto-reload sweep on demand
func (jm *JobManager) TriggerAutoReload(c *gin.Context) {
	report, err := jm.sweeper.RunSweep(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Manual auto-reload sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Auto-reload sweep failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// TriggerCreditExpiration runs one credit expiration pass on demand
func (jm *JobManager) TriggerCreditExpiration(c *gin.Context) {
	report, err := jm.expirer.Run(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Manual credit expiration run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Credit expiration run failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// TriggerDripEmails runs one drip email evaluation pass on demand
func (jm *JobManager) TriggerDripEmails(c *gin.Context) {
	report, err := jm.dripRunner.Run(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Manual drip email run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Drip email run failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ValidateSpendingLimit reports what an auto-reload charge of the requested
// amount would be allowed to do for an owner, without charging anything.
func ValidateSpendingLimit(c *gin.Context) {
	ownerID, err := strconv.ParseInt(c.Param("owner_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid owner id"})
		return
	}
	amountUSD, err := strconv.ParseInt(c.Query("amount_usd"), 10, 64)
	if err != nil || amountUSD <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_usd must be a positive integer"})
		return
	}

	validator := NewSpendingLimitValidator(db, logger)
	result, err := validator.Validate(c.Request.Context(), ownerID, amountUSD)
	if err != nil {
		logger.WithError(err).WithField("owner_id", ownerID).Error("Spending limit validation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Spending limit validation failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}
