package handlers

import (
	"context"

	"github.com/shorelinehq/bursar/pkg/config"
	"github.com/shorelinehq/bursar/pkg/email"
	"github.com/shorelinehq/bursar/pkg/logging"
)

// EmailService handles outbound lifecycle email
type EmailService struct {
	sender *email.Sender
	logger logging.Logger
}

// NewEmailService creates a new email service instance
func NewEmailService(logger logging.Logger) *EmailService {
	sender := email.NewSender(email.Config{
		Host:     config.GetEnv("SMTP_HOST", ""),
		Port:     config.GetEnv("SMTP_PORT", "587"),
		User:     config.GetEnv("SMTP_USER", ""),
		Password: config.GetEnv("SMTP_PASSWORD", ""),
		From:     config.GetEnv("FROM_EMAIL", ""),
		FromName: config.GetEnv("FROM_NAME", "Shoreline"),
	})

	return &EmailService{sender: sender, logger: logger}
}

// IsConfigured checks if email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.sender.IsConfigured()
}

// SendDripEmail delivers one lifecycle email. Failures are returned to the
// caller so the sent marker is only written after a confirmed send.
func (es *EmailService) SendDripEmail(ctx context.Context, to, subject, body string) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping drip email")
		return nil
	}

	if err := es.sender.SendMail(ctx, to, subject, body); err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent successfully")

	return nil
}
