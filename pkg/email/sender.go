package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	// From is the SMTP envelope sender (MAIL FROM). This should be a raw mailbox address.
	From string
	// FromName is an optional display name used only for the message header.
	FromName string
}

// Sender delivers plain-text mail over SMTP.
type Sender struct {
	config Config
	auth   smtp.Auth
}

func NewSender(config Config) *Sender {
	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	return &Sender{
		config: config,
		auth:   auth,
	}
}

// IsConfigured reports whether the sender has enough settings to deliver mail.
func (s *Sender) IsConfigured() bool {
	return s.config.Host != "" && s.config.From != ""
}

// SendMail sends a plain-text email to a single recipient.
func (s *Sender) SendMail(ctx context.Context, to, subject, textBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%s", s.config.Host, s.config.Port)

	fromHeader := s.config.From
	if strings.TrimSpace(s.config.FromName) != "" {
		fromHeader = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	e := email.NewEmail()
	e.From = sanitizeHeader(fromHeader)
	e.To = []string{sanitizeHeader(to)}
	e.Subject = sanitizeHeader(subject)
	e.Text = []byte(textBody)

	if err := e.Send(addr, s.auth); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
