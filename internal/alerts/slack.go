package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shorelinehq/bursar/pkg/logging"
)

// Notifier delivers out-of-band operator alerts. Implementations are
// fire-and-forget: delivery failures must never propagate to the caller.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// SlackNotifier posts messages to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	logger     logging.Logger
}

func NewSlackNotifier(webhookURL string, logger logging.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Notify posts text to the configured webhook. Errors are logged and dropped;
// an alerting outage must not abort the job that raised the alert.
func (n *SlackNotifier) Notify(ctx context.Context, text string) {
	if n.webhookURL == "" {
		n.logger.WithField("text", text).Debug("Slack webhook not configured, dropping alert")
		return
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		n.logger.WithError(err).Error("Failed to marshal Slack payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		n.logger.WithError(err).Error("Failed to build Slack request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.WithError(err).Warn("Failed to deliver Slack alert")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.WithField("status", resp.StatusCode).Warn("Slack webhook rejected alert")
	}
}
