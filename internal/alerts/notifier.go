package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/advisoros/pulse/pkg/models"
)

// Notifier delivers an alert through the channels named by a rule's
// notification config. Delivery failure never affects the alert record.
type Notifier interface {
	Send(ctx context.Context, alert *models.RealtimeAlert, cfg models.NotificationConfig) error
}

// DispatchNotifier posts webhook notifications directly and hands email/SMS
// to the external dispatcher boundary (logged here; the dispatcher owns
// actual delivery).
type DispatchNotifier struct {
	client *http.Client
	logger *zap.Logger
}

func NewDispatchNotifier(logger *zap.Logger) *DispatchNotifier {
	return &DispatchNotifier{
		client: &http.Client{},
		logger: logger,
	}
}

func (n *DispatchNotifier) Send(ctx context.Context, alert *models.RealtimeAlert, cfg models.NotificationConfig) error {
	var firstErr error
	for _, ch := range cfg.Channels {
		var err error
		switch ch {
		case models.ChannelWebhook:
			err = n.postWebhook(ctx, alert, cfg.WebhookURL)
		case models.ChannelEmail, models.ChannelSMS:
			n.logger.Info("alert notification dispatched",
				zap.String("channel", string(ch)),
				zap.Strings("recipients", cfg.Recipients),
				zap.String("alert_id", alert.ID.String()),
				zap.String("severity", string(alert.Severity)))
		default:
			err = fmt.Errorf("unknown notification channel: %s", ch)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *DispatchNotifier) postWebhook(ctx context.Context, alert *models.RealtimeAlert, url string) error {
	if url == "" {
		return fmt.Errorf("webhook channel configured without URL")
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
