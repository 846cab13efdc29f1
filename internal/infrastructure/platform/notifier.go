package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/infrastructure/config"
)

// WebhookNotifier posts security-operations notifications to a configured
// webhook. An empty webhook URL makes it a logging no-op.
type WebhookNotifier struct {
	client     *http.Client
	webhookURL string
	logger     *zap.Logger
}

// NewWebhookNotifier creates the webhook-backed notifier.
func NewWebhookNotifier(cfg config.PlatformConfig, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		client:     &http.Client{Timeout: timeout},
		webhookURL: cfg.WebhookURL,
		logger:     logger,
	}
}

// NotifySecurityOps sends one notification to the security-operations channel.
func (n *WebhookNotifier) NotifySecurityOps(ctx context.Context, subject, body string) error {
	if n.webhookURL == "" {
		n.logger.Info("security ops notification (webhook not configured)",
			zap.String("subject", subject),
			zap.String("body", body))
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
