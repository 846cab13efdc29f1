package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/config"
)

// Capabilities invokes the account platform's internal mutation endpoints.
// Every call is a POST of a small JSON body; the platform owns the actual
// account and session state.
type Capabilities struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewCapabilities creates the HTTP-backed account capabilities client.
func NewCapabilities(cfg config.PlatformConfig, logger *zap.Logger) *Capabilities {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Capabilities{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

type capabilityRequest struct {
	UserIDs   []uuid.UUID `json:"user_ids"`
	Reason    string      `json:"reason,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// LockAccounts locks every listed account.
func (c *Capabilities) LockAccounts(ctx context.Context, userIDs []uuid.UUID, reason string) error {
	return c.post(ctx, "/internal/accounts/lock", capabilityRequest{UserIDs: userIDs, Reason: reason})
}

// UnlockAccounts unlocks every listed account.
func (c *Capabilities) UnlockAccounts(ctx context.Context, userIDs []uuid.UUID, reason string) error {
	return c.post(ctx, "/internal/accounts/unlock", capabilityRequest{UserIDs: userIDs, Reason: reason})
}

// RevokeSessions invalidates all active sessions for the listed users.
func (c *Capabilities) RevokeSessions(ctx context.Context, userIDs []uuid.UUID, reason string) error {
	return c.post(ctx, "/internal/sessions/revoke", capabilityRequest{UserIDs: userIDs, Reason: reason})
}

// Require2FA imposes a second-factor requirement until expiresAt.
func (c *Capabilities) Require2FA(ctx context.Context, userIDs []uuid.UUID, expiresAt time.Time) error {
	return c.post(ctx, "/internal/accounts/require-2fa", capabilityRequest{UserIDs: userIDs, ExpiresAt: &expiresAt})
}

// Drop2FARequirement removes an imposed second-factor requirement.
func (c *Capabilities) Drop2FARequirement(ctx context.Context, userIDs []uuid.UUID) error {
	return c.post(ctx, "/internal/accounts/drop-2fa", capabilityRequest{UserIDs: userIDs})
}

// RestrictPermissions downgrades the listed accounts to a restricted role.
func (c *Capabilities) RestrictPermissions(ctx context.Context, userIDs []uuid.UUID, reason string) error {
	return c.post(ctx, "/internal/accounts/restrict", capabilityRequest{UserIDs: userIDs, Reason: reason})
}

// RestorePermissions restores the pre-restriction role.
func (c *Capabilities) RestorePermissions(ctx context.Context, userIDs []uuid.UUID) error {
	return c.post(ctx, "/internal/accounts/restore", capabilityRequest{UserIDs: userIDs})
}

func (c *Capabilities) post(ctx context.Context, path string, body capabilityRequest) error {
	if c.baseURL == "" {
		return errors.NewExternalError("platform", "platform base URL is not configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal capability request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build capability request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewExternalError("platform", "capability call failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("capability call rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return errors.NewExternalError("platform",
			fmt.Sprintf("capability call %s returned status %d", path, resp.StatusCode))
	}
	return nil
}
