package containment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/containment"
	"github.com/ledgerline/account-security-engine/internal/domain/correlation"
)

// Service is the containment orchestrator interface.
type Service interface {
	// Escalate decides and, when eligible, executes a protective action for
	// a cluster. A cluster with an existing non-terminal action is left
	// alone.
	Escalate(ctx context.Context, c *correlation.Cluster) (*containment.Action, error)
	// Approve records analyst approval and executes the action.
	Approve(ctx context.Context, actionID uuid.UUID, analystID string) (*containment.Action, error)
	// Execute runs an eligible action against the account capabilities.
	Execute(ctx context.Context, actionID uuid.UUID) (*containment.Action, error)
	// Reverse undoes an executed, reversible action.
	Reverse(ctx context.Context, actionID uuid.UUID, analystID, reason string) (*containment.Action, error)
	// Cancel withdraws a pending or approved action.
	Cancel(ctx context.Context, actionID uuid.UUID, analystID string) (*containment.Action, error)
	// RunAutoExecution executes every action currently eligible for
	// unattended execution and returns how many ran.
	RunAutoExecution(ctx context.Context) (int, error)
	// RevokeIncidentSessions mass-revokes the sessions of every user tied
	// to an incident.
	RevokeIncidentSessions(ctx context.Context, incidentID uuid.UUID, analystID string) error
	// IsContained reports whether a user is covered by an executed
	// restrictive action.
	IsContained(ctx context.Context, userID uuid.UUID) (bool, error)
}

// ActionRepository stores containment actions.
type ActionRepository interface {
	Save(ctx context.Context, a *containment.Action) error
	GetByID(ctx context.Context, id uuid.UUID) (*containment.Action, error)
	// FindNonTerminalByCluster returns the open action for a cluster. When
	// none exists it returns a not-found error, never (nil, nil).
	FindNonTerminalByCluster(ctx context.Context, clusterID uuid.UUID) (*containment.Action, error)
	// ListPendingAutoExecute returns actions eligible for unattended
	// execution at the given time.
	ListPendingAutoExecute(ctx context.Context, now time.Time) ([]*containment.Action, error)
	// ListExecutedByUser returns executed actions covering the given user.
	ListExecutedByUser(ctx context.Context, userID uuid.UUID) ([]*containment.Action, error)
}

// AccountCapabilities is the external account/session mutation surface this
// core invokes. Implementations live with the platform, outside this module.
type AccountCapabilities interface {
	LockAccounts(ctx context.Context, userIDs []uuid.UUID, reason string) error
	UnlockAccounts(ctx context.Context, userIDs []uuid.UUID, reason string) error
	RevokeSessions(ctx context.Context, userIDs []uuid.UUID, reason string) error
	Require2FA(ctx context.Context, userIDs []uuid.UUID, expiresAt time.Time) error
	Drop2FARequirement(ctx context.Context, userIDs []uuid.UUID) error
	RestrictPermissions(ctx context.Context, userIDs []uuid.UUID, reason string) error
	RestorePermissions(ctx context.Context, userIDs []uuid.UUID) error
}

// Notifier reaches the security-operations channel. Best effort: a failed
// notification never fails the containment operation it accompanies.
type Notifier interface {
	NotifySecurityOps(ctx context.Context, subject, body string) error
}

// IncidentUserSource resolves the user set tied to an incident.
type IncidentUserSource interface {
	UsersForIncident(ctx context.Context, incidentID uuid.UUID) ([]uuid.UUID, error)
}

// Decision is one row of the escalation decision table.
type Decision struct {
	ActionType              containment.ActionType
	RequiresAnalystApproval bool
	AutoExecute             bool
}

// Config carries orchestrator settings.
type Config struct {
	TwoFactorExpiry time.Duration // lifetime of an imposed 2FA requirement
}

// DefaultConfig returns the production orchestrator settings.
func DefaultConfig() Config {
	return Config{TwoFactorExpiry: 24 * time.Hour}
}
