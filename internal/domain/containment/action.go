package containment

import (
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/errors"
)

// ActionType enumerates the protective operations the orchestrator can take.
type ActionType string

const (
	ActionLockAccounts        ActionType = "LOCK_ACCOUNTS"
	ActionRevokeSessions      ActionType = "REVOKE_SESSIONS"
	ActionRequire2FA          ActionType = "REQUIRE_2FA"
	ActionRestrictPermissions ActionType = "RESTRICT_PERMISSIONS"
	ActionIPBlock             ActionType = "IP_BLOCK"
	ActionDeviceBlock         ActionType = "DEVICE_BLOCK"
	ActionMonitorOnly         ActionType = "MONITOR_ONLY"
)

// Status is the containment action state machine.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusExecuted  Status = "EXECUTED"
	StatusReversed  Status = "REVERSED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the action can change no further.
func (s Status) IsTerminal() bool {
	return s == StatusReversed || s == StatusFailed || s == StatusCancelled
}

// Action is one reversible protective operation against a set of affected
// users, owned by exactly one cluster or incident.
type Action struct {
	ID                      uuid.UUID   `json:"id"`
	ClusterID               uuid.UUID   `json:"cluster_id"`
	IncidentID              *uuid.UUID  `json:"incident_id,omitempty"`
	ActionType              ActionType  `json:"action_type"`
	AffectedUserIDs         []uuid.UUID `json:"affected_user_ids"`
	Status                  Status      `json:"status"`
	RequiresAnalystApproval bool        `json:"requires_analyst_approval"`
	AutoExecuteAt           *time.Time  `json:"auto_execute_at,omitempty"`
	IsReversible            bool        `json:"is_reversible"`
	ExecutedAt              *time.Time  `json:"executed_at,omitempty"`
	ExecutionDetails        string      `json:"execution_details,omitempty"`
	Error                   string      `json:"error,omitempty"`
	RetryCount              int         `json:"retry_count"`
	ReversedAt              *time.Time  `json:"reversed_at,omitempty"`
	ReversedBy              string      `json:"reversed_by,omitempty"`
	ReverseReason           string      `json:"reverse_reason,omitempty"`
	ApprovedBy              string      `json:"approved_by,omitempty"`
	CancelledBy             string      `json:"cancelled_by,omitempty"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// New creates a PENDING containment action.
func New(clusterID uuid.UUID, actionType ActionType, userIDs []uuid.UUID, requiresApproval, reversible bool) *Action {
	now := time.Now()
	a := &Action{
		ID:                      uuid.New(),
		ClusterID:               clusterID,
		ActionType:              actionType,
		AffectedUserIDs:         append([]uuid.UUID(nil), userIDs...),
		Status:                  StatusPending,
		RequiresAnalystApproval: requiresApproval,
		IsReversible:            reversible,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if !requiresApproval {
		a.AutoExecuteAt = &now
	}
	return a
}

// Approve records analyst approval of a pending action.
func (a *Action) Approve(analystID string) error {
	if a.Status != StatusPending {
		return errors.NewInvariantError("NOT_PENDING",
			"only pending containment actions can be approved")
	}
	a.Status = StatusApproved
	a.ApprovedBy = analystID
	a.UpdatedAt = time.Now()
	return nil
}

// CanExecute reports whether the action may be executed now.
func (a *Action) CanExecute() bool {
	if a.Status == StatusApproved {
		return true
	}
	return a.CanAutoExecute(time.Now())
}

// CanAutoExecute reports whether the action is eligible for unattended
// execution at the given time.
func (a *Action) CanAutoExecute(now time.Time) bool {
	return a.Status == StatusPending &&
		!a.RequiresAnalystApproval &&
		a.AutoExecuteAt != nil &&
		!a.AutoExecuteAt.After(now)
}

// MarkExecuted stamps a successful execution.
func (a *Action) MarkExecuted(details string) {
	now := time.Now()
	a.Status = StatusExecuted
	a.ExecutedAt = &now
	a.ExecutionDetails = details
	a.UpdatedAt = now
}

// MarkFailed stamps an execution failure. The record never stays silently
// PENDING after a failed attempt.
func (a *Action) MarkFailed(execErr error) {
	a.Status = StatusFailed
	a.Error = execErr.Error()
	a.RetryCount++
	a.UpdatedAt = time.Now()
}

// Reverse validates the reversal guards and stamps the reversal. The caller
// invokes the inverse capability only after this succeeds.
func (a *Action) Reverse(analystID, reason string) error {
	if !a.IsReversible {
		return errors.ErrNotReversible
	}
	if a.Status != StatusExecuted {
		return errors.ErrNotExecuted
	}
	now := time.Now()
	a.Status = StatusReversed
	a.ReversedAt = &now
	a.ReversedBy = analystID
	a.ReverseReason = reason
	a.UpdatedAt = now
	return nil
}

// Supersede retires an open monitoring action so a stronger decision can
// replace it. Only MONITOR_ONLY may be superseded; restrictive actions are
// retired through Reverse or Cancel.
func (a *Action) Supersede() error {
	if a.ActionType != ActionMonitorOnly {
		return errors.NewInvariantError("NOT_SUPERSEDABLE",
			"only monitoring actions can be superseded")
	}
	if a.Status.IsTerminal() {
		return errors.NewInvariantError("NOT_SUPERSEDABLE",
			"terminal containment actions cannot be superseded")
	}
	a.Status = StatusCancelled
	a.CancelledBy = "system"
	a.UpdatedAt = time.Now()
	return nil
}

// Cancel withdraws a not-yet-executed action.
func (a *Action) Cancel(analystID string) error {
	if a.Status != StatusPending && a.Status != StatusApproved {
		return errors.NewInvariantError("NOT_CANCELLABLE",
			"only pending or approved containment actions can be cancelled")
	}
	a.Status = StatusCancelled
	a.CancelledBy = analystID
	a.UpdatedAt = time.Now()
	return nil
}

// InverseCapability names the undo operation for a reversible action type.
func (t ActionType) InverseCapability() string {
	switch t {
	case ActionLockAccounts:
		return "unlock_accounts"
	case ActionRevokeSessions:
		return "" // revocation cannot be undone
	case ActionRequire2FA:
		return "drop_2fa_requirement"
	case ActionRestrictPermissions:
		return "restore_permissions"
	case ActionIPBlock:
		return "unblock_ip"
	case ActionDeviceBlock:
		return "unblock_device"
	default:
		return ""
	}
}

// Reversible reports whether the action type has an inverse capability.
func (t ActionType) Reversible() bool {
	return t.InverseCapability() != ""
}
