package containment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/containment"
	"github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/metrics"
)

// service implements the containment orchestrator
type service struct {
	actions      ActionRepository
	capabilities AccountCapabilities
	notifier     Notifier
	incidents    IncidentUserSource
	logger       *zap.Logger
	metrics      *metrics.Registry
	cfg          Config
}

// NewService creates a new containment orchestrator. The notifier, incident
// source and metrics registry are optional.
func NewService(
	actions ActionRepository,
	capabilities AccountCapabilities,
	notifier Notifier,
	incidents IncidentUserSource,
	logger *zap.Logger,
	reg *metrics.Registry,
	cfg Config,
) Service {
	if cfg.TwoFactorExpiry == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		actions:      actions,
		capabilities: capabilities,
		notifier:     notifier,
		incidents:    incidents,
		logger:       logger,
		metrics:      reg,
		cfg:          cfg,
	}
}

// decide maps (correlationType, severity, userCount) to a protective action.
// Unmatched combinations fall through to monitoring.
func decide(c *correlation.Cluster) Decision {
	switch {
	case c.Type == correlation.TypeDeviceReuse && c.Severity == correlation.SeverityCritical:
		return Decision{ActionType: containment.ActionLockAccounts, RequiresAnalystApproval: true}
	case c.Type == correlation.TypePrivilegeEscalation && c.Severity == correlation.SeverityCritical:
		return Decision{ActionType: containment.ActionRevokeSessions, AutoExecute: true}
	case c.Type == correlation.TypeIPBased && c.Severity == correlation.SeverityCritical && c.UserCount() >= 5:
		return Decision{ActionType: containment.ActionRequire2FA, AutoExecute: true}
	default:
		return Decision{ActionType: containment.ActionMonitorOnly, AutoExecute: true}
	}
}

// Escalate decides and possibly executes a protective action for a cluster.
// The pre-check on an existing non-terminal action is the primary safeguard
// against duplicate execution under concurrent triggers.
func (s *service) Escalate(ctx context.Context, c *correlation.Cluster) (*containment.Action, error) {
	d := decide(c)

	existing, err := s.actions.FindNonTerminalByCluster(ctx, c.ID)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}
	if existing != nil {
		// A monitoring action never pins the cluster: a later merge that
		// crosses a decision threshold retires it in favor of the stronger
		// action. Anything else stays the single open action.
		if existing.ActionType != containment.ActionMonitorOnly ||
			d.ActionType == containment.ActionMonitorOnly {
			return existing, nil
		}
		if err := existing.Supersede(); err != nil {
			return nil, err
		}
		if err := s.actions.Save(ctx, existing); err != nil {
			return nil, err
		}
		s.logger.Info("monitoring action superseded",
			zap.String("cluster_id", c.ID.String()),
			zap.String("superseded_action_id", existing.ID.String()),
			zap.String("action_type", string(d.ActionType)))
	}

	action := containment.New(c.ID, d.ActionType, c.Users(),
		d.RequiresAnalystApproval, d.ActionType.Reversible())
	if err := s.actions.Save(ctx, action); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordContainmentDecision(ctx, string(d.ActionType))
	}
	s.logger.Info("containment action raised",
		zap.String("cluster_id", c.ID.String()),
		zap.String("action_type", string(d.ActionType)),
		zap.Bool("requires_approval", d.RequiresAnalystApproval),
		zap.Int("affected_users", len(action.AffectedUserIDs)))

	if d.RequiresAnalystApproval {
		s.notify(ctx, "containment approval required",
			fmt.Sprintf("cluster %s: %s for %d users awaits approval",
				c.ID, d.ActionType, len(action.AffectedUserIDs)))
		return action, nil
	}
	if d.AutoExecute && action.CanAutoExecute(time.Now()) {
		return s.executeAction(ctx, action)
	}
	return action, nil
}

// Approve records analyst approval and immediately executes.
func (s *service) Approve(ctx context.Context, actionID uuid.UUID, analystID string) (*containment.Action, error) {
	action, err := s.actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := action.Approve(analystID); err != nil {
		return nil, err
	}
	if err := s.actions.Save(ctx, action); err != nil {
		return nil, err
	}
	return s.executeAction(ctx, action)
}

// Execute runs an eligible action.
func (s *service) Execute(ctx context.Context, actionID uuid.UUID) (*containment.Action, error) {
	action, err := s.actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !action.CanExecute() {
		return nil, errors.NewInvariantError("NOT_EXECUTABLE",
			fmt.Sprintf("containment action in status %s is not executable", action.Status))
	}
	return s.executeAction(ctx, action)
}

// executeAction performs the protective operation and stamps the outcome.
// A failed execution is captured onto the record, never left PENDING.
func (s *service) executeAction(ctx context.Context, action *containment.Action) (*containment.Action, error) {
	err := s.invoke(ctx, action)
	if err != nil {
		action.MarkFailed(err)
		if saveErr := s.actions.Save(ctx, action); saveErr != nil {
			return nil, saveErr
		}
		s.logger.Error("containment execution failed",
			zap.String("action_id", action.ID.String()),
			zap.String("action_type", string(action.ActionType)),
			zap.Error(err))
		s.notify(ctx, "containment execution failed",
			fmt.Sprintf("action %s (%s) failed: %v", action.ID, action.ActionType, err))
		return action, nil
	}

	action.MarkExecuted(fmt.Sprintf("%s applied to %d users", action.ActionType, len(action.AffectedUserIDs)))
	if err := s.actions.Save(ctx, action); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordContainmentExecuted(ctx, string(action.ActionType))
	}
	s.notify(ctx, "containment executed",
		fmt.Sprintf("%s executed for %d users (action %s)",
			action.ActionType, len(action.AffectedUserIDs), action.ID))
	return action, nil
}

func (s *service) invoke(ctx context.Context, action *containment.Action) error {
	reason := fmt.Sprintf("automated containment %s", action.ID)
	switch action.ActionType {
	case containment.ActionLockAccounts:
		return s.capabilities.LockAccounts(ctx, action.AffectedUserIDs, reason)
	case containment.ActionRevokeSessions:
		return s.capabilities.RevokeSessions(ctx, action.AffectedUserIDs, reason)
	case containment.ActionRequire2FA:
		return s.capabilities.Require2FA(ctx, action.AffectedUserIDs, time.Now().Add(s.cfg.TwoFactorExpiry))
	case containment.ActionRestrictPermissions:
		return s.capabilities.RestrictPermissions(ctx, action.AffectedUserIDs, reason)
	case containment.ActionMonitorOnly:
		return nil
	default:
		return fmt.Errorf("unsupported action type %s", action.ActionType)
	}
}

// Reverse undoes an executed, reversible action. The guards are validated
// before any mutation; the inverse capability runs before the record is
// stamped so a capability failure leaves the action EXECUTED.
func (s *service) Reverse(ctx context.Context, actionID uuid.UUID, analystID, reason string) (*containment.Action, error) {
	action, err := s.actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !action.IsReversible {
		return nil, errors.ErrNotReversible
	}
	if action.Status != containment.StatusExecuted {
		return nil, errors.ErrNotExecuted
	}

	if err := s.invokeInverse(ctx, action); err != nil {
		return nil, errors.NewExternalError("account capabilities",
			"containment reversal failed").WithCause(err)
	}
	if err := action.Reverse(analystID, reason); err != nil {
		return nil, err
	}
	if err := s.actions.Save(ctx, action); err != nil {
		return nil, err
	}
	s.notify(ctx, "containment reversed",
		fmt.Sprintf("%s reversed by %s: %s", action.ActionType, analystID, reason))
	return action, nil
}

func (s *service) invokeInverse(ctx context.Context, action *containment.Action) error {
	reason := fmt.Sprintf("containment %s reversed", action.ID)
	switch action.ActionType {
	case containment.ActionLockAccounts:
		return s.capabilities.UnlockAccounts(ctx, action.AffectedUserIDs, reason)
	case containment.ActionRequire2FA:
		return s.capabilities.Drop2FARequirement(ctx, action.AffectedUserIDs)
	case containment.ActionRestrictPermissions:
		return s.capabilities.RestorePermissions(ctx, action.AffectedUserIDs)
	default:
		return fmt.Errorf("action type %s has no inverse capability", action.ActionType)
	}
}

// Cancel withdraws a not-yet-executed action.
func (s *service) Cancel(ctx context.Context, actionID uuid.UUID, analystID string) (*containment.Action, error) {
	action, err := s.actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := action.Cancel(analystID); err != nil {
		return nil, err
	}
	if err := s.actions.Save(ctx, action); err != nil {
		return nil, err
	}
	return action, nil
}

// RunAutoExecution executes every action eligible for unattended execution.
func (s *service) RunAutoExecution(ctx context.Context) (int, error) {
	eligible, err := s.actions.ListPendingAutoExecute(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	executed := 0
	for _, action := range eligible {
		if _, err := s.executeAction(ctx, action); err != nil {
			s.logger.Error("auto-execution failed",
				zap.String("action_id", action.ID.String()),
				zap.Error(err))
			continue
		}
		executed++
	}
	return executed, nil
}

// RevokeIncidentSessions mass-revokes sessions for every user tied to an
// incident.
func (s *service) RevokeIncidentSessions(ctx context.Context, incidentID uuid.UUID, analystID string) error {
	if s.incidents == nil {
		return errors.NewInternalError("incident source not configured")
	}
	userIDs, err := s.incidents.UsersForIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}
	reason := fmt.Sprintf("mass revocation for incident %s by %s", incidentID, analystID)
	if err := s.capabilities.RevokeSessions(ctx, userIDs, reason); err != nil {
		return errors.NewExternalError("account capabilities", "session revocation failed").WithCause(err)
	}
	s.notify(ctx, "incident sessions revoked",
		fmt.Sprintf("%d users' sessions revoked for incident %s", len(userIDs), incidentID))
	return nil
}

// IsContained reports whether a user is covered by an executed restrictive
// action.
func (s *service) IsContained(ctx context.Context, userID uuid.UUID) (bool, error) {
	actions, err := s.actions.ListExecutedByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		switch a.ActionType {
		case containment.ActionLockAccounts, containment.ActionRestrictPermissions:
			return true, nil
		}
	}
	return false, nil
}

func (s *service) notify(ctx context.Context, subject, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifySecurityOps(ctx, subject, body); err != nil {
		s.logger.Warn("security ops notification failed", zap.Error(err))
	}
}
