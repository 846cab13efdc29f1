package containment_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domain "github.com/ledgerline/account-security-engine/internal/domain/containment"
	corrdomain "github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/repository"
	"github.com/ledgerline/account-security-engine/internal/service/containment"
)

// fakeCapabilities records capability invocations and fails on demand.
type fakeCapabilities struct {
	calls []string
	fail  map[string]error
}

func (c *fakeCapabilities) record(name string) error {
	c.calls = append(c.calls, name)
	return c.fail[name]
}

func (c *fakeCapabilities) count(name string) int {
	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}
	return n
}

func (c *fakeCapabilities) LockAccounts(context.Context, []uuid.UUID, string) error {
	return c.record("lock_accounts")
}
func (c *fakeCapabilities) UnlockAccounts(context.Context, []uuid.UUID, string) error {
	return c.record("unlock_accounts")
}
func (c *fakeCapabilities) RevokeSessions(context.Context, []uuid.UUID, string) error {
	return c.record("revoke_sessions")
}
func (c *fakeCapabilities) Require2FA(context.Context, []uuid.UUID, time.Time) error {
	return c.record("require_2fa")
}
func (c *fakeCapabilities) Drop2FARequirement(context.Context, []uuid.UUID) error {
	return c.record("drop_2fa_requirement")
}
func (c *fakeCapabilities) RestrictPermissions(context.Context, []uuid.UUID, string) error {
	return c.record("restrict_permissions")
}
func (c *fakeCapabilities) RestorePermissions(context.Context, []uuid.UUID) error {
	return c.record("restore_permissions")
}

// fakeNotifier records security-ops subjects.
type fakeNotifier struct {
	subjects []string
}

func (n *fakeNotifier) NotifySecurityOps(_ context.Context, subject, _ string) error {
	n.subjects = append(n.subjects, subject)
	return nil
}

// fakeIncidentUsers is a scripted IncidentUserSource.
type fakeIncidentUsers struct {
	users []uuid.UUID
}

func (s *fakeIncidentUsers) UsersForIncident(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return s.users, nil
}

type containmentFixture struct {
	svc          containment.Service
	actions      *repository.InMemoryActionRepository
	capabilities *fakeCapabilities
	notifier     *fakeNotifier
	incidents    *fakeIncidentUsers
}

func newContainmentFixture(t *testing.T) *containmentFixture {
	t.Helper()
	f := &containmentFixture{
		actions:      repository.NewInMemoryActionRepository(),
		capabilities: &fakeCapabilities{fail: map[string]error{}},
		notifier:     &fakeNotifier{},
		incidents:    &fakeIncidentUsers{},
	}
	f.svc = containment.NewService(
		f.actions, f.capabilities, f.notifier, f.incidents,
		zap.NewNop(), nil, containment.DefaultConfig())
	return f
}

func cluster(clusterType corrdomain.Type, severity corrdomain.Severity, userCount int) *corrdomain.Cluster {
	users := make([]uuid.UUID, userCount)
	for i := range users {
		users[i] = uuid.New()
	}
	return corrdomain.NewCluster(corrdomain.Detection{
		Type:           clusterType,
		CorrelationKey: "203.0.113.10",
		UserIDs:        users,
		Severity:       severity,
		DetectedAt:     time.Now(),
	})
}

func TestEscalateDecisionTable(t *testing.T) {
	tests := []struct {
		name       string
		cluster    *corrdomain.Cluster
		wantType   domain.ActionType
		wantStatus domain.Status
		wantCall   string
	}{
		{
			name:       "critical device reuse awaits approval",
			cluster:    cluster(corrdomain.TypeDeviceReuse, corrdomain.SeverityCritical, 2),
			wantType:   domain.ActionLockAccounts,
			wantStatus: domain.StatusPending,
		},
		{
			name:       "critical escalation revokes sessions immediately",
			cluster:    cluster(corrdomain.TypePrivilegeEscalation, corrdomain.SeverityCritical, 2),
			wantType:   domain.ActionRevokeSessions,
			wantStatus: domain.StatusExecuted,
			wantCall:   "revoke_sessions",
		},
		{
			name:       "wide critical ip cluster imposes 2fa",
			cluster:    cluster(corrdomain.TypeIPBased, corrdomain.SeverityCritical, 5),
			wantType:   domain.ActionRequire2FA,
			wantStatus: domain.StatusExecuted,
			wantCall:   "require_2fa",
		},
		{
			name:       "everything else monitors",
			cluster:    cluster(corrdomain.TypeIPBased, corrdomain.SeverityHigh, 3),
			wantType:   domain.ActionMonitorOnly,
			wantStatus: domain.StatusExecuted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newContainmentFixture(t)
			action, err := f.svc.Escalate(context.Background(), tt.cluster)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, action.ActionType)
			assert.Equal(t, tt.wantStatus, action.Status)
			if tt.wantCall != "" {
				assert.Equal(t, 1, f.capabilities.count(tt.wantCall))
			} else {
				assert.Empty(t, f.capabilities.calls)
			}
		})
	}
}

func TestEscalateSingleFlight(t *testing.T) {
	f := newContainmentFixture(t)
	ctx := context.Background()
	c := cluster(corrdomain.TypeDeviceReuse, corrdomain.SeverityCritical, 2)

	first, err := f.svc.Escalate(ctx, c)
	require.NoError(t, err)
	second, err := f.svc.Escalate(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.notifier.subjects, 1)
}

func TestEscalateSupersedesMonitoring(t *testing.T) {
	f := newContainmentFixture(t)
	ctx := context.Background()

	// A high IP cluster only warrants monitoring, which auto-executes.
	c := cluster(corrdomain.TypeIPBased, corrdomain.SeverityHigh, 3)
	monitor, err := f.svc.Escalate(ctx, c)
	require.NoError(t, err)
	require.Equal(t, domain.ActionMonitorOnly, monitor.ActionType)
	require.Equal(t, domain.StatusExecuted, monitor.Status)

	// The cluster grows to five users and turns critical. The executed
	// monitoring record must not pin the cluster below the 2FA threshold.
	c.Merge(corrdomain.Detection{
		Type:           corrdomain.TypeIPBased,
		CorrelationKey: c.CorrelationKey,
		UserIDs:        []uuid.UUID{uuid.New(), uuid.New()},
		Severity:       corrdomain.SeverityCritical,
		DetectedAt:     time.Now(),
	})
	require.Equal(t, 5, c.UserCount())

	stronger, err := f.svc.Escalate(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRequire2FA, stronger.ActionType)
	assert.Equal(t, domain.StatusExecuted, stronger.Status)
	assert.Equal(t, 1, f.capabilities.count("require_2fa"))

	retired, err := f.actions.GetByID(ctx, monitor.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, retired.Status)
	assert.Equal(t, "system", retired.CancelledBy)

	// Re-escalating the same cluster reuses the open 2FA action.
	again, err := f.svc.Escalate(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, stronger.ID, again.ID)
	assert.Equal(t, 1, f.capabilities.count("require_2fa"))
}

func TestApproveExecutes(t *testing.T) {
	f := newContainmentFixture(t)
	ctx := context.Background()

	action, err := f.svc.Escalate(ctx, cluster(corrdomain.TypeDeviceReuse, corrdomain.SeverityCritical, 2))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, action.Status)

	approved, err := f.svc.Approve(ctx, action.ID, "analyst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, approved.Status)
	assert.Equal(t, "analyst-1", approved.ApprovedBy)
	assert.Equal(t, 1, f.capabilities.count("lock_accounts"))
}

func TestExecuteCapabilityFailure(t *testing.T) {
	f := newContainmentFixture(t)
	f.capabilities.fail["revoke_sessions"] = fmt.Errorf("platform timeout")
	ctx := context.Background()

	// A failed capability is captured on the record, not surfaced as a
	// detection-path error.
	action, err := f.svc.Escalate(ctx, cluster(corrdomain.TypePrivilegeEscalation, corrdomain.SeverityCritical, 2))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, action.Status)
	assert.Contains(t, action.Error, "platform timeout")
	assert.Contains(t, f.notifier.subjects, "containment execution failed")
}

func TestReverse(t *testing.T) {
	ctx := context.Background()

	t.Run("executed 2fa requirement is dropped", func(t *testing.T) {
		f := newContainmentFixture(t)
		action, err := f.svc.Escalate(ctx, cluster(corrdomain.TypeIPBased, corrdomain.SeverityCritical, 5))
		require.NoError(t, err)
		require.Equal(t, domain.StatusExecuted, action.Status)

		reversed, err := f.svc.Reverse(ctx, action.ID, "analyst-1", "false positive")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReversed, reversed.Status)
		assert.Equal(t, 1, f.capabilities.count("drop_2fa_requirement"))
	})

	t.Run("approved lock is unlocked on reversal", func(t *testing.T) {
		f := newContainmentFixture(t)
		action, err := f.svc.Escalate(ctx, cluster(corrdomain.TypeDeviceReuse, corrdomain.SeverityCritical, 2))
		require.NoError(t, err)
		_, err = f.svc.Approve(ctx, action.ID, "analyst-1")
		require.NoError(t, err)

		reversed, err := f.svc.Reverse(ctx, action.ID, "analyst-2", "trusted household")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReversed, reversed.Status)
		assert.Equal(t, "analyst-2", reversed.ReversedBy)
		assert.Equal(t, "trusted household", reversed.ReverseReason)
		require.NotNil(t, reversed.ReversedAt)
		assert.Equal(t, 1, f.capabilities.count("unlock_accounts"))
	})

	t.Run("monitoring has nothing to reverse", func(t *testing.T) {
		f := newContainmentFixture(t)
		action, err := f.svc.Escalate(ctx, cluster(corrdomain.TypeIPBased, corrdomain.SeverityHigh, 3))
		require.NoError(t, err)

		_, err = f.svc.Reverse(ctx, action.ID, "analyst-1", "oops")
		assert.ErrorIs(t, err, errors.ErrNotReversible)
	})

	t.Run("pending action is not reversible yet", func(t *testing.T) {
		f := newContainmentFixture(t)
		action, err := f.svc.Escalate(ctx, cluster(corrdomain.TypeDeviceReuse, corrdomain.SeverityCritical, 2))
		require.NoError(t, err)

		_, err = f.svc.Reverse(ctx, action.ID, "analyst-1", "oops")
		assert.ErrorIs(t, err, errors.ErrNotExecuted)
	})

	t.Run("inverse capability failure leaves the action executed", func(t *testing.T) {
		f := newContainmentFixture(t)
		f.capabilities.fail["drop_2fa_requirement"] = fmt.Errorf("platform timeout")

		action, err := f.svc.Escalate(ctx, cluster(corrdomain.TypeIPBased, corrdomain.SeverityCritical, 5))
		require.NoError(t, err)

		_, err = f.svc.Reverse(ctx, action.ID, "analyst-1", "false positive")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))

		stored, err := f.actions.GetByID(ctx, action.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExecuted, stored.Status)
	})
}

func TestCancel(t *testing.T) {
	f := newContainmentFixture(t)
	ctx := context.Background()

	action, err := f.svc.Escalate(ctx, cluster(corrdomain.TypeDeviceReuse, corrdomain.SeverityCritical, 2))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, action.ID, "analyst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Empty(t, f.capabilities.calls)
}

func TestRunAutoExecution(t *testing.T) {
	f := newContainmentFixture(t)
	ctx := context.Background()

	pending := domain.New(uuid.New(), domain.ActionRevokeSessions, []uuid.UUID{uuid.New()}, false, false)
	require.NoError(t, f.actions.Save(ctx, pending))

	gated := domain.New(uuid.New(), domain.ActionLockAccounts, []uuid.UUID{uuid.New()}, true, true)
	require.NoError(t, f.actions.Save(ctx, gated))

	executed, err := f.svc.RunAutoExecution(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, f.capabilities.count("revoke_sessions"))

	stored, err := f.actions.GetByID(ctx, gated.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestIsContained(t *testing.T) {
	f := newContainmentFixture(t)
	ctx := context.Background()

	lockedUser := uuid.New()
	lock := domain.New(uuid.New(), domain.ActionLockAccounts, []uuid.UUID{lockedUser}, false, true)
	lock.MarkExecuted("applied")
	require.NoError(t, f.actions.Save(ctx, lock))

	gatedUser := uuid.New()
	twoFA := domain.New(uuid.New(), domain.ActionRequire2FA, []uuid.UUID{gatedUser}, false, true)
	twoFA.MarkExecuted("applied")
	require.NoError(t, f.actions.Save(ctx, twoFA))

	contained, err := f.svc.IsContained(ctx, lockedUser)
	require.NoError(t, err)
	assert.True(t, contained)

	// A 2FA requirement restricts the login path, not the account itself.
	contained, err = f.svc.IsContained(ctx, gatedUser)
	require.NoError(t, err)
	assert.False(t, contained)

	contained, err = f.svc.IsContained(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, contained)
}

func TestRevokeIncidentSessions(t *testing.T) {
	f := newContainmentFixture(t)
	ctx := context.Background()

	t.Run("no users is a no-op", func(t *testing.T) {
		require.NoError(t, f.svc.RevokeIncidentSessions(ctx, uuid.New(), "analyst-1"))
		assert.Empty(t, f.capabilities.calls)
	})

	t.Run("all incident users are revoked", func(t *testing.T) {
		f.incidents.users = []uuid.UUID{uuid.New(), uuid.New()}
		require.NoError(t, f.svc.RevokeIncidentSessions(ctx, uuid.New(), "analyst-1"))
		assert.Equal(t, 1, f.capabilities.count("revoke_sessions"))
		assert.Contains(t, f.notifier.subjects, "incident sessions revoked")
	})
}
