package containment

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	clusterID := uuid.New()
	users := []uuid.UUID{uuid.New(), uuid.New()}

	t.Run("auto-executable action gets an execution stamp", func(t *testing.T) {
		a := New(clusterID, ActionRevokeSessions, users, false, false)

		assert.Equal(t, StatusPending, a.Status)
		assert.Equal(t, clusterID, a.ClusterID)
		assert.Equal(t, users, a.AffectedUserIDs)
		assert.False(t, a.RequiresAnalystApproval)
		require.NotNil(t, a.AutoExecuteAt)
		assert.True(t, a.CanAutoExecute(time.Now()))
	})

	t.Run("approval-gated action never auto-executes", func(t *testing.T) {
		a := New(clusterID, ActionLockAccounts, users, true, true)

		assert.True(t, a.RequiresAnalystApproval)
		assert.Nil(t, a.AutoExecuteAt)
		assert.False(t, a.CanAutoExecute(time.Now()))
	})

	t.Run("user slice is copied", func(t *testing.T) {
		src := []uuid.UUID{uuid.New()}
		a := New(clusterID, ActionMonitorOnly, src, false, false)
		src[0] = uuid.New()
		assert.NotEqual(t, src[0], a.AffectedUserIDs[0])
	})
}

func TestActionApprove(t *testing.T) {
	a := New(uuid.New(), ActionLockAccounts, nil, true, true)

	require.NoError(t, a.Approve("analyst-1"))
	assert.Equal(t, StatusApproved, a.Status)
	assert.Equal(t, "analyst-1", a.ApprovedBy)
	assert.True(t, a.CanExecute())

	err := a.Approve("analyst-2")
	require.Error(t, err)
	assert.Equal(t, "analyst-1", a.ApprovedBy)
}

func TestActionMarkFailed(t *testing.T) {
	a := New(uuid.New(), ActionRevokeSessions, nil, false, false)
	a.MarkFailed(fmt.Errorf("capability unavailable"))

	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "capability unavailable", a.Error)
	assert.Equal(t, 1, a.RetryCount)
	assert.True(t, a.Status.IsTerminal())
}

func TestActionReverse(t *testing.T) {
	t.Run("executed reversible action reverses", func(t *testing.T) {
		a := New(uuid.New(), ActionRequire2FA, nil, false, true)
		a.MarkExecuted("applied")

		require.NoError(t, a.Reverse("analyst-1", "false positive"))
		assert.Equal(t, StatusReversed, a.Status)
		assert.Equal(t, "analyst-1", a.ReversedBy)
		assert.Equal(t, "false positive", a.ReverseReason)
		require.NotNil(t, a.ReversedAt)
	})

	t.Run("irreversible action is rejected", func(t *testing.T) {
		a := New(uuid.New(), ActionRevokeSessions, nil, false, false)
		a.MarkExecuted("applied")
		assert.Error(t, a.Reverse("analyst-1", "oops"))
		assert.Equal(t, StatusExecuted, a.Status)
	})

	t.Run("pending action is rejected", func(t *testing.T) {
		a := New(uuid.New(), ActionLockAccounts, nil, true, true)
		assert.Error(t, a.Reverse("analyst-1", "oops"))
		assert.Equal(t, StatusPending, a.Status)
	})
}

func TestActionCancel(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*Action)
		wantErr bool
	}{
		{name: "pending cancels", prepare: func(a *Action) {}},
		{name: "approved cancels", prepare: func(a *Action) {
			_ = a.Approve("analyst-1")
		}},
		{name: "executed does not cancel", prepare: func(a *Action) {
			a.MarkExecuted("done")
		}, wantErr: true},
		{name: "failed does not cancel", prepare: func(a *Action) {
			a.MarkFailed(fmt.Errorf("boom"))
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(uuid.New(), ActionLockAccounts, nil, true, true)
			tt.prepare(a)

			err := a.Cancel("analyst-2")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, a.Status)
			assert.Equal(t, "analyst-2", a.CancelledBy)
		})
	}
}

func TestActionSupersede(t *testing.T) {
	t.Run("executed monitoring is retired", func(t *testing.T) {
		a := New(uuid.New(), ActionMonitorOnly, nil, false, false)
		a.MarkExecuted("monitoring")

		require.NoError(t, a.Supersede())
		assert.Equal(t, StatusCancelled, a.Status)
		assert.Equal(t, "system", a.CancelledBy)
		assert.True(t, a.Status.IsTerminal())
	})

	t.Run("pending monitoring is retired", func(t *testing.T) {
		a := New(uuid.New(), ActionMonitorOnly, nil, false, false)
		require.NoError(t, a.Supersede())
		assert.Equal(t, StatusCancelled, a.Status)
	})

	t.Run("restrictive action is rejected", func(t *testing.T) {
		a := New(uuid.New(), ActionLockAccounts, nil, true, true)
		assert.Error(t, a.Supersede())
		assert.Equal(t, StatusPending, a.Status)
	})

	t.Run("retired monitoring is not retired twice", func(t *testing.T) {
		a := New(uuid.New(), ActionMonitorOnly, nil, false, false)
		a.MarkExecuted("monitoring")
		require.NoError(t, a.Supersede())
		assert.Error(t, a.Supersede())
	})
}

func TestActionTypeReversible(t *testing.T) {
	tests := []struct {
		actionType ActionType
		reversible bool
		inverse    string
	}{
		{ActionLockAccounts, true, "unlock_accounts"},
		{ActionRequire2FA, true, "drop_2fa_requirement"},
		{ActionRestrictPermissions, true, "restore_permissions"},
		{ActionIPBlock, true, "unblock_ip"},
		{ActionDeviceBlock, true, "unblock_device"},
		{ActionRevokeSessions, false, ""},
		{ActionMonitorOnly, false, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.actionType), func(t *testing.T) {
			assert.Equal(t, tt.reversible, tt.actionType.Reversible())
			assert.Equal(t, tt.inverse, tt.actionType.InverseCapability())
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusApproved.IsTerminal())
	assert.False(t, StatusExecuted.IsTerminal())
	assert.True(t, StatusReversed.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}
