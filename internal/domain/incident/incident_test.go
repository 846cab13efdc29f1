package incident

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/account-security-engine/internal/domain/event"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusInvestigating, true},
		{StatusInvestigating, StatusConfirmed, true},
		{StatusConfirmed, StatusMitigated, true},
		{StatusMitigated, StatusResolved, true},
		{StatusNew, StatusConfirmed, false},
		{StatusNew, StatusResolved, false},
		{StatusConfirmed, StatusInvestigating, false},
		{StatusNew, StatusFalsePositive, true},
		{StatusMitigated, StatusFalsePositive, true},
		{StatusResolved, StatusFalsePositive, false},
		{StatusResolved, StatusInvestigating, false},
		{StatusFalsePositive, StatusInvestigating, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	t.Run("resolution stamps time to resolution", func(t *testing.T) {
		inc := New(TypeRapidBurstAttack, event.SeverityCritical, 90)
		require.NoError(t, inc.UpdateStatus(StatusInvestigating))
		require.NoError(t, inc.UpdateStatus(StatusConfirmed))
		require.NoError(t, inc.UpdateStatus(StatusMitigated))
		require.NoError(t, inc.UpdateStatus(StatusResolved))

		require.NotNil(t, inc.ResolvedAt)
		assert.GreaterOrEqual(t, inc.TimeToResolution, time.Duration(0))
	})

	t.Run("skipping states is rejected", func(t *testing.T) {
		inc := New(TypeRapidBurstAttack, event.SeverityCritical, 90)
		err := inc.UpdateStatus(StatusResolved)
		require.Error(t, err)
		assert.Equal(t, StatusNew, inc.Status)
	})
}

func TestAssignTo(t *testing.T) {
	inc := New(TypeCoordinatedAttack, event.SeverityHigh, 70)
	require.NoError(t, inc.AssignTo("analyst-1"))
	assert.Equal(t, "analyst-1", inc.AssignedTo)
	assert.Equal(t, StatusInvestigating, inc.Status)

	// Re-assignment does not move the status again.
	require.NoError(t, inc.AssignTo("analyst-2"))
	assert.Equal(t, StatusInvestigating, inc.Status)

	require.NoError(t, inc.UpdateStatus(StatusFalsePositive))
	assert.Error(t, inc.AssignTo("analyst-3"))
}

func TestMergeEvidence(t *testing.T) {
	inc := New(TypeDistributedCredentialStuffing, event.SeverityMedium, 60)
	e1, e2 := uuid.New(), uuid.New()
	inc.Evidence = Evidence{EventIDs: []uuid.UUID{e1}}

	t.Run("event ids dedup", func(t *testing.T) {
		inc.MergeEvidence(Evidence{EventIDs: []uuid.UUID{e1, e2}}, 50, event.SeverityLow, nil)
		assert.Equal(t, []uuid.UUID{e1, e2}, inc.Evidence.EventIDs)
	})

	t.Run("confidence and severity only rise", func(t *testing.T) {
		assert.Equal(t, 60.0, inc.ConfidenceScore)
		assert.Equal(t, event.SeverityMedium, inc.Severity)

		reasons := []Reason{{Reason: "more IPs", Weight: 1}}
		inc.MergeEvidence(Evidence{}, 80, event.SeverityCritical, reasons)
		assert.Equal(t, 80.0, inc.ConfidenceScore)
		assert.Equal(t, event.SeverityCritical, inc.Severity)
		assert.Equal(t, reasons, inc.Reasoning)
	})

	t.Run("status untouched", func(t *testing.T) {
		assert.Equal(t, StatusNew, inc.Status)
	})
}

func TestValidate(t *testing.T) {
	inc := New(TypeLowAndSlowAttack, event.SeverityMedium, 60)

	inc.Validate(true)
	inc.Validate(true)
	inc.Validate(false)

	assert.Equal(t, 2, inc.Validation.TruePositives)
	assert.Equal(t, 1, inc.Validation.FalsePositives)
	require.NotNil(t, inc.Validation.LastValidatedAt)
	assert.Equal(t, StatusNew, inc.Status)
}

func TestSeverityForConfidence(t *testing.T) {
	assert.Equal(t, event.SeverityCritical, SeverityForConfidence(85))
	assert.Equal(t, event.SeverityHigh, SeverityForConfidence(65))
	assert.Equal(t, event.SeverityMedium, SeverityForConfidence(45))
	assert.Equal(t, event.SeverityLow, SeverityForConfidence(20))
}
