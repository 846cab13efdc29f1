package graph_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
	"github.com/ledgerline/account-security-engine/internal/service/graph"
	"github.com/ledgerline/account-security-engine/internal/testutil/fixtures"
)

func TestAnalyzeWindowCredentialStuffing(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	// One user hammered from five distinct IPs, spread over five hours so no
	// burst fires.
	userID := uuid.New()
	now := time.Now()
	for i := 0; i < 5; i++ {
		evt := fixtures.NewEventBuilder(t).
			WithUserID(userID).
			WithIP(fmt.Sprintf("203.0.113.%d", 10+i)).
			WithCreatedAt(now.Add(-time.Duration(5-i) * time.Hour)).
			Build()
		require.NoError(t, f.events.Save(ctx, evt))
	}

	incidents, err := f.svc.AnalyzeWindow(ctx)
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, incident.TypeDistributedCredentialStuffing, inc.IncidentType)
	assert.Equal(t, 70.0, inc.ConfidenceScore)
	assert.Equal(t, 5, inc.CampaignMetrics.UniqueIPs)
	assert.Equal(t, 1, inc.CampaignMetrics.UniqueUsers)
	assert.Len(t, inc.Evidence.EventIDs, 5)
	require.NotEmpty(t, inc.Reasoning)
}

func TestAnalyzeWindowBurstAttack(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	// Ten failures from one IP inside two minutes.
	userID := uuid.New()
	now := time.Now()
	for i := 0; i < 10; i++ {
		evt := fixtures.NewEventBuilder(t).
			WithUserID(userID).
			WithCreatedAt(now.Add(-2*time.Minute + time.Duration(i)*10*time.Second)).
			Build()
		require.NoError(t, f.events.Save(ctx, evt))
	}

	incidents, err := f.svc.AnalyzeWindow(ctx)
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, incident.TypeRapidBurstAttack, inc.IncidentType)
	assert.Equal(t, 90.0, inc.ConfidenceScore)
	assert.Equal(t, incident.VelocityBurst, inc.CampaignMetrics.AttackVelocity)
}

func TestAnalyzeWindowFirstIncidentOnEmptyLedger(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	// Twelve failures from one IP inside five minutes, against an incident
	// ledger with no prior incident of any type.
	userID := uuid.New()
	now := time.Now()
	for i := 0; i < 12; i++ {
		evt := fixtures.NewEventBuilder(t).
			WithUserID(userID).
			WithIP("198.51.100.7").
			WithCreatedAt(now.Add(-5*time.Minute + time.Duration(i)*20*time.Second)).
			Build()
		require.NoError(t, f.events.Save(ctx, evt))
	}

	incidents, err := f.svc.AnalyzeWindow(ctx)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, incident.TypeRapidBurstAttack, incidents[0].IncidentType)
	assert.Equal(t, event.SeverityCritical, incidents[0].Severity)

	stored, err := f.incidents.List(ctx, graph.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, incidents[0].ID, stored[0].ID)
}

func TestAnalyzeWindowIncidentDedup(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	userID := uuid.New()
	now := time.Now()
	for i := 0; i < 5; i++ {
		evt := fixtures.NewEventBuilder(t).
			WithUserID(userID).
			WithIP(fmt.Sprintf("203.0.113.%d", 10+i)).
			WithCreatedAt(now.Add(-time.Duration(5-i) * time.Hour)).
			Build()
		require.NoError(t, f.events.Save(ctx, evt))
	}

	first, err := f.svc.AnalyzeWindow(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second pass over the same window absorbs into the open incident
	// instead of duplicating it.
	second, err := f.svc.AnalyzeWindow(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Len(t, second[0].Evidence.EventIDs, 5)
}

func TestAnalyzeWindowIgnoresLowSignalEvents(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	// Successful low-risk logins never enter the detection window.
	now := time.Now()
	for i := 0; i < 20; i++ {
		evt := fixtures.NewEventBuilder(t).
			WithType("login_success").
			WithRiskScore(5).
			WithCreatedAt(now.Add(-time.Duration(i) * time.Minute)).
			Build()
		require.NoError(t, f.events.Save(ctx, evt))
	}

	incidents, err := f.svc.AnalyzeWindow(ctx)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}
