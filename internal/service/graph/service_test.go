package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/repository"
	"github.com/ledgerline/account-security-engine/internal/service/graph"
	"github.com/ledgerline/account-security-engine/internal/testutil/fixtures"
)

// staticEnricher resolves every IP to a fixed ASN. Empty string disables
// enrichment, matching the production fallback.
type staticEnricher struct{ asn string }

func (e staticEnricher) ASNForIP(context.Context, string) string { return e.asn }

type graphFixture struct {
	svc           graph.Service
	entities      *repository.InMemoryEntityRepository
	relationships *repository.InMemoryRelationshipRepository
	incidents     *repository.InMemoryIncidentRepository
	events        *repository.InMemoryEventStore
}

func newGraphFixture(t *testing.T, enricher graph.Enricher) *graphFixture {
	t.Helper()
	f := &graphFixture{
		entities:      repository.NewInMemoryEntityRepository(),
		relationships: repository.NewInMemoryRelationshipRepository(),
		incidents:     repository.NewInMemoryIncidentRepository(),
		events:        repository.NewInMemoryEventStore(),
	}
	f.svc = graph.NewService(
		f.entities, f.relationships, f.incidents, f.events,
		enricher, zap.NewNop(), nil, graph.DefaultConfig())
	return f
}

func TestProcessEventBuildsGraph(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	evt := fixtures.NewEventBuilder(t).
		WithDevice("fp-1").
		WithRiskScore(40).
		Build()
	require.NoError(t, f.svc.ProcessEvent(ctx, evt))

	ip, err := f.entities.FindByKey(ctx, entity.TypeIP, evt.IPAddress)
	require.NoError(t, err)
	assert.Equal(t, 1, ip.Stats.TotalEvents)
	assert.Equal(t, 40.0, ip.RiskScore)

	user, err := f.entities.FindByKey(ctx, entity.TypeUser, evt.UserID.String())
	require.NoError(t, err)

	device, err := f.entities.FindByKey(ctx, entity.TypeDeviceFingerprint, "fp-1")
	require.NoError(t, err)

	// ip, device, user_agent and user pair off into six mapped edge types.
	edges, err := f.relationships.ListByEntity(ctx, ip.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	edges, err = f.relationships.ListByEntity(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	edges, err = f.relationships.ListByEntity(ctx, device.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 3)
}

func TestProcessEventIsIdempotentOnEvidence(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	evt := fixtures.NewEventBuilder(t).Build()
	require.NoError(t, f.svc.ProcessEvent(ctx, evt))
	require.NoError(t, f.svc.ProcessEvent(ctx, evt))

	ip, err := f.entities.FindByKey(ctx, entity.TypeIP, evt.IPAddress)
	require.NoError(t, err)

	edges, err := f.relationships.ListByEntity(ctx, ip.ID)
	require.NoError(t, err)
	require.NotEmpty(t, edges)
	for _, edge := range edges {
		assert.Len(t, edge.Evidence, 1)
		assert.Equal(t, 1.0, edge.Weight)
	}
}

func TestProcessEventEnrichment(t *testing.T) {
	f := newGraphFixture(t, staticEnricher{asn: "AS64500"})
	ctx := context.Background()

	evt := fixtures.NewEventBuilder(t).Build()
	require.NoError(t, f.svc.ProcessEvent(ctx, evt))

	asn, err := f.entities.FindByKey(ctx, entity.TypeASN, "AS64500")
	require.NoError(t, err)

	edges, err := f.relationships.ListByEntity(ctx, asn.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2) // ASN pairs with the IP and the targeted user
}

func TestTraverseFrom(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	evt := fixtures.NewEventBuilder(t).WithDevice("fp-1").Build()
	require.NoError(t, f.svc.ProcessEvent(ctx, evt))

	ip, err := f.entities.FindByKey(ctx, entity.TypeIP, evt.IPAddress)
	require.NoError(t, err)

	view, err := f.svc.TraverseFrom(ctx, ip.ID, 0)
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 4)
	assert.Len(t, view.Edges, 6)

	for _, n := range view.Nodes {
		if n.ID == ip.ID {
			assert.Equal(t, 0, n.Depth)
		} else {
			assert.Equal(t, 1, n.Depth)
		}
	}
}

func TestBlocklistEntity(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	evt := fixtures.NewEventBuilder(t).Build()
	require.NoError(t, f.svc.ProcessEvent(ctx, evt))

	ip, err := f.entities.FindByKey(ctx, entity.TypeIP, evt.IPAddress)
	require.NoError(t, err)

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, f.svc.BlocklistEntity(ctx, ip.ID, "stuffing source", &expiry))

	stored, err := f.entities.GetByID(ctx, ip.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsBlockActive(time.Now()))
	assert.Equal(t, "stuffing source", stored.Blocklist.Reason)
}

func TestValidateIncidentAndPrecisionReport(t *testing.T) {
	f := newGraphFixture(t, nil)
	ctx := context.Background()

	inc := incident.New(incident.TypeRapidBurstAttack, event.SeverityCritical, 90)
	require.NoError(t, f.incidents.Save(ctx, inc))

	require.NoError(t, f.svc.ValidateIncident(ctx, inc.ID, true))
	require.NoError(t, f.svc.ValidateIncident(ctx, inc.ID, true))
	require.NoError(t, f.svc.ValidateIncident(ctx, inc.ID, false))

	report, err := f.svc.PrecisionReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TruePositives)
	assert.Equal(t, 1, report.FalsePositives)
	assert.InDelta(t, 2.0/3.0, report.Precision, 0.001)
}
