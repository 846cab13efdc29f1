package correlation_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	corrdomain "github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/repository"
	"github.com/ledgerline/account-security-engine/internal/service/correlation"
	"github.com/ledgerline/account-security-engine/internal/testutil/fixtures"
)

// recordingEscalator captures clusters handed to containment.
type recordingEscalator struct {
	clusters []*corrdomain.Cluster
}

func (e *recordingEscalator) Escalate(_ context.Context, c *corrdomain.Cluster) error {
	e.clusters = append(e.clusters, c)
	return nil
}

// fakeChecker is a scripted ContainmentChecker.
type fakeChecker struct {
	contained bool
	err       error
}

func (c *fakeChecker) IsContained(context.Context, uuid.UUID) (bool, error) {
	return c.contained, c.err
}

type correlationFixture struct {
	svc         correlation.Service
	clusters    *repository.InMemoryClusterRepository
	sessions    *repository.InMemorySessionStore
	predictions *repository.InMemoryPredictionStore
	events      *repository.InMemoryEventStore
	trust       *repository.InMemoryTrustStore
	escalator   *recordingEscalator
}

func newCorrelationFixture(t *testing.T) *correlationFixture {
	t.Helper()
	f := &correlationFixture{
		clusters:    repository.NewInMemoryClusterRepository(),
		sessions:    repository.NewInMemorySessionStore(),
		predictions: repository.NewInMemoryPredictionStore(),
		events:      repository.NewInMemoryEventStore(),
		trust:       repository.NewInMemoryTrustStore(),
		escalator:   &recordingEscalator{},
	}
	f.svc = correlation.NewService(
		f.clusters, f.clusters, f.sessions, f.predictions, f.events, f.trust,
		nil, f.escalator, nil, zap.NewNop(), nil, correlation.DefaultConfig())
	return f
}

func (f *correlationFixture) saveFailures(t *testing.T, ip string, users ...uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	for _, u := range users {
		evt := fixtures.NewEventBuilder(t).WithUserID(u).WithIP(ip).Build()
		require.NoError(t, f.events.Save(ctx, evt))
	}
}

func TestRunSweepSharedIP(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	f.saveFailures(t, "203.0.113.10", uuid.New(), uuid.New(), uuid.New())

	touched, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Len(t, touched, 1)

	c := touched[0]
	assert.Equal(t, corrdomain.TypeIPBased, c.Type)
	assert.Equal(t, "203.0.113.10", c.CorrelationKey)
	assert.Equal(t, corrdomain.SeverityHigh, c.Severity)
	assert.Equal(t, 3, c.UserCount())

	// Every qualifying cluster is handed to containment.
	require.Len(t, f.escalator.clusters, 1)
	assert.Equal(t, c.ID, f.escalator.clusters[0].ID)
}

func TestRunSweepSharedIPCritical(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	users := make([]uuid.UUID, 5)
	for i := range users {
		users[i] = uuid.New()
	}
	f.saveFailures(t, "203.0.113.10", users...)

	touched, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.Equal(t, corrdomain.SeverityCritical, touched[0].Severity)
	assert.Equal(t, 5, touched[0].UserCount())
}

func TestRunSweepDeviceReuse(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	// Two active sessions on the same fingerprint from different IPs. Any
	// non-trusted reuse is critical regardless of count.
	f.sessions.Put(fixtures.NewSessionBuilder(t).WithIP("203.0.113.20").WithDevice("fp-shared").Build())
	f.sessions.Put(fixtures.NewSessionBuilder(t).WithIP("203.0.113.21").WithDevice("fp-shared").Build())

	touched, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.Equal(t, corrdomain.TypeDeviceReuse, touched[0].Type)
	assert.Equal(t, corrdomain.SeverityCritical, touched[0].Severity)
	assert.Equal(t, "fp-shared", touched[0].CorrelationKey)
}

func TestRunSweepTrustedPairSuppressed(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	u1, u2 := uuid.New(), uuid.New()
	f.sessions.Put(fixtures.NewSessionBuilder(t).WithUserID(u1).WithDevice("fp-family").Build())
	f.sessions.Put(fixtures.NewSessionBuilder(t).WithUserID(u2).WithDevice("fp-family").Build())
	f.trust.Put(&event.TrustedRelationship{UserID1: u1, UserID2: u2, Status: "active"})

	touched, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, touched)
	assert.Empty(t, f.escalator.clusters)
}

func TestRunSweepCoordinatedEscalation(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		evt := fixtures.NewEventBuilder(t).
			WithType(event.TypePrivilegeEscalation).
			WithIP("203.0.113.30").
			Build()
		require.NoError(t, f.events.Save(ctx, evt))
	}

	touched, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)

	// Escalations group by IP and user-agent, so the sweep touches one
	// cluster per shared key.
	var found *corrdomain.Cluster
	for _, c := range touched {
		if c.Type == corrdomain.TypePrivilegeEscalation && c.CorrelationKey == "ip:203.0.113.30" {
			found = c
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, corrdomain.SeverityCritical, found.Severity)
	assert.Equal(t, 2, found.UserCount())
}

func TestRunSweepAnomalyCluster(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	sess := fixtures.NewSessionBuilder(t).WithIP("203.0.113.40").Build()
	f.sessions.Put(sess)
	for i := 0; i < 4; i++ {
		f.predictions.Put(fixtures.NewPredictionBuilder(t).
			WithSessionID(sess.ID).
			WithScore(0.85).
			Build())
	}

	touched, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.Equal(t, corrdomain.TypeAnomalyCluster, touched[0].Type)
	assert.Equal(t, "ip:203.0.113.40", touched[0].CorrelationKey)
	assert.Equal(t, corrdomain.SeverityHigh, touched[0].Severity)
}

func TestRunSweepMergesIntoActiveCluster(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	f.saveFailures(t, "203.0.113.10", uuid.New(), uuid.New(), uuid.New())

	_, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	_, err = f.svc.RunSweep(ctx)
	require.NoError(t, err)

	active, err := f.clusters.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// The append-only log keeps one entry per detection, merged or not.
	assert.Len(t, f.clusters.ThreatLog(), 2)
}

func TestRunSweepSeverityEscalatesOnNewUsers(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	f.saveFailures(t, "203.0.113.10", uuid.New(), uuid.New(), uuid.New(), uuid.New())
	touched, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Len(t, touched, 1)
	require.Equal(t, corrdomain.SeverityHigh, touched[0].Severity)
	require.Equal(t, 4, touched[0].UserCount())

	// A fifth targeted user tips the existing cluster critical in place.
	f.saveFailures(t, "203.0.113.10", uuid.New())
	merged, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Len(t, merged, 1)

	assert.Equal(t, touched[0].ID, merged[0].ID)
	assert.Equal(t, 5, merged[0].UserCount())
	assert.Equal(t, corrdomain.SeverityCritical, merged[0].Severity)
}

func TestExpireStale(t *testing.T) {
	f := newCorrelationFixture(t)
	ctx := context.Background()

	f.saveFailures(t, "203.0.113.10", uuid.New(), uuid.New(), uuid.New())
	touched, err := f.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Len(t, touched, 1)

	expired, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)

	touched[0].LastDetected = time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.clusters.Save(ctx, touched[0]))

	expired, err = f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	active, err := f.clusters.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCheckRequest(t *testing.T) {
	newGuarded := func(checker correlation.ContainmentChecker) correlation.Service {
		f := newCorrelationFixture(t)
		return correlation.NewService(
			f.clusters, f.clusters, f.sessions, f.predictions, f.events, f.trust,
			nil, nil, checker, zap.NewNop(), nil, correlation.DefaultConfig())
	}
	ctx := context.Background()
	userID := uuid.New()

	t.Run("contained user is denied", func(t *testing.T) {
		svc := newGuarded(&fakeChecker{contained: true})
		err := svc.CheckRequest(ctx, userID, correlation.GuardStandard)
		assert.ErrorIs(t, err, errors.ErrAccountLockedByPolicy)
	})

	t.Run("clear user passes", func(t *testing.T) {
		svc := newGuarded(&fakeChecker{})
		assert.NoError(t, svc.CheckRequest(ctx, userID, correlation.GuardStrict))
	})

	t.Run("standard check fails open", func(t *testing.T) {
		svc := newGuarded(&fakeChecker{err: fmt.Errorf("store down")})
		assert.NoError(t, svc.CheckRequest(ctx, userID, correlation.GuardStandard))
	})

	t.Run("strict check fails closed", func(t *testing.T) {
		svc := newGuarded(&fakeChecker{err: fmt.Errorf("store down")})
		err := svc.CheckRequest(ctx, userID, correlation.GuardStrict)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeSecurity))
	})

	t.Run("no checker configured passes", func(t *testing.T) {
		svc := newGuarded(nil)
		assert.NoError(t, svc.CheckRequest(ctx, userID, correlation.GuardStandard))
	})
}
