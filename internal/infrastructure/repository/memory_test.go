package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
	"github.com/ledgerline/account-security-engine/internal/testutil/fixtures"
)

func TestInMemoryEventStoreDedup(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	evt := fixtures.NewEventBuilder(t).Build()
	require.NoError(t, store.Save(ctx, evt))
	require.NoError(t, store.Save(ctx, evt))

	events, err := store.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestInMemoryEventStoreListSinceOrdered(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()
	now := time.Now()

	for _, offset := range []time.Duration{-time.Minute, -time.Hour, -30 * time.Minute} {
		evt := fixtures.NewEventBuilder(t).WithCreatedAt(now.Add(offset)).Build()
		require.NoError(t, store.Save(ctx, evt))
	}

	events, err := store.ListSince(ctx, now.Add(-45*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].CreatedAt.Before(events[1].CreatedAt))
}

func TestInMemoryIncidentRepositoryFindRecentByType(t *testing.T) {
	repo := NewInMemoryIncidentRepository()
	ctx := context.Background()

	_, err := repo.FindRecentByType(ctx, incident.TypeRapidBurstAttack, time.Now().Add(-time.Hour))
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	inc := incident.New(incident.TypeRapidBurstAttack, event.SeverityCritical, 90)
	require.NoError(t, repo.Save(ctx, inc))

	found, err := repo.FindRecentByType(ctx, incident.TypeRapidBurstAttack, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, inc.ID, found.ID)

	// Terminal incidents never absorb new evidence.
	require.NoError(t, inc.UpdateStatus(incident.StatusFalsePositive))
	require.NoError(t, repo.Save(ctx, inc))
	_, err = repo.FindRecentByType(ctx, incident.TypeRapidBurstAttack, time.Now().Add(-time.Hour))
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestInMemoryEntityRepositoryUsersForIncident(t *testing.T) {
	repo := NewInMemoryEntityRepository()
	ctx := context.Background()
	incidentID := uuid.New()

	userID := uuid.New()
	user, err := entity.New(entity.TypeUser, userID.String())
	require.NoError(t, err)
	user.AttachIncident(incidentID)
	require.NoError(t, repo.Save(ctx, user))

	ip, err := entity.New(entity.TypeIP, "203.0.113.10")
	require.NoError(t, err)
	ip.AttachIncident(incidentID)
	require.NoError(t, repo.Save(ctx, ip))

	users, err := repo.UsersForIncident(ctx, incidentID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{userID}, users)
}
