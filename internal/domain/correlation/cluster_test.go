package correlation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detection(users ...uuid.UUID) Detection {
	return Detection{
		Type:           TypeIPBased,
		CorrelationKey: "203.0.113.10",
		UserIDs:        users,
		Severity:       SeverityHigh,
		Indicators:     []string{"3 users on one IP"},
		DetectedAt:     time.Now(),
	}
}

func TestNewCluster(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	c := NewCluster(detection(u1, u2))

	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Equal(t, 2, c.UserCount())
	assert.Equal(t, "IP_BASED:203.0.113.10", c.Key())
	assert.Equal(t, c.FirstDetected, c.LastDetected)
}

func TestClusterMerge(t *testing.T) {
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	c := NewCluster(detection(u1, u2))

	t.Run("user sets union", func(t *testing.T) {
		c.Merge(detection(u2, u3))
		assert.Equal(t, 3, c.UserCount())
	})

	t.Run("severity only rises", func(t *testing.T) {
		d := detection(u1)
		d.Severity = SeverityLow
		c.Merge(d)
		assert.Equal(t, SeverityHigh, c.Severity)

		d.Severity = SeverityCritical
		c.Merge(d)
		assert.Equal(t, SeverityCritical, c.Severity)

		d.Severity = SeverityModerate
		c.Merge(d)
		assert.Equal(t, SeverityCritical, c.Severity)
	})

	t.Run("last detected advances", func(t *testing.T) {
		d := detection(u1)
		d.DetectedAt = time.Now().Add(time.Hour)
		c.Merge(d)
		assert.Equal(t, d.DetectedAt, c.LastDetected)

		stale := detection(u1)
		stale.DetectedAt = time.Now().Add(-time.Hour)
		c.Merge(stale)
		assert.Equal(t, d.DetectedAt, c.LastDetected)
	})

	t.Run("indicators accumulate", func(t *testing.T) {
		before := len(c.Indicators)
		c.Merge(detection(u1))
		assert.Len(t, c.Indicators, before+1)
	})
}

func TestClusterExpire(t *testing.T) {
	c := NewCluster(detection(uuid.New()))
	c.Expire()
	assert.Equal(t, StatusExpired, c.Status)
}

func TestClusterIsStale(t *testing.T) {
	c := NewCluster(detection(uuid.New()))
	now := time.Now()

	c.LastDetected = now.Add(-30 * time.Minute)
	assert.False(t, c.IsStale(now, time.Hour))

	c.LastDetected = now.Add(-2 * time.Hour)
	assert.True(t, c.IsStale(now, time.Hour))
}

func TestNewThreatEvent(t *testing.T) {
	u := uuid.New()
	d := detection(u)
	clusterID := uuid.New()

	te := NewThreatEvent(clusterID, d, "merged into cluster")
	require.NotNil(t, te)
	assert.Equal(t, clusterID, te.ClusterID)
	assert.Equal(t, d.Type, te.Type)
	assert.Equal(t, d.CorrelationKey, te.CorrelationKey)
	assert.Equal(t, []uuid.UUID{u}, te.UserIDs)
	assert.Equal(t, "merged into cluster", te.Description)
}
