package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/relationship"
)

func scoringService(t *testing.T) *service {
	t.Helper()
	return NewService(nil, nil, nil, nil, nil, zap.NewNop(), nil, DefaultConfig()).(*service)
}

func nodeOf(t *testing.T, entityType entity.Type, value string, risk float64) *entity.Entity {
	t.Helper()
	e, err := entity.New(entityType, value)
	require.NoError(t, err)
	e.RaiseRisk(risk)
	return e
}

func ipFanComponent(t *testing.T, ipCount int) *component {
	t.Helper()
	user := nodeOf(t, entity.TypeUser, "a0000000-0000-0000-0000-000000000001", 0)
	comp := &component{seed: user, entities: []*entity.Entity{user}}
	for i := 0; i < ipCount; i++ {
		comp.entities = append(comp.entities,
			nodeOf(t, entity.TypeIP, fmt.Sprintf("203.0.113.%d", 10+i), 0))
	}
	return comp
}

func TestScoreComponentIPDiversityMonotonic(t *testing.T) {
	svc := scoringService(t)

	small := svc.scoreComponent(ipFanComponent(t, 2))
	large := svc.scoreComponent(ipFanComponent(t, 3))

	assert.Greater(t, large.Confidence, small.Confidence)
	require.Len(t, small.Reasons, 1)
	assert.Greater(t, small.Reasons[0].Weight, 0.0)
	assert.LessOrEqual(t, small.Reasons[0].Weight, 1.0)
}

func TestScoreComponentFactorCap(t *testing.T) {
	svc := scoringService(t)

	// Ten IPs against one user overflows the diversity factor; the cap keeps
	// a single factor from dominating the score.
	score := svc.scoreComponent(ipFanComponent(t, 10))
	assert.Equal(t, maxIPDiversityPoints, score.Confidence)
	require.Len(t, score.Reasons, 1)
	assert.Equal(t, 1.0, score.Reasons[0].Weight)
}

func TestScoreComponentDensityAndRisk(t *testing.T) {
	svc := scoringService(t)

	ip := nodeOf(t, entity.TypeIP, "203.0.113.10", 80)
	user := nodeOf(t, entity.TypeUser, "a0000000-0000-0000-0000-000000000001", 80)
	edge := relationship.New(ip.ID, user.ID, relationship.TypeIPTargetedUser)

	comp := &component{
		seed:          ip,
		entities:      []*entity.Entity{ip, user},
		relationships: []*relationship.Relationship{edge},
	}
	score := svc.scoreComponent(comp)

	// Full density (1.0) and avg risk 80 contribute their weighted points.
	assert.InDelta(t, maxDensityPoints+0.8*maxEntityRiskPoints, score.Confidence, 0.01)
	assert.Equal(t, 1.0, score.Graph.GraphDensity)
	assert.Equal(t, 80.0, score.Graph.AvgEntityRisk)
	assert.Len(t, score.Reasons, 2)
}

func TestScoreComponentCappedAtHundred(t *testing.T) {
	svc := scoringService(t)

	comp := ipFanComponent(t, 10)
	for _, e := range comp.entities {
		e.RaiseRisk(95)
	}
	score := svc.scoreComponent(comp)
	assert.LessOrEqual(t, score.Confidence, 100.0)
}
