package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
)

// Factor caps for the additive confidence score. The five factors are
// independent; the sum is capped at 100.
const (
	maxIPDiversityPoints = 30.0
	maxDeviceReusePoints = 25.0
	maxDensityPoints     = 20.0
	maxEntityRiskPoints  = 15.0
	burstPoints          = 10.0
	lowAndSlowPoints     = 8.0

	densityFloor    = 0.5
	entityRiskFloor = 50.0
)

// componentScore is the explainable scoring outcome for one component.
type componentScore struct {
	Confidence float64
	Reasons    []incident.Reason
	Metrics    incident.CampaignMetrics
	Graph      incident.GraphAnalysis
	Evidence   incident.Evidence
}

// scoreComponent computes the multi-factor confidence score for a connected
// component. Every contributing factor records a human-readable reason, its
// normalized weight and supporting evidence, persisted verbatim on the
// incident for analyst review.
func (s *service) scoreComponent(comp *component) componentScore {
	nodes := len(comp.entities)
	edges := len(comp.relationships)

	var (
		ipCount, deviceCount, userCount, locationCount int
		riskSum                                        float64
	)
	for _, e := range comp.entities {
		switch e.Type {
		case entity.TypeIP:
			ipCount++
		case entity.TypeDeviceFingerprint:
			deviceCount++
		case entity.TypeUser:
			userCount++
		case entity.TypeLocation:
			locationCount++
		}
		riskSum += e.RiskScore
	}
	avgRisk := riskSum / float64(nodes)

	density := 0.0
	if nodes > 1 {
		density = float64(edges) / (float64(nodes) * float64(nodes-1) / 2)
	}

	metrics, evidence := s.componentCampaignShape(comp)
	metrics.UniqueIPs = ipCount
	metrics.UniqueDevices = deviceCount
	metrics.UniqueUsers = userCount
	metrics.UniqueLocations = locationCount

	score := componentScore{
		Metrics: metrics,
		Graph: incident.GraphAnalysis{
			ComponentID:    comp.seed.ID.String(),
			ComponentSize:  nodes,
			GraphDensity:   density,
			AvgEntityRisk:  avgRisk,
			TraversalDepth: s.cfg.MaxTraversalDepth,
		},
		Evidence: evidence,
	}

	addFactor := func(points, max float64, reason string, support []string) {
		if points <= 0 {
			return
		}
		if points > max {
			points = max
		}
		score.Confidence += points
		score.Reasons = append(score.Reasons, incident.Reason{
			Reason:             reason,
			Weight:             points / max,
			SupportingEvidence: support,
		})
	}

	// (a) many source IPs converging on few users
	if ipCount >= 2 && userCount >= 1 {
		points := float64(ipCount) / float64(userCount) * 10
		addFactor(points, maxIPDiversityPoints,
			fmt.Sprintf("%d source IPs targeting %d users", ipCount, userCount),
			[]string{fmt.Sprintf("ip/user ratio %.2f", float64(ipCount)/float64(userCount))})
	}

	// (b) device fingerprints shared across users
	if deviceCount >= 1 && userCount >= 2 {
		points := float64(userCount) / float64(deviceCount) * 10
		addFactor(points, maxDeviceReusePoints,
			fmt.Sprintf("%d users sharing %d device fingerprints", userCount, deviceCount),
			[]string{fmt.Sprintf("user/device ratio %.2f", float64(userCount)/float64(deviceCount))})
	}

	// (c) dense interconnection
	if density > densityFloor {
		addFactor(density*maxDensityPoints, maxDensityPoints,
			fmt.Sprintf("graph density %.2f across %d entities", density, nodes),
			[]string{fmt.Sprintf("%d edges over %d nodes", edges, nodes)})
	}

	// (d) high average entity risk
	if avgRisk > entityRiskFloor {
		addFactor(avgRisk/100*maxEntityRiskPoints, maxEntityRiskPoints,
			fmt.Sprintf("average entity risk %.1f", avgRisk),
			[]string{fmt.Sprintf("%d entities above the seed threshold", nodes)})
	}

	// (e) temporal pattern
	switch metrics.AttackVelocity {
	case incident.VelocityBurst:
		addFactor(burstPoints, burstPoints,
			fmt.Sprintf("burst velocity at %.1f events/hour", metrics.EventsPerHour),
			[]string{fmt.Sprintf("attack duration %s", metrics.AttackDuration)})
	case incident.VelocityLowAndSlow:
		addFactor(lowAndSlowPoints, lowAndSlowPoints,
			fmt.Sprintf("low-and-slow velocity at %.1f events/hour", metrics.EventsPerHour),
			[]string{fmt.Sprintf("attack duration %s", metrics.AttackDuration)})
	}

	if score.Confidence > 100 {
		score.Confidence = 100
	}
	return score
}

// componentCampaignShape derives timing figures and evidence references from
// the component's edge evidence chains.
func (s *service) componentCampaignShape(comp *component) (incident.CampaignMetrics, incident.Evidence) {
	var (
		first, last time.Time
		total       int
	)
	evidence := incident.Evidence{}
	seenEvents := make(map[uuid.UUID]struct{})

	for _, e := range comp.entities {
		evidence.EntityIDs = append(evidence.EntityIDs, e.ID)
	}
	for _, rel := range comp.relationships {
		evidence.RelationshipIDs = append(evidence.RelationshipIDs, rel.ID)
		evidence.EvidenceChain = append(evidence.EvidenceChain,
			fmt.Sprintf("%s edge with %d evidence items (weight %.0f)",
				rel.Type, len(rel.Evidence), rel.Weight))
		for _, ev := range rel.Evidence {
			if _, ok := seenEvents[ev.EventID]; ok {
				continue
			}
			seenEvents[ev.EventID] = struct{}{}
			evidence.EventIDs = append(evidence.EventIDs, ev.EventID)
			total++
			if first.IsZero() || ev.Timestamp.Before(first) {
				first = ev.Timestamp
			}
			if ev.Timestamp.After(last) {
				last = ev.Timestamp
			}
		}
	}

	m := incident.CampaignMetrics{AttackVelocity: incident.VelocitySustained}
	if total > 0 {
		m.AttackDuration = last.Sub(first)
		hours := m.AttackDuration.Hours()
		if hours > 0 {
			m.EventsPerHour = float64(total) / hours
		} else {
			m.EventsPerHour = float64(total)
		}
		m.AttackVelocity = classifyVelocity(m.EventsPerHour)
	}
	return m, evidence
}
