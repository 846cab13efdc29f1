package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
)

// AnalyzeWindow runs campaign detection over the trailing analysis window.
// Individual detector failures are logged and do not abort the pass.
func (s *service) AnalyzeWindow(ctx context.Context) ([]*incident.SecurityIncident, error) {
	since := time.Now().Add(-s.cfg.AnalysisWindow)
	all, err := s.events.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("listing analysis window: %w", err)
	}

	window := make([]*event.SecurityEvent, 0, len(all))
	for _, evt := range all {
		if s.isHighSignal(evt) {
			window = append(window, evt)
		}
	}
	sort.Slice(window, func(i, j int) bool {
		return window[i].CreatedAt.Before(window[j].CreatedAt)
	})

	var out []*incident.SecurityIncident

	detectors := []struct {
		name string
		run  func(context.Context, []*event.SecurityEvent) ([]*incident.SecurityIncident, error)
	}{
		{"credential_stuffing", s.detectCredentialStuffing},
		{"burst_attack", s.detectBurstAttack},
		{"low_and_slow", s.detectLowAndSlow},
		{"coordinated_attack", s.detectCoordinatedAttack},
	}
	for _, d := range detectors {
		incidents, err := d.run(ctx, window)
		if err != nil {
			s.logger.Error("campaign detector failed",
				zap.String("detector", d.name),
				zap.Error(err))
			continue
		}
		out = append(out, incidents...)
	}

	if s.metrics != nil {
		s.metrics.RecordAnalysisPass(ctx, len(window), len(out))
	}
	return out, nil
}

func (s *service) isHighSignal(evt *event.SecurityEvent) bool {
	return evt.IsAuthFailure() ||
		evt.RiskScore >= s.cfg.HighSignalRiskScore ||
		evt.Severity == event.SeverityHigh ||
		evt.Severity == event.SeverityCritical
}

// detectCredentialStuffing flags users targeted from too many distinct
// source IPs inside the window.
func (s *service) detectCredentialStuffing(ctx context.Context, window []*event.SecurityEvent) ([]*incident.SecurityIncident, error) {
	type target struct {
		ips    map[string]struct{}
		events []*event.SecurityEvent
	}
	byUser := make(map[uuid.UUID]*target)
	for _, evt := range window {
		if !evt.IsAuthFailure() {
			continue
		}
		t, ok := byUser[evt.UserID]
		if !ok {
			t = &target{ips: make(map[string]struct{})}
			byUser[evt.UserID] = t
		}
		t.ips[evt.IPAddress] = struct{}{}
		t.events = append(t.events, evt)
	}

	var out []*incident.SecurityIncident
	for userID, t := range byUser {
		if len(t.ips) < s.cfg.StuffingMinUniqueIPs {
			continue
		}
		m := campaignMetricsFor(t.events)
		m.UniqueUsers = 1
		inc, err := s.upsertIncident(ctx, upsertIncidentInput{
			incidentType: incident.TypeDistributedCredentialStuffing,
			severity:     event.SeverityHigh,
			confidence:   70,
			metrics:      m,
			evidence:     evidenceFor(t.events),
			reasons: []incident.Reason{{
				Reason: fmt.Sprintf("user targeted from %d distinct source IPs", len(t.ips)),
				Weight: 1.0,
				SupportingEvidence: []string{
					fmt.Sprintf("user %s, %d failed attempts in window", userID, len(t.events)),
				},
			}},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

// detectBurstAttack flags any 5-minute span with too many high-signal
// events as an immediate critical incident.
func (s *service) detectBurstAttack(ctx context.Context, window []*event.SecurityEvent) ([]*incident.SecurityIncident, error) {
	if len(window) < s.cfg.BurstThreshold {
		return nil, nil
	}

	// Sliding window over time-sorted events.
	var burst []*event.SecurityEvent
	start := 0
	for end := range window {
		for window[end].CreatedAt.Sub(window[start].CreatedAt) > s.cfg.BurstWindow {
			start++
		}
		if end-start+1 >= s.cfg.BurstThreshold && end-start+1 > len(burst) {
			burst = window[start : end+1]
		}
	}
	if burst == nil {
		return nil, nil
	}

	m := campaignMetricsFor(burst)
	m.AttackVelocity = incident.VelocityBurst
	inc, err := s.upsertIncident(ctx, upsertIncidentInput{
		incidentType: incident.TypeRapidBurstAttack,
		severity:     event.SeverityCritical,
		confidence:   90,
		metrics:      m,
		evidence:     evidenceFor(burst),
		reasons: []incident.Reason{{
			Reason: fmt.Sprintf("%d security events inside a %s window", len(burst), s.cfg.BurstWindow),
			Weight: 1.0,
			SupportingEvidence: []string{
				fmt.Sprintf("burst from %s to %s", burst[0].CreatedAt.Format(time.RFC3339), burst[len(burst)-1].CreatedAt.Format(time.RFC3339)),
			},
		}},
	})
	if err != nil {
		return nil, err
	}
	return []*incident.SecurityIncident{inc}, nil
}

// detectLowAndSlow flags single IPs sustaining a thin but persistent event
// rate designed to evade burst detection.
func (s *service) detectLowAndSlow(ctx context.Context, window []*event.SecurityEvent) ([]*incident.SecurityIncident, error) {
	byIP := make(map[string][]*event.SecurityEvent)
	for _, evt := range window {
		byIP[evt.IPAddress] = append(byIP[evt.IPAddress], evt)
	}

	var out []*incident.SecurityIncident
	for ip, events := range byIP {
		if len(events) < s.cfg.LowSlowMinEvents {
			continue
		}
		span := events[len(events)-1].CreatedAt.Sub(events[0].CreatedAt).Hours()
		if span <= 0 {
			continue
		}
		rate := float64(len(events)) / span
		if rate < s.cfg.LowSlowMinRate || rate > s.cfg.LowSlowMaxRate {
			continue
		}

		m := campaignMetricsFor(events)
		m.AttackVelocity = incident.VelocityLowAndSlow
		inc, err := s.upsertIncident(ctx, upsertIncidentInput{
			incidentType: incident.TypeLowAndSlowAttack,
			severity:     event.SeverityMedium,
			confidence:   60,
			metrics:      m,
			evidence:     evidenceFor(events),
			reasons: []incident.Reason{{
				Reason: fmt.Sprintf("IP sustained %.1f events/hour over %.1f hours", rate, span),
				Weight: 1.0,
				SupportingEvidence: []string{
					fmt.Sprintf("%d events from %s, below burst thresholds", len(events), ip),
				},
			}},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

// detectCoordinatedAttack discovers connected components around high-risk
// entities and scores them as campaigns.
func (s *service) detectCoordinatedAttack(ctx context.Context, _ []*event.SecurityEvent) ([]*incident.SecurityIncident, error) {
	seeds, err := s.entities.ListHighRisk(ctx, s.cfg.HighRiskSeedScore)
	if err != nil {
		return nil, fmt.Errorf("listing high-risk entities: %w", err)
	}

	// Entities already swept into a component this pass are not rescored.
	processed := make(map[uuid.UUID]struct{})
	var out []*incident.SecurityIncident

	for _, seed := range seeds {
		if _, ok := processed[seed.ID]; ok {
			continue
		}
		comp, err := s.discoverComponent(ctx, seed, s.cfg.MaxTraversalDepth)
		if err != nil {
			s.logger.Warn("component discovery failed",
				zap.String("seed", seed.Value),
				zap.Error(err))
			continue
		}
		for _, e := range comp.entities {
			processed[e.ID] = struct{}{}
		}
		if len(comp.entities) < s.cfg.MinComponentSize {
			continue
		}

		score := s.scoreComponent(comp)
		if score.Confidence < s.cfg.MinIncidentConfidence {
			continue
		}

		inc, err := s.upsertIncident(ctx, upsertIncidentInput{
			incidentType: incident.TypeCoordinatedAttack,
			severity:     incident.SeverityForConfidence(score.Confidence),
			confidence:   score.Confidence,
			metrics:      score.Metrics,
			graph:        score.Graph,
			evidence:     score.Evidence,
			reasons:      score.Reasons,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, inc)

		componentID := comp.seed.ID.String()
		for _, e := range comp.entities {
			e.GraphMetrics = entity.GraphMetrics{
				ConnectedComponentID: componentID,
				ComponentSize:        len(comp.entities),
			}
			e.AttachIncident(inc.ID)
			if err := s.entities.Save(ctx, e); err != nil {
				s.logger.Warn("component entity save failed", zap.Error(err))
			}
		}
	}
	return out, nil
}

type upsertIncidentInput struct {
	incidentType incident.Type
	severity     event.Severity
	confidence   float64
	metrics      incident.CampaignMetrics
	graph        incident.GraphAnalysis
	evidence     incident.Evidence
	reasons      []incident.Reason
}

// upsertIncident enforces the incident dedup invariant: a recent incident of
// the same type absorbs new evidence rather than spawning a duplicate.
func (s *service) upsertIncident(ctx context.Context, in upsertIncidentInput) (*incident.SecurityIncident, error) {
	since := time.Now().Add(-s.cfg.IncidentDedupWindow)
	existing, err := s.incidents.FindRecentByType(ctx, in.incidentType, since)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}
	if existing != nil {
		existing.MergeEvidence(in.evidence, in.confidence, in.severity, in.reasons)
		if err := s.incidents.Save(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	inc := incident.New(in.incidentType, in.severity, in.confidence)
	inc.CampaignMetrics = in.metrics
	inc.GraphAnalysis = in.graph
	inc.Evidence = in.evidence
	inc.Reasoning = in.reasons
	if err := s.incidents.Save(ctx, inc); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordIncidentCreated(ctx, string(in.incidentType), string(in.severity))
	}
	s.logger.Info("incident created",
		zap.String("incident_type", string(in.incidentType)),
		zap.String("severity", string(in.severity)),
		zap.Float64("confidence", in.confidence))
	return inc, nil
}

// campaignMetricsFor derives campaign shape figures from an event set.
func campaignMetricsFor(events []*event.SecurityEvent) incident.CampaignMetrics {
	ips := make(map[string]struct{})
	devices := make(map[string]struct{})
	users := make(map[uuid.UUID]struct{})
	locations := make(map[string]struct{})
	for _, evt := range events {
		if evt.IPAddress != "" {
			ips[evt.IPAddress] = struct{}{}
		}
		if evt.DeviceFingerprint != "" {
			devices[evt.DeviceFingerprint] = struct{}{}
		}
		users[evt.UserID] = struct{}{}
		if evt.Location != nil {
			locations[evt.Location.Country] = struct{}{}
		}
	}

	m := incident.CampaignMetrics{
		UniqueIPs:       len(ips),
		UniqueDevices:   len(devices),
		UniqueUsers:     len(users),
		UniqueLocations: len(locations),
		AttackVelocity:  incident.VelocitySustained,
	}
	if len(events) > 0 {
		m.AttackDuration = events[len(events)-1].CreatedAt.Sub(events[0].CreatedAt)
		hours := m.AttackDuration.Hours()
		if hours > 0 {
			m.EventsPerHour = float64(len(events)) / hours
		} else {
			m.EventsPerHour = float64(len(events))
		}
		m.AttackVelocity = classifyVelocity(m.EventsPerHour)
	}
	return m
}

func classifyVelocity(eventsPerHour float64) incident.AttackVelocity {
	switch {
	case eventsPerHour > 50:
		return incident.VelocityBurst
	case eventsPerHour < 10:
		return incident.VelocityLowAndSlow
	default:
		return incident.VelocitySustained
	}
}

func evidenceFor(events []*event.SecurityEvent) incident.Evidence {
	ev := incident.Evidence{}
	for _, evt := range events {
		ev.EventIDs = append(ev.EventIDs, evt.ID)
		ev.EvidenceChain = append(ev.EvidenceChain,
			fmt.Sprintf("%s: %s from %s targeting user %s (risk %.0f)",
				evt.CreatedAt.Format(time.RFC3339), evt.EventType, evt.IPAddress, evt.UserID, evt.RiskScore))
	}
	return ev
}
