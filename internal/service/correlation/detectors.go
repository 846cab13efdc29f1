package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
)

// observation is one (user, session) sighting under a correlation key.
type observation struct {
	userID    uuid.UUID
	sessionID *uuid.UUID
}

// detectSharedIP flags IPs used by too many distinct non-trusted users
// inside the correlation window.
func (s *service) detectSharedIP(ctx context.Context) ([]correlation.Detection, error) {
	byIP, err := s.collectObservations(ctx, func(evt *event.SecurityEvent) (string, bool) {
		return evt.IPAddress, evt.IPAddress != ""
	}, func(sess *event.Session) (string, bool) {
		return sess.IPAddress, sess.IPAddress != ""
	})
	if err != nil {
		return nil, err
	}

	var out []correlation.Detection
	for ip, obs := range byIP {
		users, sessions := s.distinctNonTrusted(ctx, obs)
		if len(users) < s.cfg.IPMinUsers {
			continue
		}
		severity := correlation.SeverityHigh
		if len(users) >= s.cfg.IPCriticalUsers {
			severity = correlation.SeverityCritical
		}
		out = append(out, correlation.Detection{
			Type:           correlation.TypeIPBased,
			CorrelationKey: ip,
			UserIDs:        users,
			SessionIDs:     sessions,
			Severity:       severity,
			Indicators: []string{
				fmt.Sprintf("%d distinct users active from IP %s within %s", len(users), ip, s.cfg.Window),
			},
			Metadata:   map[string]string{"ip_address": ip},
			DetectedAt: time.Now(),
		})
	}
	return out, nil
}

// detectDeviceReuse flags device fingerprints shared across distinct users.
// Any non-trusted reuse is treated as critical: fingerprints are expected to
// be per-person.
func (s *service) detectDeviceReuse(ctx context.Context) ([]correlation.Detection, error) {
	byDevice, err := s.collectObservations(ctx, func(evt *event.SecurityEvent) (string, bool) {
		return evt.DeviceFingerprint, evt.DeviceFingerprint != ""
	}, func(sess *event.Session) (string, bool) {
		return sess.DeviceFingerprint, sess.DeviceFingerprint != ""
	})
	if err != nil {
		return nil, err
	}

	var out []correlation.Detection
	for device, obs := range byDevice {
		users, sessions := s.distinctNonTrusted(ctx, obs)
		if len(users) < s.cfg.DeviceMinUsers {
			continue
		}
		out = append(out, correlation.Detection{
			Type:           correlation.TypeDeviceReuse,
			CorrelationKey: device,
			UserIDs:        users,
			SessionIDs:     sessions,
			Severity:       correlation.SeverityCritical,
			Indicators: []string{
				fmt.Sprintf("%d distinct users sharing device fingerprint %s", len(users), device),
			},
			Metadata:   map[string]string{"device_fingerprint": device},
			DetectedAt: time.Now(),
		})
	}
	return out, nil
}

// detectCoordinatedEscalation flags privilege escalation events that share
// an IP, device or user-agent correlation key inside the window.
func (s *service) detectCoordinatedEscalation(ctx context.Context) ([]correlation.Detection, error) {
	since := time.Now().Add(-s.cfg.Window)
	events, err := s.events.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*event.SecurityEvent)
	for _, evt := range events {
		if evt.EventType != event.TypePrivilegeEscalation && evt.EventType != event.TypePermissionChange {
			continue
		}
		if evt.IPAddress != "" {
			groups["ip:"+evt.IPAddress] = append(groups["ip:"+evt.IPAddress], evt)
		}
		if evt.DeviceFingerprint != "" {
			groups["device:"+evt.DeviceFingerprint] = append(groups["device:"+evt.DeviceFingerprint], evt)
		}
		if evt.UserAgent != "" {
			groups["ua:"+evt.UserAgent] = append(groups["ua:"+evt.UserAgent], evt)
		}
	}

	var out []correlation.Detection
	for key, group := range groups {
		if len(group) < s.cfg.EscalationMinEvents {
			continue
		}
		users := make(map[uuid.UUID]struct{})
		var userIDs []uuid.UUID
		var sessionIDs []uuid.UUID
		for _, evt := range group {
			if _, ok := users[evt.UserID]; !ok {
				users[evt.UserID] = struct{}{}
				userIDs = append(userIDs, evt.UserID)
			}
			if evt.SessionID != nil {
				sessionIDs = append(sessionIDs, *evt.SessionID)
			}
		}
		out = append(out, correlation.Detection{
			Type:           correlation.TypePrivilegeEscalation,
			CorrelationKey: key,
			UserIDs:        userIDs,
			SessionIDs:     sessionIDs,
			Severity:       correlation.SeverityCritical,
			Indicators: []string{
				fmt.Sprintf("%d privilege escalation events sharing %s", len(group), key),
			},
			DetectedAt: time.Now(),
		})
	}
	return out, nil
}

// detectAnomalyCluster flags groups of high-confidence ML anomaly verdicts
// whose sessions share an IP or device key.
func (s *service) detectAnomalyCluster(ctx context.Context) ([]correlation.Detection, error) {
	since := time.Now().Add(-s.cfg.Window)
	preds, err := s.predictions.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*event.Session, len(sessions))
	for _, sess := range sessions {
		byID[sess.ID] = sess
	}

	type group struct {
		users    map[uuid.UUID]struct{}
		sessions []uuid.UUID
		count    int
	}
	groups := make(map[string]*group)
	add := func(key string, p *event.MLPrediction) {
		g, ok := groups[key]
		if !ok {
			g = &group{users: make(map[uuid.UUID]struct{})}
			groups[key] = g
		}
		g.users[p.UserID] = struct{}{}
		if p.SessionID != nil {
			g.sessions = append(g.sessions, *p.SessionID)
		}
		g.count++
	}

	for _, p := range preds {
		if !p.IsAnomaly || p.CompositeScore < s.cfg.AnomalyMinScore {
			continue
		}
		if p.SessionID == nil {
			continue
		}
		sess, ok := byID[*p.SessionID]
		if !ok {
			continue
		}
		if sess.IPAddress != "" {
			add("ip:"+sess.IPAddress, p)
		}
		if sess.DeviceFingerprint != "" {
			add("device:"+sess.DeviceFingerprint, p)
		}
	}

	var out []correlation.Detection
	for key, g := range groups {
		if g.count < s.cfg.AnomalyMinPredictions {
			continue
		}
		userIDs := make([]uuid.UUID, 0, len(g.users))
		for u := range g.users {
			userIDs = append(userIDs, u)
		}
		out = append(out, correlation.Detection{
			Type:           correlation.TypeAnomalyCluster,
			CorrelationKey: key,
			UserIDs:        userIDs,
			SessionIDs:     g.sessions,
			Severity:       correlation.SeverityHigh,
			Indicators: []string{
				fmt.Sprintf("%d high-confidence anomaly predictions sharing %s", g.count, key),
			},
			DetectedAt: time.Now(),
		})
	}
	return out, nil
}

// detectAttackVector flags groups of high-risk graph entities that share an
// inferred attack vector.
func (s *service) detectAttackVector(ctx context.Context) ([]correlation.Detection, error) {
	if s.entities == nil {
		return nil, nil
	}
	highRisk, err := s.entities.ListHighRisk(ctx, s.cfg.AttackVectorRiskFloor)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*entity.Entity)
	for _, e := range highRisk {
		groups[inferAttackVector(e)] = append(groups[inferAttackVector(e)], e)
	}

	var out []correlation.Detection
	for vector, group := range groups {
		if len(group) < s.cfg.AttackVectorMinEntities {
			continue
		}
		var userIDs []uuid.UUID
		indicators := make([]string, 0, len(group))
		for _, e := range group {
			indicators = append(indicators, fmt.Sprintf("%s %s (risk %.0f)", e.Type, e.Value, e.RiskScore))
			if e.Type == entity.TypeUser {
				if id, err := uuid.Parse(e.Value); err == nil {
					userIDs = append(userIDs, id)
				}
			}
		}
		out = append(out, correlation.Detection{
			Type:           correlation.TypeAttackVector,
			CorrelationKey: vector,
			UserIDs:        userIDs,
			Severity:       correlation.SeverityHigh,
			Indicators:     indicators,
			Metadata:       map[string]string{"attack_vector": vector},
			DetectedAt:     time.Now(),
		})
	}
	return out, nil
}

// inferAttackVector classifies a high-risk entity by its dominant behavior.
func inferAttackVector(e *entity.Entity) string {
	switch {
	case e.Stats.FailedLoginAttempts > e.Stats.SuccessfulLogins && e.Stats.FailedLoginAttempts >= 3:
		return "credential_attack"
	case e.Stats.EventVelocity > 50:
		return "burst_access"
	case e.Type == entity.TypeDeviceFingerprint || e.Type == entity.TypeUserAgent:
		return "device_impersonation"
	default:
		return "reconnaissance"
	}
}

// collectObservations gathers (user, session) sightings keyed by a field
// drawn from both the event window and active sessions.
func (s *service) collectObservations(
	ctx context.Context,
	eventKey func(*event.SecurityEvent) (string, bool),
	sessionKey func(*event.Session) (string, bool),
) (map[string][]observation, error) {
	since := time.Now().Add(-s.cfg.Window)
	events, err := s.events.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]observation)
	for _, evt := range events {
		if key, ok := eventKey(evt); ok {
			out[key] = append(out[key], observation{userID: evt.UserID, sessionID: evt.SessionID})
		}
	}
	for _, sess := range sessions {
		if key, ok := sessionKey(sess); ok {
			id := sess.ID
			out[key] = append(out[key], observation{userID: sess.UserID, sessionID: &id})
		}
	}
	return out, nil
}

// distinctNonTrusted reduces observations to distinct users, then drops any
// user whose co-presence is fully covered by trusted relationships. A trust
// lookup failure keeps the user in scope: missing allowlist data must not
// suppress detection.
func (s *service) distinctNonTrusted(ctx context.Context, obs []observation) ([]uuid.UUID, []uuid.UUID) {
	userSet := make(map[uuid.UUID]struct{})
	var users []uuid.UUID
	var sessions []uuid.UUID
	for _, o := range obs {
		if _, ok := userSet[o.userID]; !ok {
			userSet[o.userID] = struct{}{}
			users = append(users, o.userID)
		}
		if o.sessionID != nil {
			sessions = append(sessions, *o.sessionID)
		}
	}
	if len(users) < 2 || s.trust == nil {
		return users, sessions
	}

	kept := users[:0]
	for _, u := range users {
		trustedWithAll := true
		for _, other := range users {
			if other == u {
				continue
			}
			trusted, err := s.trust.AreTrusted(ctx, u, other)
			if err != nil {
				s.logger.Warn("trust lookup failed", zap.Error(err))
				trusted = false
			}
			if !trusted {
				trustedWithAll = false
				break
			}
		}
		if !trustedWithAll {
			kept = append(kept, u)
		}
	}
	return kept, sessions
}
