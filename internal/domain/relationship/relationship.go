package relationship

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
)

// Type enumerates the edge kinds derived from entity type pairs.
type Type string

const (
	TypeIPUsedDevice      Type = "IP_USED_DEVICE"
	TypeIPTargetedUser    Type = "IP_TARGETED_USER"
	TypeIPHostedSession   Type = "IP_HOSTED_SESSION"
	TypeIPInASN           Type = "IP_IN_ASN"
	TypeIPAtLocation      Type = "IP_AT_LOCATION"
	TypeIPSentUserAgent   Type = "IP_SENT_USER_AGENT"
	TypeDeviceUsedByUser  Type = "DEVICE_USED_BY_USER"
	TypeDeviceRanSession  Type = "DEVICE_RAN_SESSION"
	TypeDeviceSentAgent   Type = "DEVICE_SENT_USER_AGENT"
	TypeUserOwnedSession  Type = "USER_OWNED_SESSION"
	TypeUserAtLocation    Type = "USER_AT_LOCATION"
	TypeUserSentAgent     Type = "USER_SENT_USER_AGENT"
	TypeSessionAtLocation Type = "SESSION_AT_LOCATION"
	TypeASNTargetedUser   Type = "ASN_TARGETED_USER"
)

// typePair is an unordered pair of entity types.
type typePair struct {
	a, b entity.Type
}

func orderedPair(a, b entity.Type) typePair {
	if b < a {
		a, b = b, a
	}
	return typePair{a: a, b: b}
}

// pairTable is the fixed entity-type-pair to relationship-type mapping.
// Pairs absent from the table are skipped during extraction, not erred.
var pairTable = map[typePair]Type{
	orderedPair(entity.TypeIP, entity.TypeDeviceFingerprint):        TypeIPUsedDevice,
	orderedPair(entity.TypeIP, entity.TypeUser):                     TypeIPTargetedUser,
	orderedPair(entity.TypeIP, entity.TypeSession):                  TypeIPHostedSession,
	orderedPair(entity.TypeIP, entity.TypeASN):                      TypeIPInASN,
	orderedPair(entity.TypeIP, entity.TypeLocation):                 TypeIPAtLocation,
	orderedPair(entity.TypeIP, entity.TypeUserAgent):                TypeIPSentUserAgent,
	orderedPair(entity.TypeDeviceFingerprint, entity.TypeUser):      TypeDeviceUsedByUser,
	orderedPair(entity.TypeDeviceFingerprint, entity.TypeSession):   TypeDeviceRanSession,
	orderedPair(entity.TypeDeviceFingerprint, entity.TypeUserAgent): TypeDeviceSentAgent,
	orderedPair(entity.TypeUser, entity.TypeSession):                TypeUserOwnedSession,
	orderedPair(entity.TypeUser, entity.TypeLocation):               TypeUserAtLocation,
	orderedPair(entity.TypeUser, entity.TypeUserAgent):              TypeUserSentAgent,
	orderedPair(entity.TypeSession, entity.TypeLocation):            TypeSessionAtLocation,
	orderedPair(entity.TypeASN, entity.TypeUser):                    TypeASNTargetedUser,
}

// TypeForPair resolves the relationship type for an unordered entity type pair.
// ok is false for unmapped pairs.
func TypeForPair(a, b entity.Type) (Type, bool) {
	t, ok := pairTable[orderedPair(a, b)]
	return t, ok
}

// Evidence is one event observation backing an edge.
type Evidence struct {
	EventID   uuid.UUID      `json:"event_id"`
	EventType event.EventType `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	RiskScore float64        `json:"risk_score"`
	Severity  event.Severity `json:"severity"`
}

// Timing aggregates the observation times across the evidence chain.
type Timing struct {
	FirstObserved time.Time     `json:"first_observed"`
	LastObserved  time.Time     `json:"last_observed"`
	TimeDelta     time.Duration `json:"time_delta"` // mean inter-evidence interval
}

// Pattern holds derived timing-pattern flags.
type Pattern struct {
	BurstDetected    bool    `json:"burst_detected"`
	IsConcurrent     bool    `json:"is_concurrent"`
	FrequencyPerHour float64 `json:"frequency_per_hour"`
	IsAnomalous      bool    `json:"is_anomalous"`
}

const (
	// burstWindow is the trailing window inside which burstThreshold
	// evidence items flag the edge as bursty.
	burstWindow    = 5 * time.Minute
	burstThreshold = 5

	concurrentSpacing  = 2 * time.Second
	anomalousFrequency = 10.0 // evidence items per hour
)

// Relationship is a graph edge recording co-occurrence of two entities in
// security events. At most one instance exists per unordered
// (source, target, type) triple; edges are never deleted.
type Relationship struct {
	ID               uuid.UUID  `json:"id"`
	SourceID         uuid.UUID  `json:"source_id"`
	TargetID         uuid.UUID  `json:"target_id"`
	Type             Type       `json:"type"`
	Evidence         []Evidence `json:"evidence"`
	Timing           Timing     `json:"timing"`
	Pattern          Pattern    `json:"pattern"`
	Weight           float64    `json:"weight"`
	RiskContribution float64    `json:"risk_contribution"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// New creates an edge for the first co-occurrence of two entities.
func New(sourceID, targetID uuid.UUID, relType Type) *Relationship {
	now := time.Now()
	return &Relationship{
		ID:        uuid.New(),
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      relType,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddEvidence appends one observation and recomputes timing and pattern
// fields. Evidence is deduplicated by event id so re-analysis of the same
// trailing window stays idempotent.
func (r *Relationship) AddEvidence(evt *event.SecurityEvent) bool {
	for _, ev := range r.Evidence {
		if ev.EventID == evt.ID {
			return false
		}
	}

	r.Evidence = append(r.Evidence, Evidence{
		EventID:   evt.ID,
		EventType: evt.EventType,
		Timestamp: evt.CreatedAt,
		RiskScore: evt.RiskScore,
		Severity:  evt.Severity,
	})
	r.recompute()
	r.UpdatedAt = time.Now()
	return true
}

func (r *Relationship) recompute() {
	timestamps := make([]time.Time, len(r.Evidence))
	for i, ev := range r.Evidence {
		timestamps[i] = ev.Timestamp
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	r.Timing.FirstObserved = timestamps[0]
	r.Timing.LastObserved = timestamps[len(timestamps)-1]

	if len(timestamps) > 1 {
		var total time.Duration
		concurrent := false
		for i := 1; i < len(timestamps); i++ {
			delta := timestamps[i].Sub(timestamps[i-1])
			total += delta
			if delta <= concurrentSpacing {
				concurrent = true
			}
		}
		r.Timing.TimeDelta = total / time.Duration(len(timestamps)-1)
		r.Pattern.IsConcurrent = concurrent
	}

	// Burst: enough evidence inside the trailing window ending at the
	// newest observation.
	windowStart := r.Timing.LastObserved.Add(-burstWindow)
	inWindow := 0
	for _, ts := range timestamps {
		if !ts.Before(windowStart) {
			inWindow++
		}
	}
	r.Pattern.BurstDetected = inWindow >= burstThreshold

	span := r.Timing.LastObserved.Sub(r.Timing.FirstObserved).Hours()
	if span > 0 {
		r.Pattern.FrequencyPerHour = float64(len(r.Evidence)) / span
	} else {
		r.Pattern.FrequencyPerHour = float64(len(r.Evidence))
	}
	r.Pattern.IsAnomalous = r.Pattern.FrequencyPerHour > anomalousFrequency

	// Edge weight grows with corroborating evidence and its average risk.
	var riskSum float64
	for _, ev := range r.Evidence {
		riskSum += ev.RiskScore
	}
	avgRisk := riskSum / float64(len(r.Evidence))
	r.Weight = float64(len(r.Evidence))
	r.RiskContribution = avgRisk * r.Weight
}

// Key returns the canonical unordered dedup key for the edge.
func (r *Relationship) Key() string {
	return Key(r.SourceID, r.TargetID, r.Type)
}

// Key builds the unordered (source, target, type) dedup key.
func Key(sourceID, targetID uuid.UUID, relType Type) string {
	a, b := sourceID.String(), targetID.String()
	if strings.Compare(b, a) < 0 {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s|%s", a, b, relType)
}
