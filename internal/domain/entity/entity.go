package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
)

// Type enumerates the kinds of graph nodes the engine tracks.
type Type int

const (
	TypeIP Type = iota
	TypeASN
	TypeDeviceFingerprint
	TypeUserAgent
	TypeLocation
	TypeUser
	TypeSession
)

func (t Type) String() string {
	switch t {
	case TypeIP:
		return "ip"
	case TypeASN:
		return "asn"
	case TypeDeviceFingerprint:
		return "device_fingerprint"
	case TypeUserAgent:
		return "user_agent"
	case TypeLocation:
		return "location"
	case TypeUser:
		return "user"
	case TypeSession:
		return "session"
	default:
		return "unknown"
	}
}

// Classification is the analyst-meaningful verdict on an entity.
type Classification int

const (
	ClassificationBenign Classification = iota
	ClassificationSuspicious
	ClassificationMalicious
	ClassificationCompromised
)

func (c Classification) String() string {
	switch c {
	case ClassificationBenign:
		return "benign"
	case ClassificationSuspicious:
		return "suspicious"
	case ClassificationMalicious:
		return "malicious"
	case ClassificationCompromised:
		return "compromised"
	default:
		return "unknown"
	}
}

// Stats aggregates the observation counters for one entity.
type Stats struct {
	FailedLoginAttempts int       `json:"failed_login_attempts"`
	SuccessfulLogins    int       `json:"successful_logins"`
	TotalEvents         int       `json:"total_events"`
	TimeWindowStart     time.Time `json:"time_window_start"`
	TimeWindowEnd       time.Time `json:"time_window_end"`
	EventVelocity       float64   `json:"event_velocity"` // events per hour over the window
}

// GraphMetrics records the entity's place in the last component discovery pass.
type GraphMetrics struct {
	ConnectedComponentID string `json:"connected_component_id,omitempty"`
	ComponentSize        int    `json:"component_size"`
}

// Blocklist carries the analyst blocklisting state of an entity.
type Blocklist struct {
	IsBlocklisted bool       `json:"is_blocklisted"`
	Reason        string     `json:"reason,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Entity is a graph node representing one observable identity fragment.
// (Type, Value) is a unique key; creation is always find-or-create and
// entities are never hard-deleted.
type Entity struct {
	ID             uuid.UUID      `json:"id"`
	Type           Type           `json:"type"`
	Value          string         `json:"value"`
	RiskScore      float64        `json:"risk_score"` // 0-100
	Classification Classification `json:"classification"`
	Stats          Stats          `json:"stats"`
	GraphMetrics   GraphMetrics   `json:"graph_metrics"`
	IncidentIDs    []uuid.UUID    `json:"incident_ids,omitempty"`
	Blocklist      Blocklist      `json:"blocklist"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// New creates an entity for its first observation.
func New(entityType Type, value string) (*Entity, error) {
	if value == "" {
		return nil, ErrEmptyValue
	}

	now := time.Now()
	return &Entity{
		ID:             uuid.New(),
		Type:           entityType,
		Value:          value,
		RiskScore:      0,
		Classification: ClassificationBenign,
		Stats: Stats{
			TimeWindowStart: now,
			TimeWindowEnd:   now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// RecordEvent folds one observation into the entity's counters and recomputes
// event velocity over the observation window.
func (e *Entity) RecordEvent(evt *event.SecurityEvent) {
	e.Stats.TotalEvents++
	if evt.IsAuthFailure() {
		e.Stats.FailedLoginAttempts++
	}
	if evt.IsAuthSuccess() {
		e.Stats.SuccessfulLogins++
	}

	if evt.CreatedAt.Before(e.Stats.TimeWindowStart) {
		e.Stats.TimeWindowStart = evt.CreatedAt
	}
	if evt.CreatedAt.After(e.Stats.TimeWindowEnd) {
		e.Stats.TimeWindowEnd = evt.CreatedAt
	}

	durationHours := e.Stats.TimeWindowEnd.Sub(e.Stats.TimeWindowStart).Hours()
	if durationHours > 0 {
		e.Stats.EventVelocity = float64(e.Stats.TotalEvents) / durationHours
	} else {
		e.Stats.EventVelocity = float64(e.Stats.TotalEvents)
	}

	// Event risk feeds the entity score as a decaying maximum so a single
	// benign event cannot wash out earlier high-risk observations.
	if evt.RiskScore > e.RiskScore {
		e.RiskScore = evt.RiskScore
	}
	e.reclassify()
	e.UpdatedAt = time.Now()
}

// RaiseRisk lifts the entity risk score to at least the given value.
func (e *Entity) RaiseRisk(score float64) {
	if score > 100 {
		score = 100
	}
	if score > e.RiskScore {
		e.RiskScore = score
		e.reclassify()
		e.UpdatedAt = time.Now()
	}
}

func (e *Entity) reclassify() {
	switch {
	case e.RiskScore >= 90:
		e.Classification = ClassificationCompromised
	case e.RiskScore >= 70:
		e.Classification = ClassificationMalicious
	case e.RiskScore >= 40:
		e.Classification = ClassificationSuspicious
	default:
		e.Classification = ClassificationBenign
	}
}

// AttachIncident links an incident to this entity, ignoring duplicates.
func (e *Entity) AttachIncident(incidentID uuid.UUID) {
	for _, id := range e.IncidentIDs {
		if id == incidentID {
			return
		}
	}
	e.IncidentIDs = append(e.IncidentIDs, incidentID)
	e.UpdatedAt = time.Now()
}

// Block puts the entity on the blocklist, optionally with an expiry.
func (e *Entity) Block(reason string, expiresAt *time.Time) {
	e.Blocklist = Blocklist{
		IsBlocklisted: true,
		Reason:        reason,
		ExpiresAt:     expiresAt,
	}
	e.UpdatedAt = time.Now()
}

// Unblock clears the blocklist entry.
func (e *Entity) Unblock() {
	e.Blocklist = Blocklist{}
	e.UpdatedAt = time.Now()
}

// IsBlockActive reports whether a blocklist entry applies at the given time.
func (e *Entity) IsBlockActive(now time.Time) bool {
	if !e.Blocklist.IsBlocklisted {
		return false
	}
	if e.Blocklist.ExpiresAt != nil && now.After(*e.Blocklist.ExpiresAt) {
		return false
	}
	return true
}

// Key returns the canonical (type, value) identity key.
func (e *Entity) Key() string {
	return Key(e.Type, e.Value)
}

// Key builds the canonical identity key for a (type, value) pair.
func Key(entityType Type, value string) string {
	return fmt.Sprintf("%s:%s", entityType, value)
}

// ErrEmptyValue rejects entity creation without an identity value.
var ErrEmptyValue = errors.NewValidationError("EMPTY_ENTITY_VALUE",
	"entity value cannot be empty")
