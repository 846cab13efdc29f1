package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/event"
)

// EventBuilder builds test SecurityEvent values
type EventBuilder struct {
	t         *testing.T
	id        uuid.UUID
	eventType event.EventType
	userID    uuid.UUID
	sessionID *uuid.UUID
	ip        string
	device    string
	userAgent string
	location  *event.Location
	riskScore float64
	severity  event.Severity
	createdAt time.Time
}

// NewEventBuilder creates a new EventBuilder with defaults
func NewEventBuilder(t *testing.T) *EventBuilder {
	t.Helper()
	return &EventBuilder{
		t:         t,
		id:        uuid.New(),
		eventType: event.TypeLoginFailure,
		userID:    uuid.New(),
		ip:        "203.0.113.10",
		userAgent: "Mozilla/5.0",
		riskScore: 10,
		severity:  event.SeverityLow,
		createdAt: time.Now(),
	}
}

// WithID sets the event ID
func (b *EventBuilder) WithID(id uuid.UUID) *EventBuilder {
	b.id = id
	return b
}

// WithType sets the event type
func (b *EventBuilder) WithType(eventType event.EventType) *EventBuilder {
	b.eventType = eventType
	return b
}

// WithUserID sets the acting user
func (b *EventBuilder) WithUserID(userID uuid.UUID) *EventBuilder {
	b.userID = userID
	return b
}

// WithSessionID sets the session the event occurred in
func (b *EventBuilder) WithSessionID(sessionID uuid.UUID) *EventBuilder {
	b.sessionID = &sessionID
	return b
}

// WithIP sets the source IP address
func (b *EventBuilder) WithIP(ip string) *EventBuilder {
	b.ip = ip
	return b
}

// WithDevice sets the device fingerprint
func (b *EventBuilder) WithDevice(fingerprint string) *EventBuilder {
	b.device = fingerprint
	return b
}

// WithLocation sets the geo annotation
func (b *EventBuilder) WithLocation(country, city string) *EventBuilder {
	b.location = &event.Location{Country: country, City: city}
	return b
}

// WithRiskScore sets the producer-assigned risk score
func (b *EventBuilder) WithRiskScore(score float64) *EventBuilder {
	b.riskScore = score
	return b
}

// WithSeverity sets the event severity
func (b *EventBuilder) WithSeverity(severity event.Severity) *EventBuilder {
	b.severity = severity
	return b
}

// WithCreatedAt sets the event timestamp
func (b *EventBuilder) WithCreatedAt(at time.Time) *EventBuilder {
	b.createdAt = at
	return b
}

// Build creates the SecurityEvent
func (b *EventBuilder) Build() *event.SecurityEvent {
	return &event.SecurityEvent{
		ID:                b.id,
		EventType:         b.eventType,
		UserID:            b.userID,
		SessionID:         b.sessionID,
		IPAddress:         b.ip,
		DeviceFingerprint: b.device,
		UserAgent:         b.userAgent,
		Location:          b.location,
		RiskScore:         b.riskScore,
		Severity:          b.severity,
		CreatedAt:         b.createdAt,
	}
}

// SessionBuilder builds test Session views
type SessionBuilder struct {
	t       *testing.T
	session event.Session
}

// NewSessionBuilder creates a new SessionBuilder with defaults
func NewSessionBuilder(t *testing.T) *SessionBuilder {
	t.Helper()
	return &SessionBuilder{
		t: t,
		session: event.Session{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			IPAddress: "203.0.113.10",
			UserAgent: "Mozilla/5.0",
			CreatedAt: time.Now(),
			IsActive:  true,
		},
	}
}

// WithUserID sets the session owner
func (b *SessionBuilder) WithUserID(userID uuid.UUID) *SessionBuilder {
	b.session.UserID = userID
	return b
}

// WithIP sets the session IP address
func (b *SessionBuilder) WithIP(ip string) *SessionBuilder {
	b.session.IPAddress = ip
	return b
}

// WithDevice sets the device fingerprint
func (b *SessionBuilder) WithDevice(fingerprint string) *SessionBuilder {
	b.session.DeviceFingerprint = fingerprint
	return b
}

// Build creates the Session
func (b *SessionBuilder) Build() *event.Session {
	s := b.session
	return &s
}

// PredictionBuilder builds test MLPrediction verdicts
type PredictionBuilder struct {
	t          *testing.T
	prediction event.MLPrediction
}

// NewPredictionBuilder creates a new PredictionBuilder with defaults
func NewPredictionBuilder(t *testing.T) *PredictionBuilder {
	t.Helper()
	return &PredictionBuilder{
		t: t,
		prediction: event.MLPrediction{
			UserID:         uuid.New(),
			CompositeScore: 0.9,
			IsAnomaly:      true,
			Timestamp:      time.Now(),
		},
	}
}

// WithUserID sets the scored user
func (b *PredictionBuilder) WithUserID(userID uuid.UUID) *PredictionBuilder {
	b.prediction.UserID = userID
	return b
}

// WithSessionID sets the scored session
func (b *PredictionBuilder) WithSessionID(sessionID uuid.UUID) *PredictionBuilder {
	b.prediction.SessionID = &sessionID
	return b
}

// WithScore sets the composite anomaly score
func (b *PredictionBuilder) WithScore(score float64) *PredictionBuilder {
	b.prediction.CompositeScore = score
	return b
}

// WithAnomaly sets the anomaly verdict
func (b *PredictionBuilder) WithAnomaly(isAnomaly bool) *PredictionBuilder {
	b.prediction.IsAnomaly = isAnomaly
	return b
}

// WithTimestamp sets the prediction time
func (b *PredictionBuilder) WithTimestamp(at time.Time) *PredictionBuilder {
	b.prediction.Timestamp = at
	return b
}

// Build creates the MLPrediction
func (b *PredictionBuilder) Build() *event.MLPrediction {
	p := b.prediction
	return &p
}
