package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of authentication/security event being ingested.
type EventType string

const (
	TypeLoginSuccess        EventType = "login_success"
	TypeLoginFailure        EventType = "login_failure"
	TypeTwoFactorChallenge  EventType = "two_factor_challenge"
	TypeTwoFactorFailure    EventType = "two_factor_failure"
	TypePasswordReset       EventType = "password_reset"
	TypeSessionActivity     EventType = "session_activity"
	TypePrivilegeEscalation EventType = "privilege_escalation"
	TypePermissionChange    EventType = "permission_change"
	TypeAnomalyDetected     EventType = "anomaly_detected"
)

// Severity is the producer-assigned severity of a single event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Location is an optional geo annotation on an event.
type Location struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SecurityEvent is the sole unit of ingestion. The engine treats user, session
// and IP values as opaque identifiers; it never resolves them to accounts.
type SecurityEvent struct {
	ID                uuid.UUID  `json:"id" validate:"required"`
	EventType         EventType  `json:"event_type" validate:"required"`
	UserID            uuid.UUID  `json:"user_id" validate:"required"`
	SessionID         *uuid.UUID `json:"session_id,omitempty"`
	IPAddress         string     `json:"ip_address" validate:"required,ip"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	UserAgent         string     `json:"user_agent,omitempty"`
	Location          *Location  `json:"location,omitempty"`
	RiskScore         float64    `json:"risk_score" validate:"gte=0,lte=100"`
	Severity          Severity   `json:"severity" validate:"required,oneof=low medium high critical"`
	CreatedAt         time.Time  `json:"created_at" validate:"required"`
}

// IsAuthFailure reports whether the event is a failed authentication attempt.
func (e *SecurityEvent) IsAuthFailure() bool {
	return e.EventType == TypeLoginFailure || e.EventType == TypeTwoFactorFailure
}

// IsAuthSuccess reports whether the event is a successful authentication.
func (e *SecurityEvent) IsAuthSuccess() bool {
	return e.EventType == TypeLoginSuccess
}

// Session is a read-only view of an active session, consumed during
// correlation sweeps.
type Session struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	IPAddress         string    `json:"ip_address"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	UserAgent         string    `json:"user_agent"`
	Location          string    `json:"location"`
	CreatedAt         time.Time `json:"created_at"`
	IsActive          bool      `json:"is_active"`
}

// MLPrediction is a read-only anomaly verdict produced by the external
// scoring pipeline.
type MLPrediction struct {
	UserID         uuid.UUID  `json:"user_id"`
	SessionID      *uuid.UUID `json:"session_id,omitempty"`
	CompositeScore float64    `json:"composite_score"`
	IsAnomaly      bool       `json:"is_anomaly"`
	Timestamp      time.Time  `json:"timestamp"`
	RequestContext string     `json:"request_context,omitempty"`
}

// TrustedRelationship marks a known-legitimate pair of users (family accounts,
// shared household devices) that must not trigger correlation.
type TrustedRelationship struct {
	UserID1 uuid.UUID `json:"user_id_1"`
	UserID2 uuid.UUID `json:"user_id_2"`
	Status  string    `json:"status"` // "active", "revoked"
}

// IsActive reports whether the trust grant currently applies.
func (t *TrustedRelationship) IsActive() bool {
	return t.Status == "active"
}

// Covers reports whether the relationship covers the given unordered user pair.
func (t *TrustedRelationship) Covers(a, b uuid.UUID) bool {
	return (t.UserID1 == a && t.UserID2 == b) || (t.UserID1 == b && t.UserID2 == a)
}
