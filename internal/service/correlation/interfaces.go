package correlation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
)

// Service is the cross-session correlation engine interface.
type Service interface {
	// AnalyzeEvent runs the inline detectors for one authenticated request
	// event. It is fire-and-forget: detection errors are logged, never
	// returned to the request path.
	AnalyzeEvent(ctx context.Context, evt *event.SecurityEvent)
	// RunSweep runs all detectors over active sessions and the trailing
	// event window. Called periodically and on manual trigger.
	RunSweep(ctx context.Context) ([]*correlation.Cluster, error)
	// ExpireStale transitions clusters older than the correlation window
	// to EXPIRED and returns how many were expired.
	ExpireStale(ctx context.Context) (int, error)
	// CheckRequest applies the request-path guard for a user. A standard
	// check fails open on internal error; a strict check fails closed.
	CheckRequest(ctx context.Context, userID uuid.UUID, mode GuardMode) error
}

// GuardMode selects the failure posture of a request-path check.
type GuardMode int

const (
	// GuardStandard allows the request when the check itself errors.
	GuardStandard GuardMode = iota
	// GuardStrict denies the request when the check itself errors; used on
	// high-value operations where a false allow costs more.
	GuardStrict
)

// ClusterRepository stores correlation clusters.
type ClusterRepository interface {
	// FindActiveByKey returns the ACTIVE cluster for a dedup key. When none
	// exists it returns a not-found error, never (nil, nil).
	FindActiveByKey(ctx context.Context, key string) (*correlation.Cluster, error)
	GetByID(ctx context.Context, id uuid.UUID) (*correlation.Cluster, error)
	Save(ctx context.Context, c *correlation.Cluster) error
	ListActive(ctx context.Context) ([]*correlation.Cluster, error)
}

// ThreatEventLog is the append-only detection log.
type ThreatEventLog interface {
	Append(ctx context.Context, te *correlation.ThreatEvent) error
}

// SessionReader provides the active sessions examined by sweeps.
type SessionReader interface {
	ListActive(ctx context.Context) ([]*event.Session, error)
}

// PredictionReader provides recent ML anomaly verdicts.
type PredictionReader interface {
	ListSince(ctx context.Context, since time.Time) ([]*event.MLPrediction, error)
}

// EventReader provides the trailing event window.
type EventReader interface {
	ListSince(ctx context.Context, since time.Time) ([]*event.SecurityEvent, error)
}

// TrustStore answers whether two users have a known-legitimate relationship
// (family accounts, shared household devices).
type TrustStore interface {
	AreTrusted(ctx context.Context, a, b uuid.UUID) (bool, error)
}

// EntitySource exposes high-risk graph entities to the attack-vector
// detector.
type EntitySource interface {
	ListHighRisk(ctx context.Context, minScore float64) ([]*entity.Entity, error)
}

// Escalator receives qualifying clusters for a containment decision.
type Escalator interface {
	Escalate(ctx context.Context, c *correlation.Cluster) error
}

// ContainmentChecker reports whether a user is currently covered by an
// executed containment action.
type ContainmentChecker interface {
	IsContained(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Config carries the correlation thresholds. Zero AnalysisWindow selects
// DefaultConfig.
type Config struct {
	Window                  time.Duration // rolling correlation window
	IPMinUsers              int           // distinct non-trusted users sharing an IP
	IPCriticalUsers         int           // user count at which IP clusters go critical
	DeviceMinUsers          int
	EscalationMinEvents     int
	AnomalyMinPredictions   int
	AnomalyMinScore         float64
	AttackVectorMinEntities int
	AttackVectorRiskFloor   float64
}

// DefaultConfig returns the production correlation thresholds.
func DefaultConfig() Config {
	return Config{
		Window:                  time.Hour,
		IPMinUsers:              3,
		IPCriticalUsers:         5,
		DeviceMinUsers:          2,
		EscalationMinEvents:     2,
		AnomalyMinPredictions:   4,
		AnomalyMinScore:         0.8,
		AttackVectorMinEntities: 3,
		AttackVectorRiskFloor:   60,
	}
}
