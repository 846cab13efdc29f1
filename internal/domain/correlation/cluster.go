package correlation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the correlation shapes the engine detects.
type Type string

const (
	TypeIPBased              Type = "IP_BASED"
	TypeDeviceReuse          Type = "DEVICE_REUSE"
	TypePrivilegeEscalation  Type = "COORDINATED_PRIVILEGE_ESCALATION"
	TypeAnomalyCluster       Type = "ANOMALY_CLUSTER"
	TypeAttackVector         Type = "ATTACK_VECTOR"
	TypeMultiAccountCampaign Type = "MULTI_ACCOUNT_CAMPAIGN"
)

// Severity is the cluster-level severity scale.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityModerate Severity = "MODERATE"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityModerate:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Status marks whether the cluster still accepts merges.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
)

// Cluster is a deduplicated, time-windowed grouping of correlated signals.
// Within the correlation window at most one ACTIVE cluster exists per
// (Type, CorrelationKey); later detections merge, never spawn a sibling.
type Cluster struct {
	ID             uuid.UUID              `json:"id"`
	Type           Type                   `json:"type"`
	CorrelationKey string                 `json:"correlation_key"`
	UserIDs        map[uuid.UUID]struct{} `json:"-"`
	SessionIDs     map[uuid.UUID]struct{} `json:"-"`
	Severity       Severity               `json:"severity"`
	Indicators     []string               `json:"indicators"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
	Status         Status                 `json:"status"`
	FirstDetected  time.Time              `json:"first_detected"`
	LastDetected   time.Time              `json:"last_detected"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Detection is one qualifying detector hit about to be folded into a cluster.
type Detection struct {
	Type           Type
	CorrelationKey string
	UserIDs        []uuid.UUID
	SessionIDs     []uuid.UUID
	Severity       Severity
	Indicators     []string
	Metadata       map[string]string
	DetectedAt     time.Time
}

// NewCluster creates a cluster from a first qualifying detection.
func NewCluster(d Detection) *Cluster {
	c := &Cluster{
		ID:             uuid.New(),
		Type:           d.Type,
		CorrelationKey: d.CorrelationKey,
		UserIDs:        make(map[uuid.UUID]struct{}),
		SessionIDs:     make(map[uuid.UUID]struct{}),
		Severity:       d.Severity,
		Indicators:     append([]string(nil), d.Indicators...),
		Metadata:       d.Metadata,
		Status:         StatusActive,
		FirstDetected:  d.DetectedAt,
		LastDetected:   d.DetectedAt,
		UpdatedAt:      time.Now(),
	}
	for _, u := range d.UserIDs {
		c.UserIDs[u] = struct{}{}
	}
	for _, s := range d.SessionIDs {
		c.SessionIDs[s] = struct{}{}
	}
	return c
}

// Merge folds a subsequent detection into the cluster: user/session sets are
// unioned and severity may only rise.
func (c *Cluster) Merge(d Detection) {
	for _, u := range d.UserIDs {
		c.UserIDs[u] = struct{}{}
	}
	for _, s := range d.SessionIDs {
		c.SessionIDs[s] = struct{}{}
	}
	if severityRank(d.Severity) > severityRank(c.Severity) {
		c.Severity = d.Severity
	}
	c.Indicators = append(c.Indicators, d.Indicators...)
	for k, v := range d.Metadata {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		c.Metadata[k] = v
	}
	if d.DetectedAt.After(c.LastDetected) {
		c.LastDetected = d.DetectedAt
	}
	c.UpdatedAt = time.Now()
}

// Expire marks the cluster as no longer accepting merges. Expired clusters
// are kept for forensics, never physically deleted.
func (c *Cluster) Expire() {
	c.Status = StatusExpired
	c.UpdatedAt = time.Now()
}

// IsStale reports whether the cluster fell out of the correlation window.
func (c *Cluster) IsStale(now time.Time, window time.Duration) bool {
	return now.Sub(c.LastDetected) > window
}

// UserCount returns the number of distinct users in the cluster.
func (c *Cluster) UserCount() int { return len(c.UserIDs) }

// Users returns the distinct user ids in the cluster.
func (c *Cluster) Users() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.UserIDs))
	for u := range c.UserIDs {
		out = append(out, u)
	}
	return out
}

// Key returns the dedup key for the cluster.
func (c *Cluster) Key() string { return Key(c.Type, c.CorrelationKey) }

// Key builds the (type, correlationKey) dedup key.
func Key(t Type, correlationKey string) string {
	return fmt.Sprintf("%s:%s", t, correlationKey)
}

// ThreatEvent is an immutable log entry appended for every detection,
// regardless of whether it created or merged a cluster.
type ThreatEvent struct {
	ID             uuid.UUID   `json:"id"`
	ClusterID      uuid.UUID   `json:"cluster_id"`
	Type           Type        `json:"type"`
	CorrelationKey string      `json:"correlation_key"`
	Severity       Severity    `json:"severity"`
	UserIDs        []uuid.UUID `json:"user_ids"`
	Description    string      `json:"description"`
	DetectedAt     time.Time   `json:"detected_at"`
}

// NewThreatEvent builds the log entry for one detection outcome.
func NewThreatEvent(clusterID uuid.UUID, d Detection, description string) *ThreatEvent {
	return &ThreatEvent{
		ID:             uuid.New(),
		ClusterID:      clusterID,
		Type:           d.Type,
		CorrelationKey: d.CorrelationKey,
		Severity:       d.Severity,
		UserIDs:        append([]uuid.UUID(nil), d.UserIDs...),
		Description:    description,
		DetectedAt:     d.DetectedAt,
	}
}
