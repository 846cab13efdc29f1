package graph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
	"github.com/ledgerline/account-security-engine/internal/domain/relationship"
)

// Service is the graph analysis engine interface.
type Service interface {
	// ProcessEvent extracts entities and relationships from one event and
	// updates the stores. Detection-path errors are logged, never returned
	// to the ingestion caller.
	ProcessEvent(ctx context.Context, evt *event.SecurityEvent) error
	// AnalyzeWindow runs campaign detection over the trailing analysis
	// window and returns the incidents created or updated.
	AnalyzeWindow(ctx context.Context) ([]*incident.SecurityIncident, error)
	// TraverseFrom walks the graph from one entity to bounded depth and
	// returns a visualization payload.
	TraverseFrom(ctx context.Context, entityID uuid.UUID, depth int) (*GraphView, error)
	// BlocklistEntity puts an entity on the blocklist with optional expiry.
	BlocklistEntity(ctx context.Context, entityID uuid.UUID, reason string, expiresAt *time.Time) error
	// ValidateIncident records an analyst verdict on an incident.
	ValidateIncident(ctx context.Context, incidentID uuid.UUID, confirmed bool) error
	// PrecisionReport aggregates analyst verdicts across all incidents.
	PrecisionReport(ctx context.Context) (*PrecisionReport, error)
}

// PrecisionReport summarizes detection quality from analyst validations.
type PrecisionReport struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	Precision      float64 `json:"precision"`
}

// EntityRepository is the durable registry of graph nodes.
type EntityRepository interface {
	// FindByKey looks up an entity by its (type, value) identity key.
	FindByKey(ctx context.Context, entityType entity.Type, value string) (*entity.Entity, error)
	// GetByID looks up an entity by id.
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Entity, error)
	// Save upserts an entity.
	Save(ctx context.Context, e *entity.Entity) error
	// ListHighRisk returns entities with riskScore at or above the floor.
	ListHighRisk(ctx context.Context, minScore float64) ([]*entity.Entity, error)
}

// RelationshipRepository is the durable registry of graph edges.
type RelationshipRepository interface {
	// FindByKey looks up an edge by its unordered (source, target, type) key.
	FindByKey(ctx context.Context, key string) (*relationship.Relationship, error)
	// GetByID looks up an edge by id.
	GetByID(ctx context.Context, id uuid.UUID) (*relationship.Relationship, error)
	// Save upserts an edge.
	Save(ctx context.Context, r *relationship.Relationship) error
	// ListByEntity returns all edges touching the given entity.
	ListByEntity(ctx context.Context, entityID uuid.UUID) ([]*relationship.Relationship, error)
}

// IncidentRepository stores analyst-facing incidents.
type IncidentRepository interface {
	Save(ctx context.Context, inc *incident.SecurityIncident) error
	GetByID(ctx context.Context, id uuid.UUID) (*incident.SecurityIncident, error)
	// FindRecentByType returns the newest non-terminal incident of the given
	// type seen within the window. When none qualifies it returns a not-found
	// error, never (nil, nil).
	FindRecentByType(ctx context.Context, incidentType incident.Type, since time.Time) (*incident.SecurityIncident, error)
	List(ctx context.Context, filter IncidentFilter) ([]*incident.SecurityIncident, error)
}

// IncidentFilter narrows incident listings for the analyst surface.
type IncidentFilter struct {
	Status       *incident.Status
	IncidentType *incident.Type
	MinSeverity  *event.Severity
	Since        *time.Time
	Limit        int
}

// EventReader provides the trailing event window for campaign detection.
type EventReader interface {
	// ListSince returns events created after the given time, newest last.
	ListSince(ctx context.Context, since time.Time) ([]*event.SecurityEvent, error)
}

// Enricher resolves best-effort external annotations. Implementations must
// never let a lookup failure escape their own boundary.
type Enricher interface {
	// ASNForIP returns the autonomous system for an IP, or "" when the
	// lookup fails or is unavailable.
	ASNForIP(ctx context.Context, ip string) string
}

// GraphNode is one node of a visualization payload.
type GraphNode struct {
	ID             uuid.UUID `json:"id"`
	Type           string    `json:"type"`
	Value          string    `json:"value"`
	RiskScore      float64   `json:"risk_score"`
	Classification string    `json:"classification"`
	Depth          int       `json:"depth"`
}

// GraphEdge is one edge of a visualization payload.
type GraphEdge struct {
	ID            uuid.UUID `json:"id"`
	SourceID      uuid.UUID `json:"source_id"`
	TargetID      uuid.UUID `json:"target_id"`
	Type          string    `json:"type"`
	Weight        float64   `json:"weight"`
	EvidenceCount int       `json:"evidence_count"`
}

// GraphView is the nodes/edges payload served to the analyst surface.
type GraphView struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Config carries the detection thresholds. Zero values are replaced by
// DefaultConfig in NewService.
type Config struct {
	AnalysisWindow        time.Duration // trailing window for campaign detection
	IncidentDedupWindow   time.Duration // same-type incidents inside it absorb evidence
	BurstWindow           time.Duration
	BurstThreshold        int     // events inside BurstWindow for an immediate critical incident
	StuffingMinUniqueIPs  int     // unique source IPs per targeted user
	LowSlowMinEvents      int     // events from one IP inside AnalysisWindow
	LowSlowMinRate        float64 // events per hour, lower bound
	LowSlowMaxRate        float64 // events per hour, upper bound
	HighRiskSeedScore     float64 // entity risk floor for component seeds
	MaxTraversalDepth     int
	MinComponentSize      int
	MinIncidentConfidence float64
	HighSignalRiskScore   float64
}

// DefaultConfig returns the production detection thresholds.
func DefaultConfig() Config {
	return Config{
		AnalysisWindow:        24 * time.Hour,
		IncidentDedupWindow:   24 * time.Hour,
		BurstWindow:           5 * time.Minute,
		BurstThreshold:        10,
		StuffingMinUniqueIPs:  5,
		LowSlowMinEvents:      50,
		LowSlowMinRate:        2,
		LowSlowMaxRate:        20,
		HighRiskSeedScore:     60,
		MaxTraversalDepth:     4,
		MinComponentSize:      2,
		MinIncidentConfidence: 50,
		HighSignalRiskScore:   50,
	}
}
