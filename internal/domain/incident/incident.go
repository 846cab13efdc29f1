package incident

import (
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
)

// Type enumerates the campaign shapes that produce incidents.
type Type string

const (
	TypeDistributedCredentialStuffing Type = "DISTRIBUTED_CREDENTIAL_STUFFING"
	TypeRapidBurstAttack              Type = "RAPID_BURST_ATTACK"
	TypeLowAndSlowAttack              Type = "LOW_AND_SLOW_ATTACK"
	TypeCoordinatedAttack             Type = "COORDINATED_ATTACK"
)

// Status is the analyst workflow state.
type Status string

const (
	StatusNew           Status = "NEW"
	StatusInvestigating Status = "INVESTIGATING"
	StatusConfirmed     Status = "CONFIRMED"
	StatusMitigated     Status = "MITIGATED"
	StatusResolved      Status = "RESOLVED"
	StatusFalsePositive Status = "FALSE_POSITIVE"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// transitions is the allowed forward path. FALSE_POSITIVE is reachable from
// any non-terminal state and handled separately in CanTransition.
var transitions = map[Status]Status{
	StatusNew:           StatusInvestigating,
	StatusInvestigating: StatusConfirmed,
	StatusConfirmed:     StatusMitigated,
	StatusMitigated:     StatusResolved,
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFalsePositive {
		return true
	}
	return transitions[from] == to
}

// AttackVelocity classifies the event rate of a campaign.
type AttackVelocity string

const (
	VelocityBurst      AttackVelocity = "BURST"
	VelocityLowAndSlow AttackVelocity = "LOW_AND_SLOW"
	VelocitySustained  AttackVelocity = "SUSTAINED"
)

// CampaignMetrics summarizes the shape of the detected campaign.
type CampaignMetrics struct {
	UniqueIPs       int            `json:"unique_ips"`
	UniqueDevices   int            `json:"unique_devices"`
	UniqueUsers     int            `json:"unique_users"`
	UniqueLocations int            `json:"unique_locations"`
	EventsPerHour   float64        `json:"events_per_hour"`
	AttackDuration  time.Duration  `json:"attack_duration"`
	AttackVelocity  AttackVelocity `json:"attack_velocity"`
}

// GraphAnalysis records the component-level figures behind a graph detection.
type GraphAnalysis struct {
	ComponentID    string  `json:"component_id,omitempty"`
	ComponentSize  int     `json:"component_size"`
	GraphDensity   float64 `json:"graph_density"`
	AvgEntityRisk  float64 `json:"avg_entity_risk"`
	TraversalDepth int     `json:"traversal_depth"`
}

// Evidence aggregates everything backing the incident.
type Evidence struct {
	EventIDs        []uuid.UUID `json:"event_ids"`
	EntityIDs       []uuid.UUID `json:"entity_ids"`
	RelationshipIDs []uuid.UUID `json:"relationship_ids"`
	EvidenceChain   []string    `json:"evidence_chain"`
}

// Reason is one explainable scoring factor, persisted verbatim for analyst
// review.
type Reason struct {
	Reason             string   `json:"reason"`
	Weight             float64  `json:"weight"` // normalized 0-1
	SupportingEvidence []string `json:"supporting_evidence"`
}

// ResponseAction records a protective action taken against the incident.
type ResponseAction struct {
	ActionType string    `json:"action_type"`
	TakenBy    string    `json:"taken_by"`
	TakenAt    time.Time `json:"taken_at"`
	Details    string    `json:"details,omitempty"`
}

// AnalystNote is one append-only workflow annotation.
type AnalystNote struct {
	AnalystID string    `json:"analyst_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationMetrics is append-only precision telemetry. It never affects the
// incident status.
type ValidationMetrics struct {
	TruePositives   int        `json:"true_positives"`
	FalsePositives  int        `json:"false_positives"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
}

// SecurityIncident is an analyst-facing case aggregating clusters and
// graph components with an explainable confidence score.
type SecurityIncident struct {
	ID               uuid.UUID         `json:"id"`
	IncidentType     Type              `json:"incident_type"`
	Severity         event.Severity    `json:"severity"`
	Status           Status            `json:"status"`
	ConfidenceScore  float64           `json:"confidence_score"` // 0-100
	CampaignMetrics  CampaignMetrics   `json:"campaign_metrics"`
	GraphAnalysis    GraphAnalysis     `json:"graph_analysis"`
	Evidence         Evidence          `json:"evidence"`
	Reasoning        []Reason          `json:"clustering_reasoning"`
	ResponseActions  []ResponseAction  `json:"response_actions"`
	Notes            []AnalystNote     `json:"analyst_notes"`
	Validation       ValidationMetrics `json:"validation_metrics"`
	AssignedTo       string            `json:"assigned_to,omitempty"`
	FirstSeen        time.Time         `json:"first_seen"`
	LastSeen         time.Time         `json:"last_seen"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	TimeToResolution time.Duration     `json:"time_to_resolution,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// New creates an incident in the NEW state.
func New(incidentType Type, severity event.Severity, confidence float64) *SecurityIncident {
	now := time.Now()
	return &SecurityIncident{
		ID:              uuid.New(),
		IncidentType:    incidentType,
		Severity:        severity,
		Status:          StatusNew,
		ConfidenceScore: confidence,
		FirstSeen:       now,
		LastSeen:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// UpdateStatus performs an explicit analyst transition. Resolution stamps
// resolvedAt and timeToResolution.
func (i *SecurityIncident) UpdateStatus(to Status) error {
	if !CanTransition(i.Status, to) {
		return errors.NewInvariantError("INVALID_STATUS_TRANSITION",
			"cannot transition incident from "+string(i.Status)+" to "+string(to))
	}

	i.Status = to
	now := time.Now()
	if to == StatusResolved {
		i.ResolvedAt = &now
		i.TimeToResolution = now.Sub(i.CreatedAt)
	}
	i.UpdatedAt = now
	return nil
}

// AssignTo hands the incident to an analyst, auto-advancing NEW incidents
// to INVESTIGATING.
func (i *SecurityIncident) AssignTo(analystID string) error {
	if i.Status.IsTerminal() {
		return errors.NewInvariantError("INCIDENT_CLOSED", "cannot assign a closed incident")
	}
	i.AssignedTo = analystID
	if i.Status == StatusNew {
		i.Status = StatusInvestigating
	}
	i.UpdatedAt = time.Now()
	return nil
}

// AddNote appends an analyst annotation.
func (i *SecurityIncident) AddNote(analystID, note string) {
	i.Notes = append(i.Notes, AnalystNote{
		AnalystID: analystID,
		Note:      note,
		CreatedAt: time.Now(),
	})
	i.UpdatedAt = time.Now()
}

// RecordAction logs a protective action taken for this incident.
func (i *SecurityIncident) RecordAction(actionType, takenBy, details string) {
	i.ResponseActions = append(i.ResponseActions, ResponseAction{
		ActionType: actionType,
		TakenBy:    takenBy,
		TakenAt:    time.Now(),
		Details:    details,
	})
	i.UpdatedAt = time.Now()
}

// Validate records an analyst verdict for precision telemetry. It is
// append-only and never changes the incident status.
func (i *SecurityIncident) Validate(isTruePositive bool) {
	if isTruePositive {
		i.Validation.TruePositives++
	} else {
		i.Validation.FalsePositives++
	}
	now := time.Now()
	i.Validation.LastValidatedAt = &now
	i.UpdatedAt = now
}

// MergeEvidence folds a newer detection of the same campaign into this
// incident instead of spawning a duplicate. Confidence and severity only
// ever go up; status is untouched.
func (i *SecurityIncident) MergeEvidence(ev Evidence, confidence float64, severity event.Severity, reasons []Reason) {
	i.Evidence.EventIDs = mergeIDs(i.Evidence.EventIDs, ev.EventIDs)
	i.Evidence.EntityIDs = mergeIDs(i.Evidence.EntityIDs, ev.EntityIDs)
	i.Evidence.RelationshipIDs = mergeIDs(i.Evidence.RelationshipIDs, ev.RelationshipIDs)
	i.Evidence.EvidenceChain = append(i.Evidence.EvidenceChain, ev.EvidenceChain...)

	if confidence > i.ConfidenceScore {
		i.ConfidenceScore = confidence
		i.Reasoning = reasons
	}
	if severityRank(severity) > severityRank(i.Severity) {
		i.Severity = severity
	}
	i.LastSeen = time.Now()
	i.UpdatedAt = i.LastSeen
}

func mergeIDs(existing, incoming []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range incoming {
		if _, ok := seen[id]; !ok {
			existing = append(existing, id)
			seen[id] = struct{}{}
		}
	}
	return existing
}

func severityRank(s event.Severity) int {
	switch s {
	case event.SeverityCritical:
		return 4
	case event.SeverityHigh:
		return 3
	case event.SeverityMedium:
		return 2
	case event.SeverityLow:
		return 1
	default:
		return 0
	}
}

// SeverityForConfidence maps a confidence score to an incident severity.
func SeverityForConfidence(confidence float64) event.Severity {
	switch {
	case confidence >= 80:
		return event.SeverityCritical
	case confidence >= 60:
		return event.SeverityHigh
	case confidence >= 40:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}
