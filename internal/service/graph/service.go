package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/relationship"
	"github.com/ledgerline/account-security-engine/internal/metrics"
)

// service implements the graph analysis engine
type service struct {
	entities      EntityRepository
	relationships RelationshipRepository
	incidents     IncidentRepository
	events        EventReader
	enricher      Enricher
	logger        *zap.Logger
	metrics       *metrics.Registry
	cfg           Config
}

// NewService creates a new graph analysis engine. The enricher and metrics
// registry are optional.
func NewService(
	entities EntityRepository,
	relationships RelationshipRepository,
	incidents IncidentRepository,
	events EventReader,
	enricher Enricher,
	logger *zap.Logger,
	reg *metrics.Registry,
	cfg Config,
) Service {
	def := DefaultConfig()
	if cfg.AnalysisWindow == 0 {
		cfg = def
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		entities:      entities,
		relationships: relationships,
		incidents:     incidents,
		events:        events,
		enricher:      enricher,
		logger:        logger,
		metrics:       reg,
		cfg:           cfg,
	}
}

// candidate is one entity reference extracted from an event.
type candidate struct {
	entityType entity.Type
	value      string
}

// ProcessEvent extracts entities and relationships from one event and
// updates both stores.
func (s *service) ProcessEvent(ctx context.Context, evt *event.SecurityEvent) error {
	candidates := s.extractCandidates(ctx, evt)
	if len(candidates) == 0 {
		return nil
	}

	upserted := make([]*entity.Entity, 0, len(candidates))
	for _, c := range candidates {
		e, err := s.upsertEntity(ctx, c, evt)
		if err != nil {
			s.logger.Warn("entity upsert failed",
				zap.String("entity_type", c.entityType.String()),
				zap.Error(err))
			continue
		}
		upserted = append(upserted, e)
	}

	// Every unordered pair of entities observed in the same event becomes
	// edge evidence. Unmapped type pairs are skipped, not erred.
	for i := 0; i < len(upserted); i++ {
		for j := i + 1; j < len(upserted); j++ {
			if err := s.upsertRelationship(ctx, upserted[i], upserted[j], evt); err != nil {
				s.logger.Warn("relationship upsert failed", zap.Error(err))
			}
		}
	}

	if s.metrics != nil {
		s.metrics.RecordEventProcessed(ctx, string(evt.EventType))
	}
	return nil
}

// extractCandidates derives the entity references present on an event.
// Empty fields are skipped. ASN resolution is best-effort.
func (s *service) extractCandidates(ctx context.Context, evt *event.SecurityEvent) []candidate {
	var out []candidate

	if evt.IPAddress != "" {
		out = append(out, candidate{entity.TypeIP, evt.IPAddress})
		if s.enricher != nil {
			if asn := s.enricher.ASNForIP(ctx, evt.IPAddress); asn != "" {
				out = append(out, candidate{entity.TypeASN, asn})
			}
		}
	}
	if evt.DeviceFingerprint != "" {
		out = append(out, candidate{entity.TypeDeviceFingerprint, evt.DeviceFingerprint})
	}
	if evt.UserAgent != "" {
		out = append(out, candidate{entity.TypeUserAgent, evt.UserAgent})
	}
	if evt.Location != nil && evt.Location.Country != "" {
		out = append(out, candidate{entity.TypeLocation, locationValue(evt.Location)})
	}
	if evt.UserID != uuid.Nil {
		out = append(out, candidate{entity.TypeUser, evt.UserID.String()})
	}
	if evt.SessionID != nil && *evt.SessionID != uuid.Nil {
		out = append(out, candidate{entity.TypeSession, evt.SessionID.String()})
	}
	return out
}

func locationValue(loc *event.Location) string {
	if loc.City != "" {
		return fmt.Sprintf("%s/%s", loc.Country, loc.City)
	}
	return loc.Country
}

// upsertEntity is the find-or-create path: (type, value) is a unique key,
// so a concurrent create that loses the race falls back to the stored row.
func (s *service) upsertEntity(ctx context.Context, c candidate, evt *event.SecurityEvent) (*entity.Entity, error) {
	e, err := s.entities.FindByKey(ctx, c.entityType, c.value)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}
	if e == nil {
		e, err = entity.New(c.entityType, c.value)
		if err != nil {
			return nil, err
		}
	}
	e.RecordEvent(evt)
	if err := s.entities.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *service) upsertRelationship(ctx context.Context, a, b *entity.Entity, evt *event.SecurityEvent) error {
	relType, ok := relationship.TypeForPair(a.Type, b.Type)
	if !ok {
		return nil
	}

	key := relationship.Key(a.ID, b.ID, relType)
	rel, err := s.relationships.FindByKey(ctx, key)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return err
	}
	if rel == nil {
		rel = relationship.New(a.ID, b.ID, relType)
	}
	rel.AddEvidence(evt)
	return s.relationships.Save(ctx, rel)
}

// TraverseFrom walks the graph from one entity to bounded depth via BFS and
// returns the visualization payload.
func (s *service) TraverseFrom(ctx context.Context, entityID uuid.UUID, depth int) (*GraphView, error) {
	if depth <= 0 || depth > s.cfg.MaxTraversalDepth {
		depth = s.cfg.MaxTraversalDepth
	}

	seed, err := s.entities.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}

	comp, err := s.discoverComponent(ctx, seed, depth)
	if err != nil {
		return nil, err
	}

	view := &GraphView{}
	for _, n := range comp.entities {
		view.Nodes = append(view.Nodes, GraphNode{
			ID:             n.ID,
			Type:           n.Type.String(),
			Value:          n.Value,
			RiskScore:      n.RiskScore,
			Classification: n.Classification.String(),
			Depth:          comp.depths[n.ID],
		})
	}
	for _, e := range comp.relationships {
		view.Edges = append(view.Edges, GraphEdge{
			ID:            e.ID,
			SourceID:      e.SourceID,
			TargetID:      e.TargetID,
			Type:          string(e.Type),
			Weight:        e.Weight,
			EvidenceCount: len(e.Evidence),
		})
	}
	return view, nil
}

// BlocklistEntity puts an entity on the blocklist with optional expiry.
func (s *service) BlocklistEntity(ctx context.Context, entityID uuid.UUID, reason string, expiresAt *time.Time) error {
	e, err := s.entities.GetByID(ctx, entityID)
	if err != nil {
		return err
	}
	e.Block(reason, expiresAt)
	return s.entities.Save(ctx, e)
}

// ValidateIncident records an analyst verdict on an incident.
func (s *service) ValidateIncident(ctx context.Context, incidentID uuid.UUID, confirmed bool) error {
	inc, err := s.incidents.GetByID(ctx, incidentID)
	if err != nil {
		return err
	}
	inc.Validate(confirmed)
	if err := s.incidents.Save(ctx, inc); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordIncidentValidation(ctx, confirmed)
	}
	return nil
}

// PrecisionReport aggregates analyst verdicts across all incidents.
func (s *service) PrecisionReport(ctx context.Context) (*PrecisionReport, error) {
	incidents, err := s.incidents.List(ctx, IncidentFilter{})
	if err != nil {
		return nil, err
	}
	report := &PrecisionReport{}
	for _, inc := range incidents {
		report.TruePositives += inc.Validation.TruePositives
		report.FalsePositives += inc.Validation.FalsePositives
	}
	if total := report.TruePositives + report.FalsePositives; total > 0 {
		report.Precision = float64(report.TruePositives) / float64(total)
	}
	return report, nil
}

// component is a discovered connected component.
type component struct {
	seed          *entity.Entity
	entities      []*entity.Entity
	relationships []*relationship.Relationship
	depths        map[uuid.UUID]int
}

// discoverComponent runs bounded BFS from a seed entity, collecting every
// node and edge reachable within maxDepth hops.
func (s *service) discoverComponent(ctx context.Context, seed *entity.Entity, maxDepth int) (*component, error) {
	comp := &component{
		seed:   seed,
		depths: map[uuid.UUID]int{seed.ID: 0},
	}
	comp.entities = append(comp.entities, seed)

	seenEdges := make(map[uuid.UUID]struct{})
	frontier := []*entity.Entity{seed}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []*entity.Entity
		for _, node := range frontier {
			edges, err := s.relationships.ListByEntity(ctx, node.ID)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if _, ok := seenEdges[edge.ID]; !ok {
					seenEdges[edge.ID] = struct{}{}
					comp.relationships = append(comp.relationships, edge)
				}

				neighborID := edge.TargetID
				if neighborID == node.ID {
					neighborID = edge.SourceID
				}
				if _, ok := comp.depths[neighborID]; ok {
					continue
				}
				neighbor, err := s.entities.GetByID(ctx, neighborID)
				if err != nil {
					if errors.IsType(err, errors.ErrorTypeNotFound) {
						continue
					}
					return nil, err
				}
				comp.depths[neighborID] = depth + 1
				comp.entities = append(comp.entities, neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return comp, nil
}
