package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/containment"
	"github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
	"github.com/ledgerline/account-security-engine/internal/domain/relationship"
	"github.com/ledgerline/account-security-engine/internal/service/graph"
)

// InMemoryEntityRepository is the map-backed entity store used by tests and
// single-node deployments.
type InMemoryEntityRepository struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*entity.Entity
	byKey map[string]uuid.UUID
}

func NewInMemoryEntityRepository() *InMemoryEntityRepository {
	return &InMemoryEntityRepository{
		byID:  make(map[uuid.UUID]*entity.Entity),
		byKey: make(map[string]uuid.UUID),
	}
}

func (r *InMemoryEntityRepository) FindByKey(_ context.Context, entityType entity.Type, value string) (*entity.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[entity.Key(entityType, value)]
	if !ok {
		return nil, errors.ErrEntityNotFound
	}
	return r.byID[id], nil
}

func (r *InMemoryEntityRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, errors.ErrEntityNotFound
	}
	return e, nil
}

func (r *InMemoryEntityRepository) Save(_ context.Context, e *entity.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[e.ID] = e
	r.byKey[e.Key()] = e.ID
	return nil
}

func (r *InMemoryEntityRepository) ListHighRisk(_ context.Context, minScore float64) ([]*entity.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entity.Entity
	for _, e := range r.byID {
		if e.RiskScore >= minScore {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out, nil
}

// UsersForIncident resolves the user entities attached to an incident. This
// satisfies the containment IncidentUserSource against the entity graph.
func (r *InMemoryEntityRepository) UsersForIncident(_ context.Context, incidentID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uuid.UUID
	for _, e := range r.byID {
		if e.Type != entity.TypeUser {
			continue
		}
		for _, id := range e.IncidentIDs {
			if id == incidentID {
				if userID, err := uuid.Parse(e.Value); err == nil {
					out = append(out, userID)
				}
				break
			}
		}
	}
	return out, nil
}

// InMemoryRelationshipRepository is the map-backed edge store.
type InMemoryRelationshipRepository struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*relationship.Relationship
	byKey map[string]uuid.UUID
}

func NewInMemoryRelationshipRepository() *InMemoryRelationshipRepository {
	return &InMemoryRelationshipRepository{
		byID:  make(map[uuid.UUID]*relationship.Relationship),
		byKey: make(map[string]uuid.UUID),
	}
}

func (r *InMemoryRelationshipRepository) FindByKey(_ context.Context, key string) (*relationship.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, errors.NewNotFoundError("relationship")
	}
	return r.byID[id], nil
}

func (r *InMemoryRelationshipRepository) GetByID(_ context.Context, id uuid.UUID) (*relationship.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.byID[id]
	if !ok {
		return nil, errors.NewNotFoundError("relationship")
	}
	return rel, nil
}

func (r *InMemoryRelationshipRepository) Save(_ context.Context, rel *relationship.Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rel.ID] = rel
	r.byKey[rel.Key()] = rel.ID
	return nil
}

func (r *InMemoryRelationshipRepository) ListByEntity(_ context.Context, entityID uuid.UUID) ([]*relationship.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*relationship.Relationship
	for _, rel := range r.byID {
		if rel.SourceID == entityID || rel.TargetID == entityID {
			out = append(out, rel)
		}
	}
	return out, nil
}

// InMemoryIncidentRepository is the map-backed incident ledger.
type InMemoryIncidentRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*incident.SecurityIncident
}

func NewInMemoryIncidentRepository() *InMemoryIncidentRepository {
	return &InMemoryIncidentRepository{byID: make(map[uuid.UUID]*incident.SecurityIncident)}
}

func (r *InMemoryIncidentRepository) Save(_ context.Context, inc *incident.SecurityIncident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[inc.ID] = inc
	return nil
}

func (r *InMemoryIncidentRepository) GetByID(_ context.Context, id uuid.UUID) (*incident.SecurityIncident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.byID[id]
	if !ok {
		return nil, errors.ErrIncidentNotFound
	}
	return inc, nil
}

func (r *InMemoryIncidentRepository) FindRecentByType(_ context.Context, incidentType incident.Type, since time.Time) (*incident.SecurityIncident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *incident.SecurityIncident
	for _, inc := range r.byID {
		if inc.IncidentType != incidentType || inc.Status.IsTerminal() {
			continue
		}
		if inc.LastSeen.Before(since) {
			continue
		}
		if best == nil || inc.LastSeen.After(best.LastSeen) {
			best = inc
		}
	}
	if best == nil {
		return nil, errors.ErrIncidentNotFound
	}
	return best, nil
}

func (r *InMemoryIncidentRepository) List(_ context.Context, filter graph.IncidentFilter) ([]*incident.SecurityIncident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*incident.SecurityIncident
	for _, inc := range r.byID {
		if filter.Status != nil && inc.Status != *filter.Status {
			continue
		}
		if filter.IncidentType != nil && inc.IncidentType != *filter.IncidentType {
			continue
		}
		if filter.Since != nil && inc.LastSeen.Before(*filter.Since) {
			continue
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// InMemoryEventStore keeps the trailing event window in memory.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events []*event.SecurityEvent
	seen   map[uuid.UUID]struct{}
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{seen: make(map[uuid.UUID]struct{})}
}

func (s *InMemoryEventStore) Save(_ context.Context, evt *event.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[evt.ID]; dup {
		return nil
	}
	s.seen[evt.ID] = struct{}{}
	s.events = append(s.events, evt)
	return nil
}

func (s *InMemoryEventStore) ListSince(_ context.Context, since time.Time) ([]*event.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*event.SecurityEvent
	for _, evt := range s.events {
		if !evt.CreatedAt.Before(since) {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InMemoryClusterRepository is the map-backed cluster store plus threat log.
type InMemoryClusterRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*correlation.Cluster
	log  []*correlation.ThreatEvent
}

func NewInMemoryClusterRepository() *InMemoryClusterRepository {
	return &InMemoryClusterRepository{byID: make(map[uuid.UUID]*correlation.Cluster)}
}

func (r *InMemoryClusterRepository) FindActiveByKey(_ context.Context, key string) (*correlation.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byID {
		if c.Status == correlation.StatusActive && c.Key() == key {
			return c, nil
		}
	}
	return nil, errors.ErrClusterNotFound
}

func (r *InMemoryClusterRepository) GetByID(_ context.Context, id uuid.UUID) (*correlation.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, errors.ErrClusterNotFound
	}
	return c, nil
}

func (r *InMemoryClusterRepository) Save(_ context.Context, c *correlation.Cluster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID] = c
	return nil
}

func (r *InMemoryClusterRepository) ListActive(_ context.Context) ([]*correlation.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*correlation.Cluster
	for _, c := range r.byID {
		if c.Status == correlation.StatusActive {
			out = append(out, c)
		}
	}
	return out, nil
}

// Append stores one immutable threat log entry.
func (r *InMemoryClusterRepository) Append(_ context.Context, te *correlation.ThreatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, te)
	return nil
}

// ThreatLog returns a copy of the appended log entries, oldest first.
func (r *InMemoryClusterRepository) ThreatLog() []*correlation.ThreatEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*correlation.ThreatEvent(nil), r.log...)
}

// InMemoryActionRepository is the map-backed containment ledger.
type InMemoryActionRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*containment.Action
}

func NewInMemoryActionRepository() *InMemoryActionRepository {
	return &InMemoryActionRepository{byID: make(map[uuid.UUID]*containment.Action)}
}

func (r *InMemoryActionRepository) Save(_ context.Context, a *containment.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.ID] = a
	return nil
}

func (r *InMemoryActionRepository) GetByID(_ context.Context, id uuid.UUID) (*containment.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, errors.ErrContainmentNotFound
	}
	return a, nil
}

func (r *InMemoryActionRepository) FindNonTerminalByCluster(_ context.Context, clusterID uuid.UUID) (*containment.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byID {
		if a.ClusterID == clusterID && !a.Status.IsTerminal() {
			return a, nil
		}
	}
	return nil, errors.ErrContainmentNotFound
}

func (r *InMemoryActionRepository) ListPendingAutoExecute(_ context.Context, now time.Time) ([]*containment.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*containment.Action
	for _, a := range r.byID {
		if a.CanAutoExecute(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *InMemoryActionRepository) ListExecutedByUser(_ context.Context, userID uuid.UUID) ([]*containment.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*containment.Action
	for _, a := range r.byID {
		if a.Status != containment.StatusExecuted {
			continue
		}
		for _, id := range a.AffectedUserIDs {
			if id == userID {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

// InMemorySessionStore holds the active session view.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*event.Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[uuid.UUID]*event.Session)}
}

func (s *InMemorySessionStore) Put(sess *event.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *InMemorySessionStore) ListActive(_ context.Context) ([]*event.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*event.Session
	for _, sess := range s.sessions {
		if sess.IsActive {
			out = append(out, sess)
		}
	}
	return out, nil
}

// InMemoryPredictionStore holds recent ML anomaly verdicts.
type InMemoryPredictionStore struct {
	mu    sync.RWMutex
	preds []*event.MLPrediction
}

func NewInMemoryPredictionStore() *InMemoryPredictionStore {
	return &InMemoryPredictionStore{}
}

func (s *InMemoryPredictionStore) Put(p *event.MLPrediction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preds = append(s.preds, p)
}

func (s *InMemoryPredictionStore) ListSince(_ context.Context, since time.Time) ([]*event.MLPrediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*event.MLPrediction
	for _, p := range s.preds {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

// InMemoryTrustStore holds trusted user pairs.
type InMemoryTrustStore struct {
	mu    sync.RWMutex
	pairs []*event.TrustedRelationship
}

func NewInMemoryTrustStore() *InMemoryTrustStore {
	return &InMemoryTrustStore{}
}

func (s *InMemoryTrustStore) Put(t *event.TrustedRelationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, t)
}

func (s *InMemoryTrustStore) AreTrusted(_ context.Context, a, b uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.pairs {
		if t.IsActive() && t.Covers(a, b) {
			return true, nil
		}
	}
	return false, nil
}
