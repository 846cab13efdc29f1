package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/entity"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
)

// entityRepository implements EntityRepository using PostgreSQL
type entityRepository struct {
	db *sql.DB
}

// NewEntityRepository creates a new entity repository
func NewEntityRepository(db *sql.DB) *entityRepository {
	return &entityRepository{db: db}
}

const entityColumns = `
	id, entity_type, value, risk_score, classification,
	stats, graph_metrics, incident_ids, blocklist,
	created_at, updated_at
`

// FindByKey retrieves an entity by its (type, value) identity key
func (r *entityRepository) FindByKey(ctx context.Context, entityType entity.Type, value string) (*entity.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = $1 AND value = $2`
	return r.scanOne(r.db.QueryRowContext(ctx, query, entityType.String(), value))
}

// GetByID retrieves an entity by ID
func (r *entityRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// Save upserts an entity on its (type, value) unique key
func (r *entityRepository) Save(ctx context.Context, e *entity.Entity) error {
	statsJSON, err := json.Marshal(e.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	metricsJSON, err := json.Marshal(e.GraphMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal graph metrics: %w", err)
	}
	incidentsJSON, err := json.Marshal(e.IncidentIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal incident ids: %w", err)
	}
	blocklistJSON, err := json.Marshal(e.Blocklist)
	if err != nil {
		return fmt.Errorf("failed to marshal blocklist: %w", err)
	}

	query := `
		INSERT INTO entities (
			id, entity_type, value, risk_score, classification,
			stats, graph_metrics, incident_ids, blocklist,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (entity_type, value) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			classification = EXCLUDED.classification,
			stats = EXCLUDED.stats,
			graph_metrics = EXCLUDED.graph_metrics,
			incident_ids = EXCLUDED.incident_ids,
			blocklist = EXCLUDED.blocklist,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.Type.String(), e.Value, e.RiskScore, e.Classification.String(),
		statsJSON, metricsJSON, incidentsJSON, blocklistJSON,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// ListHighRisk returns entities at or above the risk floor, riskiest first
func (r *entityRepository) ListHighRisk(ctx context.Context, minScore float64) ([]*entity.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE risk_score >= $1 ORDER BY risk_score DESC`

	rows, err := r.db.QueryContext(ctx, query, minScore)
	if err != nil {
		return nil, fmt.Errorf("failed to list high risk entities: %w", err)
	}
	defer rows.Close()

	var out []*entity.Entity
	for rows.Next() {
		e, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UsersForIncident resolves user entities linked to an incident
func (r *entityRepository) UsersForIncident(ctx context.Context, incidentID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT value FROM entities
		WHERE entity_type = 'user' AND incident_ids @> $1
	`
	idJSON, err := json.Marshal([]uuid.UUID{incidentID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal incident id: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, idJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident users: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		if userID, err := uuid.Parse(value); err == nil {
			out = append(out, userID)
		}
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *entityRepository) scanOne(row *sql.Row) (*entity.Entity, error) {
	e, err := r.scanRow(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrEntityNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *entityRepository) scanRow(row rowScanner) (*entity.Entity, error) {
	var e entity.Entity
	var typeStr, classStr string
	var statsJSON, metricsJSON, incidentsJSON, blocklistJSON []byte

	err := row.Scan(
		&e.ID, &typeStr, &e.Value, &e.RiskScore, &classStr,
		&statsJSON, &metricsJSON, &incidentsJSON, &blocklistJSON,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	e.Type = ParseEntityType(typeStr)
	e.Classification = ParseClassification(classStr)

	if err := json.Unmarshal(statsJSON, &e.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	if err := json.Unmarshal(metricsJSON, &e.GraphMetrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph metrics: %w", err)
	}
	if err := json.Unmarshal(incidentsJSON, &e.IncidentIDs); err != nil {
		e.IncidentIDs = nil
	}
	if err := json.Unmarshal(blocklistJSON, &e.Blocklist); err != nil {
		e.Blocklist = entity.Blocklist{}
	}
	return &e, nil
}

// ParseEntityType converts a stored entity type string back to its enum.
func ParseEntityType(s string) entity.Type {
	switch s {
	case "ip":
		return entity.TypeIP
	case "asn":
		return entity.TypeASN
	case "device_fingerprint":
		return entity.TypeDeviceFingerprint
	case "user_agent":
		return entity.TypeUserAgent
	case "location":
		return entity.TypeLocation
	case "user":
		return entity.TypeUser
	case "session":
		return entity.TypeSession
	default:
		return entity.TypeIP
	}
}

// ParseClassification converts a stored classification string back to its enum.
func ParseClassification(s string) entity.Classification {
	switch s {
	case "suspicious":
		return entity.ClassificationSuspicious
	case "malicious":
		return entity.ClassificationMalicious
	case "compromised":
		return entity.ClassificationCompromised
	default:
		return entity.ClassificationBenign
	}
}
