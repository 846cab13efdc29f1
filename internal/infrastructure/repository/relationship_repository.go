package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/relationship"
	"github.com/ledgerline/account-security-engine/internal/service/graph"
)

// relationshipRepository implements RelationshipRepository using PostgreSQL
type relationshipRepository struct {
	db *sql.DB
}

// NewRelationshipRepository creates a new relationship repository
func NewRelationshipRepository(db *sql.DB) graph.RelationshipRepository {
	return &relationshipRepository{db: db}
}

const relationshipColumns = `
	id, source_id, target_id, rel_type, dedup_key,
	evidence, timing, pattern, weight, risk_contribution,
	created_at, updated_at
`

// FindByKey retrieves an edge by its unordered dedup key
func (r *relationshipRepository) FindByKey(ctx context.Context, key string) (*relationship.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE dedup_key = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, key))
}

// GetByID retrieves an edge by ID
func (r *relationshipRepository) GetByID(ctx context.Context, id uuid.UUID) (*relationship.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// Save upserts an edge on its dedup key
func (r *relationshipRepository) Save(ctx context.Context, rel *relationship.Relationship) error {
	evidenceJSON, err := json.Marshal(rel.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	timingJSON, err := json.Marshal(rel.Timing)
	if err != nil {
		return fmt.Errorf("failed to marshal timing: %w", err)
	}
	patternJSON, err := json.Marshal(rel.Pattern)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern: %w", err)
	}

	query := `
		INSERT INTO relationships (
			id, source_id, target_id, rel_type, dedup_key,
			evidence, timing, pattern, weight, risk_contribution,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedup_key) DO UPDATE SET
			evidence = EXCLUDED.evidence,
			timing = EXCLUDED.timing,
			pattern = EXCLUDED.pattern,
			weight = EXCLUDED.weight,
			risk_contribution = EXCLUDED.risk_contribution,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		rel.ID, rel.SourceID, rel.TargetID, string(rel.Type), rel.Key(),
		evidenceJSON, timingJSON, patternJSON, rel.Weight, rel.RiskContribution,
		rel.CreatedAt, rel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save relationship: %w", err)
	}
	return nil
}

// ListByEntity returns all edges touching an entity
func (r *relationshipRepository) ListByEntity(ctx context.Context, entityID uuid.UUID) ([]*relationship.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE source_id = $1 OR target_id = $1`

	rows, err := r.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	defer rows.Close()

	var out []*relationship.Relationship
	for rows.Next() {
		rel, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *relationshipRepository) scanOne(row *sql.Row) (*relationship.Relationship, error) {
	rel, err := r.scanRow(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("relationship")
		}
		return nil, err
	}
	return rel, nil
}

func (r *relationshipRepository) scanRow(row rowScanner) (*relationship.Relationship, error) {
	var rel relationship.Relationship
	var typeStr, dedupKey string
	var evidenceJSON, timingJSON, patternJSON []byte

	err := row.Scan(
		&rel.ID, &rel.SourceID, &rel.TargetID, &typeStr, &dedupKey,
		&evidenceJSON, &timingJSON, &patternJSON, &rel.Weight, &rel.RiskContribution,
		&rel.CreatedAt, &rel.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan relationship: %w", err)
	}

	rel.Type = relationship.Type(typeStr)
	if err := json.Unmarshal(evidenceJSON, &rel.Evidence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(timingJSON, &rel.Timing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal timing: %w", err)
	}
	if err := json.Unmarshal(patternJSON, &rel.Pattern); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pattern: %w", err)
	}
	return &rel, nil
}
