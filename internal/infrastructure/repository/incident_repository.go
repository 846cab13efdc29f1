package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
	"github.com/ledgerline/account-security-engine/internal/service/graph"
)

// incidentRepository implements IncidentRepository using PostgreSQL
type incidentRepository struct {
	db *sql.DB
}

// NewIncidentRepository creates a new incident repository
func NewIncidentRepository(db *sql.DB) graph.IncidentRepository {
	return &incidentRepository{db: db}
}

const incidentColumns = `
	id, incident_type, severity, status, confidence_score,
	campaign_metrics, graph_analysis, evidence, reasoning,
	response_actions, notes, validation, assigned_to,
	first_seen, last_seen, resolved_at, time_to_resolution_ns,
	created_at, updated_at
`

// Save upserts an incident
func (r *incidentRepository) Save(ctx context.Context, inc *incident.SecurityIncident) error {
	metricsJSON, err := json.Marshal(inc.CampaignMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign metrics: %w", err)
	}
	analysisJSON, err := json.Marshal(inc.GraphAnalysis)
	if err != nil {
		return fmt.Errorf("failed to marshal graph analysis: %w", err)
	}
	evidenceJSON, err := json.Marshal(inc.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	reasoningJSON, err := json.Marshal(inc.Reasoning)
	if err != nil {
		return fmt.Errorf("failed to marshal reasoning: %w", err)
	}
	actionsJSON, err := json.Marshal(inc.ResponseActions)
	if err != nil {
		return fmt.Errorf("failed to marshal response actions: %w", err)
	}
	notesJSON, err := json.Marshal(inc.Notes)
	if err != nil {
		return fmt.Errorf("failed to marshal notes: %w", err)
	}
	validationJSON, err := json.Marshal(inc.Validation)
	if err != nil {
		return fmt.Errorf("failed to marshal validation: %w", err)
	}

	query := `
		INSERT INTO incidents (
			id, incident_type, severity, status, confidence_score,
			campaign_metrics, graph_analysis, evidence, reasoning,
			response_actions, notes, validation, assigned_to,
			first_seen, last_seen, resolved_at, time_to_resolution_ns,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			confidence_score = EXCLUDED.confidence_score,
			campaign_metrics = EXCLUDED.campaign_metrics,
			graph_analysis = EXCLUDED.graph_analysis,
			evidence = EXCLUDED.evidence,
			reasoning = EXCLUDED.reasoning,
			response_actions = EXCLUDED.response_actions,
			notes = EXCLUDED.notes,
			validation = EXCLUDED.validation,
			assigned_to = EXCLUDED.assigned_to,
			last_seen = EXCLUDED.last_seen,
			resolved_at = EXCLUDED.resolved_at,
			time_to_resolution_ns = EXCLUDED.time_to_resolution_ns,
			updated_at = EXCLUDED.updated_at
	`

	var resolvedAt sql.NullTime
	if inc.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *inc.ResolvedAt, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		inc.ID, string(inc.IncidentType), string(inc.Severity), string(inc.Status), inc.ConfidenceScore,
		metricsJSON, analysisJSON, evidenceJSON, reasoningJSON,
		actionsJSON, notesJSON, validationJSON, inc.AssignedTo,
		inc.FirstSeen, inc.LastSeen, resolvedAt, int64(inc.TimeToResolution),
		inc.CreatedAt, inc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// GetByID retrieves an incident by ID
func (r *incidentRepository) GetByID(ctx context.Context, id uuid.UUID) (*incident.SecurityIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := r.scanRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrIncidentNotFound
		}
		return nil, err
	}
	return inc, nil
}

// FindRecentByType returns the newest non-terminal incident of a type within
// the dedup window
func (r *incidentRepository) FindRecentByType(ctx context.Context, incidentType incident.Type, since time.Time) (*incident.SecurityIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE incident_type = $1
		  AND status NOT IN ('RESOLVED', 'FALSE_POSITIVE')
		  AND last_seen >= $2
		ORDER BY last_seen DESC
		LIMIT 1
	`
	inc, err := r.scanRow(r.db.QueryRowContext(ctx, query, string(incidentType), since))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrIncidentNotFound
		}
		return nil, err
	}
	return inc, nil
}

// List returns incidents matching the analyst filter, newest first
func (r *incidentRepository) List(ctx context.Context, filter graph.IncidentFilter) ([]*incident.SecurityIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []any{}
	argn := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, string(*filter.Status))
		argn++
	}
	if filter.IncidentType != nil {
		query += fmt.Sprintf(" AND incident_type = $%d", argn)
		args = append(args, string(*filter.IncidentType))
		argn++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND last_seen >= $%d", argn)
		args = append(args, *filter.Since)
		argn++
	}
	query += " ORDER BY last_seen DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argn)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.SecurityIncident
	for rows.Next() {
		inc, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (r *incidentRepository) scanRow(row rowScanner) (*incident.SecurityIncident, error) {
	var inc incident.SecurityIncident
	var typeStr, severityStr, statusStr string
	var assignedTo sql.NullString
	var resolvedAt sql.NullTime
	var resolutionNS int64
	var metricsJSON, analysisJSON, evidenceJSON, reasoningJSON []byte
	var actionsJSON, notesJSON, validationJSON []byte

	err := row.Scan(
		&inc.ID, &typeStr, &severityStr, &statusStr, &inc.ConfidenceScore,
		&metricsJSON, &analysisJSON, &evidenceJSON, &reasoningJSON,
		&actionsJSON, &notesJSON, &validationJSON, &assignedTo,
		&inc.FirstSeen, &inc.LastSeen, &resolvedAt, &resolutionNS,
		&inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}

	inc.IncidentType = incident.Type(typeStr)
	inc.Severity = event.Severity(severityStr)
	inc.Status = incident.Status(statusStr)
	inc.TimeToResolution = time.Duration(resolutionNS)
	if assignedTo.Valid {
		inc.AssignedTo = assignedTo.String
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}

	if err := json.Unmarshal(metricsJSON, &inc.CampaignMetrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign metrics: %w", err)
	}
	if err := json.Unmarshal(analysisJSON, &inc.GraphAnalysis); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph analysis: %w", err)
	}
	if err := json.Unmarshal(evidenceJSON, &inc.Evidence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(reasoningJSON, &inc.Reasoning); err != nil {
		inc.Reasoning = nil
	}
	if err := json.Unmarshal(actionsJSON, &inc.ResponseActions); err != nil {
		inc.ResponseActions = nil
	}
	if err := json.Unmarshal(notesJSON, &inc.Notes); err != nil {
		inc.Notes = nil
	}
	if err := json.Unmarshal(validationJSON, &inc.Validation); err != nil {
		inc.Validation = incident.ValidationMetrics{}
	}
	return &inc, nil
}
