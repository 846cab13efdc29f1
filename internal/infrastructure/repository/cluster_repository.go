package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
)

// clusterRepository implements ClusterRepository and the threat event log
// using PostgreSQL
type clusterRepository struct {
	db *sql.DB
}

// NewClusterRepository creates a new cluster repository
func NewClusterRepository(db *sql.DB) *clusterRepository {
	return &clusterRepository{db: db}
}

const clusterColumns = `
	id, cluster_type, correlation_key, dedup_key, user_ids, session_ids,
	severity, indicators, metadata, status,
	first_detected, last_detected, updated_at
`

// FindActiveByKey returns the ACTIVE cluster for a dedup key
func (r *clusterRepository) FindActiveByKey(ctx context.Context, key string) (*correlation.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE dedup_key = $1 AND status = 'ACTIVE'`
	c, err := r.scanRow(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrClusterNotFound
		}
		return nil, err
	}
	return c, nil
}

// GetByID retrieves a cluster by ID
func (r *clusterRepository) GetByID(ctx context.Context, id uuid.UUID) (*correlation.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE id = $1`
	c, err := r.scanRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrClusterNotFound
		}
		return nil, err
	}
	return c, nil
}

// Save upserts a cluster
func (r *clusterRepository) Save(ctx context.Context, c *correlation.Cluster) error {
	usersJSON, err := json.Marshal(setToSlice(c.UserIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal user ids: %w", err)
	}
	sessionsJSON, err := json.Marshal(setToSlice(c.SessionIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal session ids: %w", err)
	}
	indicatorsJSON, err := json.Marshal(c.Indicators)
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO clusters (
			id, cluster_type, correlation_key, dedup_key, user_ids, session_ids,
			severity, indicators, metadata, status,
			first_detected, last_detected, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			user_ids = EXCLUDED.user_ids,
			session_ids = EXCLUDED.session_ids,
			severity = EXCLUDED.severity,
			indicators = EXCLUDED.indicators,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			last_detected = EXCLUDED.last_detected,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		c.ID, string(c.Type), c.CorrelationKey, c.Key(), usersJSON, sessionsJSON,
		string(c.Severity), indicatorsJSON, metadataJSON, string(c.Status),
		c.FirstDetected, c.LastDetected, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save cluster: %w", err)
	}
	return nil
}

// ListActive returns all ACTIVE clusters
func (r *clusterRepository) ListActive(ctx context.Context) ([]*correlation.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE status = 'ACTIVE'`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active clusters: %w", err)
	}
	defer rows.Close()

	var out []*correlation.Cluster
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Append stores one immutable threat log entry
func (r *clusterRepository) Append(ctx context.Context, te *correlation.ThreatEvent) error {
	usersJSON, err := json.Marshal(te.UserIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal user ids: %w", err)
	}

	query := `
		INSERT INTO threat_events (
			id, cluster_id, cluster_type, correlation_key, severity,
			user_ids, description, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		te.ID, te.ClusterID, string(te.Type), te.CorrelationKey, string(te.Severity),
		usersJSON, te.Description, te.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append threat event: %w", err)
	}
	return nil
}

func (r *clusterRepository) scanRow(row rowScanner) (*correlation.Cluster, error) {
	var c correlation.Cluster
	var typeStr, dedupKey, severityStr, statusStr string
	var usersJSON, sessionsJSON, indicatorsJSON, metadataJSON []byte

	err := row.Scan(
		&c.ID, &typeStr, &c.CorrelationKey, &dedupKey, &usersJSON, &sessionsJSON,
		&severityStr, &indicatorsJSON, &metadataJSON, &statusStr,
		&c.FirstDetected, &c.LastDetected, &c.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan cluster: %w", err)
	}

	c.Type = correlation.Type(typeStr)
	c.Severity = correlation.Severity(severityStr)
	c.Status = correlation.Status(statusStr)

	var users, sessions []uuid.UUID
	if err := json.Unmarshal(usersJSON, &users); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user ids: %w", err)
	}
	if err := json.Unmarshal(sessionsJSON, &sessions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session ids: %w", err)
	}
	c.UserIDs = sliceToSet(users)
	c.SessionIDs = sliceToSet(sessions)

	if err := json.Unmarshal(indicatorsJSON, &c.Indicators); err != nil {
		c.Indicators = nil
	}
	if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
		c.Metadata = nil
	}
	return &c, nil
}

func setToSlice(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func sliceToSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
