package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/containment"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	containmentsvc "github.com/ledgerline/account-security-engine/internal/service/containment"
)

// actionRepository implements ActionRepository using PostgreSQL
type actionRepository struct {
	db *sql.DB
}

// NewActionRepository creates a new containment action repository
func NewActionRepository(db *sql.DB) containmentsvc.ActionRepository {
	return &actionRepository{db: db}
}

const actionColumns = `
	id, cluster_id, incident_id, action_type, affected_user_ids, status,
	requires_approval, auto_execute_at, is_reversible,
	executed_at, execution_details, error, retry_count,
	reversed_at, reversed_by, reverse_reason, approved_by, cancelled_by,
	created_at, updated_at
`

// Save upserts a containment action
func (r *actionRepository) Save(ctx context.Context, a *containment.Action) error {
	usersJSON, err := json.Marshal(a.AffectedUserIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal affected user ids: %w", err)
	}

	query := `
		INSERT INTO containment_actions (
			id, cluster_id, incident_id, action_type, affected_user_ids, status,
			requires_approval, auto_execute_at, is_reversible,
			executed_at, execution_details, error, retry_count,
			reversed_at, reversed_by, reverse_reason, approved_by, cancelled_by,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			auto_execute_at = EXCLUDED.auto_execute_at,
			executed_at = EXCLUDED.executed_at,
			execution_details = EXCLUDED.execution_details,
			error = EXCLUDED.error,
			retry_count = EXCLUDED.retry_count,
			reversed_at = EXCLUDED.reversed_at,
			reversed_by = EXCLUDED.reversed_by,
			reverse_reason = EXCLUDED.reverse_reason,
			approved_by = EXCLUDED.approved_by,
			cancelled_by = EXCLUDED.cancelled_by,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.ClusterID, a.IncidentID, string(a.ActionType), usersJSON, string(a.Status),
		a.RequiresAnalystApproval, a.AutoExecuteAt, a.IsReversible,
		a.ExecutedAt, a.ExecutionDetails, a.Error, a.RetryCount,
		a.ReversedAt, a.ReversedBy, a.ReverseReason, a.ApprovedBy, a.CancelledBy,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save containment action: %w", err)
	}
	return nil
}

// GetByID retrieves an action by ID
func (r *actionRepository) GetByID(ctx context.Context, id uuid.UUID) (*containment.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM containment_actions WHERE id = $1`
	a, err := r.scanRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrContainmentNotFound
		}
		return nil, err
	}
	return a, nil
}

// FindNonTerminalByCluster returns the open action for a cluster
func (r *actionRepository) FindNonTerminalByCluster(ctx context.Context, clusterID uuid.UUID) (*containment.Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM containment_actions
		WHERE cluster_id = $1
		  AND status NOT IN ('REVERSED', 'FAILED', 'CANCELLED')
		ORDER BY created_at DESC
		LIMIT 1
	`
	a, err := r.scanRow(r.db.QueryRowContext(ctx, query, clusterID))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrContainmentNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListPendingAutoExecute returns actions eligible for unattended execution
func (r *actionRepository) ListPendingAutoExecute(ctx context.Context, now time.Time) ([]*containment.Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM containment_actions
		WHERE status = 'PENDING'
		  AND requires_approval = FALSE
		  AND auto_execute_at IS NOT NULL
		  AND auto_execute_at <= $1
	`
	return r.list(ctx, query, now)
}

// ListExecutedByUser returns executed actions covering a user
func (r *actionRepository) ListExecutedByUser(ctx context.Context, userID uuid.UUID) ([]*containment.Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM containment_actions
		WHERE status = 'EXECUTED'
		  AND affected_user_ids @> $1
	`
	idJSON, err := json.Marshal([]uuid.UUID{userID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user id: %w", err)
	}
	return r.list(ctx, query, idJSON)
}

func (r *actionRepository) list(ctx context.Context, query string, args ...any) ([]*containment.Action, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list containment actions: %w", err)
	}
	defer rows.Close()

	var out []*containment.Action
	for rows.Next() {
		a, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *actionRepository) scanRow(row rowScanner) (*containment.Action, error) {
	var a containment.Action
	var typeStr, statusStr string
	var usersJSON []byte
	var incidentID uuid.NullUUID
	var autoExecuteAt, executedAt, reversedAt sql.NullTime
	var details, execErr, reversedBy, reverseReason, approvedBy, cancelledBy sql.NullString

	err := row.Scan(
		&a.ID, &a.ClusterID, &incidentID, &typeStr, &usersJSON, &statusStr,
		&a.RequiresAnalystApproval, &autoExecuteAt, &a.IsReversible,
		&executedAt, &details, &execErr, &a.RetryCount,
		&reversedAt, &reversedBy, &reverseReason, &approvedBy, &cancelledBy,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan containment action: %w", err)
	}

	a.ActionType = containment.ActionType(typeStr)
	a.Status = containment.Status(statusStr)
	if err := json.Unmarshal(usersJSON, &a.AffectedUserIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal affected user ids: %w", err)
	}
	if incidentID.Valid {
		a.IncidentID = &incidentID.UUID
	}
	if autoExecuteAt.Valid {
		a.AutoExecuteAt = &autoExecuteAt.Time
	}
	if executedAt.Valid {
		a.ExecutedAt = &executedAt.Time
	}
	if reversedAt.Valid {
		a.ReversedAt = &reversedAt.Time
	}
	a.ExecutionDetails = details.String
	a.Error = execErr.String
	a.ReversedBy = reversedBy.String
	a.ReverseReason = reverseReason.String
	a.ApprovedBy = approvedBy.String
	a.CancelledBy = cancelledBy.String
	return &a, nil
}
