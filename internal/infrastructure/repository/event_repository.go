package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/account-security-engine/internal/domain/event"
)

// eventRepository persists the trailing event window using PostgreSQL
type eventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new security event repository
func NewEventRepository(db *sql.DB) *eventRepository {
	return &eventRepository{db: db}
}

// Save appends one event. Replayed events are ignored on conflict so
// re-submission stays idempotent.
func (r *eventRepository) Save(ctx context.Context, evt *event.SecurityEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `
		INSERT INTO security_events (id, event_type, user_id, created_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		evt.ID, string(evt.EventType), evt.UserID, evt.CreatedAt, payload)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// ListSince returns events created after the given time, oldest first
func (r *eventRepository) ListSince(ctx context.Context, since time.Time) ([]*event.SecurityEvent, error) {
	query := `SELECT payload FROM security_events WHERE created_at >= $1 ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*event.SecurityEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var evt event.SecurityEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, &evt)
	}
	return out, rows.Err()
}

// sessionRepository reads the active session view using PostgreSQL
type sessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new session reader
func NewSessionRepository(db *sql.DB) *sessionRepository {
	return &sessionRepository{db: db}
}

// ListActive returns all currently active sessions
func (r *sessionRepository) ListActive(ctx context.Context) ([]*event.Session, error) {
	query := `
		SELECT id, user_id, ip_address, device_fingerprint, user_agent, location, created_at, is_active
		FROM sessions
		WHERE is_active = TRUE
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*event.Session
	for rows.Next() {
		var s event.Session
		var device, agent, location sql.NullString
		if err := rows.Scan(&s.ID, &s.UserID, &s.IPAddress, &device, &agent, &location, &s.CreatedAt, &s.IsActive); err != nil {
			return nil, err
		}
		s.DeviceFingerprint = device.String
		s.UserAgent = agent.String
		s.Location = location.String
		out = append(out, &s)
	}
	return out, rows.Err()
}

// predictionRepository reads ML anomaly verdicts using PostgreSQL
type predictionRepository struct {
	db *sql.DB
}

// NewPredictionRepository creates a new prediction reader
func NewPredictionRepository(db *sql.DB) *predictionRepository {
	return &predictionRepository{db: db}
}

// ListSince returns predictions made after the given time
func (r *predictionRepository) ListSince(ctx context.Context, since time.Time) ([]*event.MLPrediction, error) {
	query := `
		SELECT user_id, session_id, composite_score, is_anomaly, predicted_at, request_context
		FROM ml_predictions
		WHERE predicted_at >= $1
	`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer rows.Close()

	var out []*event.MLPrediction
	for rows.Next() {
		var p event.MLPrediction
		var sessionID uuid.NullUUID
		var reqCtx sql.NullString
		if err := rows.Scan(&p.UserID, &sessionID, &p.CompositeScore, &p.IsAnomaly, &p.Timestamp, &reqCtx); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			p.SessionID = &sessionID.UUID
		}
		p.RequestContext = reqCtx.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

// trustRepository answers trusted-pair lookups using PostgreSQL
type trustRepository struct {
	db *sql.DB
}

// NewTrustRepository creates a new trust store
func NewTrustRepository(db *sql.DB) *trustRepository {
	return &trustRepository{db: db}
}

// AreTrusted reports whether an active trust grant covers the unordered pair
func (r *trustRepository) AreTrusted(ctx context.Context, a, b uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM trusted_relationships
			WHERE status = 'active'
			  AND ((user_id_1 = $1 AND user_id_2 = $2) OR (user_id_1 = $2 AND user_id_2 = $1))
		)
	`
	var trusted bool
	if err := r.db.QueryRowContext(ctx, query, a, b).Scan(&trusted); err != nil {
		return false, fmt.Errorf("failed to check trusted relationship: %w", err)
	}
	return trusted, nil
}
