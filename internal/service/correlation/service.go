package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/metrics"
)

// service implements the cross-session correlation engine
type service struct {
	clusters    ClusterRepository
	threatLog   ThreatEventLog
	sessions    SessionReader
	predictions PredictionReader
	events      EventReader
	trust       TrustStore
	entities    EntitySource
	escalator   Escalator
	containment ContainmentChecker
	logger      *zap.Logger
	metrics     *metrics.Registry
	cfg         Config
}

// NewService creates a new correlation engine. The escalator, entity source,
// containment checker and metrics registry are optional.
func NewService(
	clusters ClusterRepository,
	threatLog ThreatEventLog,
	sessions SessionReader,
	predictions PredictionReader,
	events EventReader,
	trust TrustStore,
	entities EntitySource,
	escalator Escalator,
	containment ContainmentChecker,
	logger *zap.Logger,
	reg *metrics.Registry,
	cfg Config,
) Service {
	if cfg.Window == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		clusters:    clusters,
		threatLog:   threatLog,
		sessions:    sessions,
		predictions: predictions,
		events:      events,
		trust:       trust,
		entities:    entities,
		escalator:   escalator,
		containment: containment,
		logger:      logger,
		metrics:     reg,
		cfg:         cfg,
	}
}

// AnalyzeEvent runs the inline detectors for one authenticated request.
// Detection must never degrade the request path, so all errors stop here.
func (s *service) AnalyzeEvent(ctx context.Context, evt *event.SecurityEvent) {
	detectors := []struct {
		name string
		run  func(context.Context) ([]correlation.Detection, error)
	}{
		{"ip_based", func(ctx context.Context) ([]correlation.Detection, error) {
			return s.detectSharedIP(ctx)
		}},
		{"device_reuse", func(ctx context.Context) ([]correlation.Detection, error) {
			return s.detectDeviceReuse(ctx)
		}},
		{"privilege_escalation", func(ctx context.Context) ([]correlation.Detection, error) {
			return s.detectCoordinatedEscalation(ctx)
		}},
	}
	for _, d := range detectors {
		if err := s.runDetector(ctx, d.name, d.run); err != nil {
			s.logger.Warn("inline detector failed",
				zap.String("detector", d.name),
				zap.String("event_id", evt.ID.String()),
				zap.Error(err))
		}
	}
}

// RunSweep runs all five detectors. Per-detector failures are logged and do
// not abort the sweep.
func (s *service) RunSweep(ctx context.Context) ([]*correlation.Cluster, error) {
	detectors := []struct {
		name string
		run  func(context.Context) ([]correlation.Detection, error)
	}{
		{"ip_based", s.detectSharedIP},
		{"device_reuse", s.detectDeviceReuse},
		{"privilege_escalation", s.detectCoordinatedEscalation},
		{"anomaly_cluster", s.detectAnomalyCluster},
		{"attack_vector", s.detectAttackVector},
	}

	var touched []*correlation.Cluster
	for _, d := range detectors {
		detections, err := d.run(ctx)
		if err != nil {
			s.logger.Error("sweep detector failed",
				zap.String("detector", d.name),
				zap.Error(err))
			continue
		}
		for _, det := range detections {
			c, err := s.upsertCluster(ctx, det)
			if err != nil {
				s.logger.Error("cluster upsert failed",
					zap.String("detector", d.name),
					zap.Error(err))
				continue
			}
			touched = append(touched, c)
		}
	}
	return touched, nil
}

func (s *service) runDetector(ctx context.Context, name string, run func(context.Context) ([]correlation.Detection, error)) error {
	detections, err := run(ctx)
	if err != nil {
		return err
	}
	for _, det := range detections {
		if _, err := s.upsertCluster(ctx, det); err != nil {
			return fmt.Errorf("upserting %s cluster: %w", name, err)
		}
	}
	return nil
}

// upsertCluster enforces the cluster dedup invariant: one ACTIVE cluster per
// (type, correlationKey) inside the window; later detections merge. Every
// detection also appends an immutable threat log entry.
func (s *service) upsertCluster(ctx context.Context, d correlation.Detection) (*correlation.Cluster, error) {
	key := correlation.Key(d.Type, d.CorrelationKey)
	c, err := s.clusters.FindActiveByKey(ctx, key)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}

	created := false
	if c == nil || c.IsStale(d.DetectedAt, s.cfg.Window) {
		if c != nil {
			c.Expire()
			if err := s.clusters.Save(ctx, c); err != nil {
				return nil, err
			}
		}
		c = correlation.NewCluster(d)
		created = true
	} else {
		c.Merge(d)
	}
	if err := s.clusters.Save(ctx, c); err != nil {
		return nil, err
	}

	te := correlation.NewThreatEvent(c.ID, d,
		fmt.Sprintf("%s correlation on key %q covering %d users", d.Type, d.CorrelationKey, c.UserCount()))
	if err := s.threatLog.Append(ctx, te); err != nil {
		// The log is telemetry; losing one entry must not fail detection.
		s.logger.Warn("threat log append failed", zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordCorrelation(ctx, string(d.Type), created)
	}
	s.logger.Info("correlation cluster updated",
		zap.String("type", string(c.Type)),
		zap.String("key", c.CorrelationKey),
		zap.String("severity", string(c.Severity)),
		zap.Int("users", c.UserCount()),
		zap.Bool("created", created))

	if s.escalator != nil {
		if err := s.escalator.Escalate(ctx, c); err != nil {
			s.logger.Error("containment escalation failed",
				zap.String("cluster_id", c.ID.String()),
				zap.Error(err))
		}
	}
	return c, nil
}

// ExpireStale sweeps ACTIVE clusters older than the window into EXPIRED.
func (s *service) ExpireStale(ctx context.Context) (int, error) {
	active, err := s.clusters.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	expired := 0
	for _, c := range active {
		if !c.IsStale(now, s.cfg.Window) {
			continue
		}
		c.Expire()
		if err := s.clusters.Save(ctx, c); err != nil {
			s.logger.Warn("cluster expiry save failed", zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// CheckRequest applies the request-path containment guard.
func (s *service) CheckRequest(ctx context.Context, userID uuid.UUID, mode GuardMode) error {
	if s.containment == nil {
		return nil
	}
	contained, err := s.containment.IsContained(ctx, userID)
	if err != nil {
		if mode == GuardStrict {
			return errors.NewSecurityError("guard_check_failed",
				"security check unavailable for high-value operation").WithCause(err)
		}
		// Standard checks fail open: availability beats a false deny here.
		s.logger.Warn("request guard check failed open",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return nil
	}
	if contained {
		return errors.ErrAccountLockedByPolicy
	}
	return nil
}
