package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/domain/errors"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
	"github.com/ledgerline/account-security-engine/internal/metrics"
)

// service runs the ingestion queue and the periodic analysis schedule.
type service struct {
	store       EventStore
	graph       GraphEngine
	correlation CorrelationEngine
	containment ContainmentRunner
	sources     []EventSource
	validate    *validator.Validate
	logger      *zap.Logger
	metrics     *metrics.Registry
	cfg         Config

	queue    chan *event.SecurityEvent
	draining atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewService creates the ingestion scheduler. Sources, containment runner and
// metrics registry are optional.
func NewService(
	store EventStore,
	graphEngine GraphEngine,
	correlationEngine CorrelationEngine,
	containmentRunner ContainmentRunner,
	sources []EventSource,
	logger *zap.Logger,
	reg *metrics.Registry,
	cfg Config,
) Service {
	if cfg.DrainInterval == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		store:       store,
		graph:       graphEngine,
		correlation: correlationEngine,
		containment: containmentRunner,
		sources:     sources,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		metrics:     reg,
		cfg:         cfg,
		queue:       make(chan *event.SecurityEvent, cfg.QueueCapacity),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the drain, poll, sweep and re-analysis loops.
func (s *service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.NewConflictError("ingestion scheduler already started")
	}

	s.spawnLoop(s.cfg.DrainInterval, func(ctx context.Context) {
		s.drain(ctx)
	})
	if len(s.sources) > 0 {
		s.spawnLoop(s.cfg.PollInterval, func(ctx context.Context) {
			s.pollSources(ctx)
		})
	}
	s.spawnLoop(s.cfg.SweepInterval, func(ctx context.Context) {
		s.runSweep(ctx)
	})
	s.spawnLoop(s.cfg.ReanalysisInterval, func(ctx context.Context) {
		if _, err := s.reanalyze(ctx); err != nil {
			s.logger.Error("scheduled re-analysis failed", zap.Error(err))
		}
	})

	s.logger.Info("ingestion scheduler started",
		zap.Int("queue_capacity", s.cfg.QueueCapacity),
		zap.Duration("drain_interval", s.cfg.DrainInterval),
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("reanalysis_interval", s.cfg.ReanalysisInterval))
	return nil
}

func (s *service) spawnLoop(interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				fn(context.Background())
			}
		}
	}()
}

// Stop halts the loops and drains whatever is still queued.
func (s *service) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()
	s.drain(ctx)
	s.logger.Info("ingestion scheduler stopped")
	return nil
}

// Submit validates and enqueues one event. The queue boundary never blocks a
// producer: a full queue rejects the event.
func (s *service) Submit(ctx context.Context, evt *event.SecurityEvent) error {
	if evt == nil {
		return errors.ErrInvalidInput
	}
	if err := s.validate.Struct(evt); err != nil {
		return errors.NewValidationError("INVALID_EVENT", "security event failed validation").WithCause(err)
	}
	if err := s.store.Save(ctx, evt); err != nil {
		return err
	}

	select {
	case s.queue <- evt:
		if s.metrics != nil {
			s.metrics.SetQueueDepth(len(s.queue))
		}
		return nil
	default:
		if s.metrics != nil {
			s.metrics.RecordEventDropped(ctx)
		}
		s.logger.Warn("ingestion queue full, event dropped from analysis",
			zap.String("event_id", evt.ID.String()))
		return errors.NewBusinessError("QUEUE_FULL", "ingestion queue is at capacity")
	}
}

// drain takes one batch off the queue and processes it with bounded
// parallelism. The single-flight flag keeps overlapping ticks from doubling
// the workers.
func (s *service) drain(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	defer s.draining.Store(false)

	batch := make([]*event.SecurityEvent, 0, s.cfg.BatchSize)
	for len(batch) < s.cfg.BatchSize {
		select {
		case evt := <-s.queue:
			batch = append(batch, evt)
		default:
			goto collected
		}
	}
collected:
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(s.queue))
	}
	if len(batch) == 0 {
		return
	}

	var failed atomic.Int64
	sem := make(chan struct{}, s.cfg.WorkerCount)
	var wg sync.WaitGroup
	for _, evt := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(evt *event.SecurityEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.graph.ProcessEvent(ctx, evt); err != nil {
				failed.Add(1)
				s.logger.Error("event processing failed",
					zap.String("event_id", evt.ID.String()),
					zap.Error(err))
				return
			}
			s.correlation.AnalyzeEvent(ctx, evt)
		}(evt)
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		s.logger.Warn("drain completed with failures",
			zap.Int("batch", len(batch)),
			zap.Int64("failed", n))
	}
}

// pollSources pulls one batch from each pull-based producer.
func (s *service) pollSources(ctx context.Context) {
	for _, src := range s.sources {
		events, err := src.Poll(ctx)
		if err != nil {
			s.logger.Warn("event source poll failed", zap.Error(err))
			continue
		}
		for _, evt := range events {
			if err := s.Submit(ctx, evt); err != nil {
				s.logger.Warn("polled event rejected",
					zap.String("event_id", evt.ID.String()),
					zap.Error(err))
			}
		}
	}
}

// runSweep drives the periodic correlation sweep, cluster expiry and
// containment auto-execution.
func (s *service) runSweep(ctx context.Context) {
	if _, err := s.correlation.RunSweep(ctx); err != nil {
		s.logger.Error("correlation sweep failed", zap.Error(err))
	}
	if expired, err := s.correlation.ExpireStale(ctx); err != nil {
		s.logger.Warn("cluster expiry failed", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("clusters expired", zap.Int("count", expired))
	}
	if s.containment != nil {
		if executed, err := s.containment.RunAutoExecution(ctx); err != nil {
			s.logger.Error("containment auto-execution failed", zap.Error(err))
		} else if executed > 0 {
			s.logger.Info("containment actions auto-executed", zap.Int("count", executed))
		}
	}
}

// TriggerReanalysis runs a full re-analysis pass immediately.
func (s *service) TriggerReanalysis(ctx context.Context) ([]*incident.SecurityIncident, error) {
	return s.reanalyze(ctx)
}

// reanalyze replays the trailing event window through the graph in sub-batches
// and then runs campaign detection. Replay keeps graph counters idempotent
// because relationship evidence dedups on event id.
func (s *service) reanalyze(ctx context.Context) ([]*incident.SecurityIncident, error) {
	start := time.Now()
	since := start.Add(-s.cfg.ReanalysisWindow)
	events, err := s.store.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}

	for lo := 0; lo < len(events); lo += s.cfg.ReanalysisBatchSize {
		hi := lo + s.cfg.ReanalysisBatchSize
		if hi > len(events) {
			hi = len(events)
		}
		for _, evt := range events[lo:hi] {
			if err := s.graph.ProcessEvent(ctx, evt); err != nil {
				s.logger.Warn("re-analysis event replay failed",
					zap.String("event_id", evt.ID.String()),
					zap.Error(err))
			}
		}
	}

	incidents, err := s.graph.AnalyzeWindow(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.AnalysisPassDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	s.logger.Info("re-analysis completed",
		zap.Int("events_replayed", len(events)),
		zap.Int("incidents", len(incidents)),
		zap.Duration("took", time.Since(start)))
	return incidents, nil
}
