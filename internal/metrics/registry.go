package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all domain-specific metrics for the engine
type Registry struct {
	meter metric.Meter

	// Graph Domain Metrics
	EventsProcessedCounter metric.Int64Counter
	AnalysisPassDuration   metric.Float64Histogram
	AnalysisEventsExamined metric.Int64Histogram
	IncidentCounter        metric.Int64Counter
	IncidentValidation     metric.Int64Counter

	// Correlation Domain Metrics
	ClusterCreatedCounter metric.Int64Counter
	ClusterMergedCounter  metric.Int64Counter

	// Containment Domain Metrics
	ContainmentDecisionCounter metric.Int64Counter
	ContainmentExecutedCounter metric.Int64Counter

	// Ingestion Metrics
	QueueDepthGauge      metric.Int64ObservableGauge
	EventsDroppedCounter metric.Int64Counter

	// State for observable metrics
	queueDepth atomic.Int64
}

// NewRegistry creates a new metrics registry with all domain metrics
func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{meter: meter}

	if err := r.initGraphMetrics(); err != nil {
		return nil, err
	}
	if err := r.initCorrelationMetrics(); err != nil {
		return nil, err
	}
	if err := r.initContainmentMetrics(); err != nil {
		return nil, err
	}
	if err := r.initIngestionMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initGraphMetrics() error {
	var err error

	r.EventsProcessedCounter, err = r.meter.Int64Counter(
		"ase.graph.events_processed",
		metric.WithDescription("Security events folded into the entity graph"),
	)
	if err != nil {
		return err
	}

	r.AnalysisPassDuration, err = r.meter.Float64Histogram(
		"ase.graph.analysis_duration",
		metric.WithDescription("Duration of a full campaign analysis pass in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000, 10000),
	)
	if err != nil {
		return err
	}

	r.AnalysisEventsExamined, err = r.meter.Int64Histogram(
		"ase.graph.analysis_events_examined",
		metric.WithDescription("Events examined per campaign analysis pass"),
	)
	if err != nil {
		return err
	}

	r.IncidentCounter, err = r.meter.Int64Counter(
		"ase.incident.created",
		metric.WithDescription("Security incidents opened or merged"),
	)
	if err != nil {
		return err
	}

	r.IncidentValidation, err = r.meter.Int64Counter(
		"ase.incident.validations",
		metric.WithDescription("Analyst validation verdicts recorded on incidents"),
	)
	return err
}

func (r *Registry) initCorrelationMetrics() error {
	var err error

	r.ClusterCreatedCounter, err = r.meter.Int64Counter(
		"ase.correlation.clusters_created",
		metric.WithDescription("Correlation clusters created"),
	)
	if err != nil {
		return err
	}

	r.ClusterMergedCounter, err = r.meter.Int64Counter(
		"ase.correlation.clusters_merged",
		metric.WithDescription("Detections merged into existing clusters"),
	)
	return err
}

func (r *Registry) initContainmentMetrics() error {
	var err error

	r.ContainmentDecisionCounter, err = r.meter.Int64Counter(
		"ase.containment.decisions",
		metric.WithDescription("Containment actions raised by the decision table"),
	)
	if err != nil {
		return err
	}

	r.ContainmentExecutedCounter, err = r.meter.Int64Counter(
		"ase.containment.executed",
		metric.WithDescription("Containment actions executed"),
	)
	return err
}

func (r *Registry) initIngestionMetrics() error {
	var err error

	r.QueueDepthGauge, err = r.meter.Int64ObservableGauge(
		"ase.ingestion.queue_depth",
		metric.WithDescription("Events waiting in the ingestion queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.queueDepth.Load())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.EventsDroppedCounter, err = r.meter.Int64Counter(
		"ase.ingestion.events_dropped",
		metric.WithDescription("Events rejected because the ingestion queue was full"),
	)
	return err
}

// RecordEventProcessed counts one event folded into the graph.
func (r *Registry) RecordEventProcessed(ctx context.Context, eventType string) {
	r.EventsProcessedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordAnalysisPass records the size and yield of one campaign analysis pass.
func (r *Registry) RecordAnalysisPass(ctx context.Context, eventsExamined, incidentsTouched int) {
	r.AnalysisEventsExamined.Record(ctx, int64(eventsExamined),
		metric.WithAttributes(attribute.Int("incidents_touched", incidentsTouched)))
}

// RecordIncidentCreated counts one incident opened or merged.
func (r *Registry) RecordIncidentCreated(ctx context.Context, incidentType, severity string) {
	r.IncidentCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("incident_type", incidentType),
		attribute.String("severity", severity),
	))
}

// RecordIncidentValidation counts one analyst verdict, feeding the detection
// precision dashboards.
func (r *Registry) RecordIncidentValidation(ctx context.Context, confirmed bool) {
	r.IncidentValidation.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("confirmed", confirmed)))
}

// RecordCorrelation counts one detection outcome.
func (r *Registry) RecordCorrelation(ctx context.Context, clusterType string, created bool) {
	attrs := metric.WithAttributes(attribute.String("cluster_type", clusterType))
	if created {
		r.ClusterCreatedCounter.Add(ctx, 1, attrs)
		return
	}
	r.ClusterMergedCounter.Add(ctx, 1, attrs)
}

// RecordContainmentDecision counts one action raised by the decision table.
func (r *Registry) RecordContainmentDecision(ctx context.Context, actionType string) {
	r.ContainmentDecisionCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action_type", actionType)))
}

// RecordContainmentExecuted counts one executed action.
func (r *Registry) RecordContainmentExecuted(ctx context.Context, actionType string) {
	r.ContainmentExecutedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action_type", actionType)))
}

// RecordEventDropped counts one event rejected at the queue boundary.
func (r *Registry) RecordEventDropped(ctx context.Context) {
	r.EventsDroppedCounter.Add(ctx, 1)
}

// SetQueueDepth updates the observable ingestion queue depth.
func (r *Registry) SetQueueDepth(depth int) {
	r.queueDepth.Store(int64(depth))
}
