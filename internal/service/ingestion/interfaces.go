package ingestion

import (
	"context"
	"time"

	"github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/domain/event"
	"github.com/ledgerline/account-security-engine/internal/domain/incident"
)

// Service is the ingestion and scheduling front of the engine.
type Service interface {
	// Start launches the drain, poll, sweep and re-analysis loops. It returns
	// once the loops are running.
	Start(ctx context.Context) error
	// Stop drains in-flight work and stops the loops.
	Stop(ctx context.Context) error
	// Submit validates and enqueues one event. A full queue rejects the event
	// rather than blocking the producer.
	Submit(ctx context.Context, evt *event.SecurityEvent) error
	// TriggerReanalysis runs a full re-analysis pass immediately, outside the
	// periodic schedule.
	TriggerReanalysis(ctx context.Context) ([]*incident.SecurityIncident, error)
}

// EventSource is a pull-based producer of security events. Push producers
// call Submit directly; pull producers are polled on PollInterval.
type EventSource interface {
	// Poll returns the next batch of events, or an empty slice.
	Poll(ctx context.Context) ([]*event.SecurityEvent, error)
}

// EventStore persists accepted events for the trailing analysis windows.
type EventStore interface {
	Save(ctx context.Context, evt *event.SecurityEvent) error
	ListSince(ctx context.Context, since time.Time) ([]*event.SecurityEvent, error)
}

// GraphEngine is the slice of the graph service the scheduler drives.
type GraphEngine interface {
	ProcessEvent(ctx context.Context, evt *event.SecurityEvent) error
	AnalyzeWindow(ctx context.Context) ([]*incident.SecurityIncident, error)
}

// CorrelationEngine is the slice of the correlation service the scheduler
// drives.
type CorrelationEngine interface {
	AnalyzeEvent(ctx context.Context, evt *event.SecurityEvent)
	RunSweep(ctx context.Context) ([]*correlation.Cluster, error)
	ExpireStale(ctx context.Context) (int, error)
}

// ContainmentRunner executes containment actions eligible for unattended
// execution.
type ContainmentRunner interface {
	RunAutoExecution(ctx context.Context) (int, error)
}

// Config carries the scheduler settings. A zero DrainInterval selects
// DefaultConfig.
type Config struct {
	QueueCapacity       int
	DrainInterval       time.Duration // cadence of queue drains
	BatchSize           int           // events taken per drain
	WorkerCount         int           // parallelism inside one drain
	PollInterval        time.Duration // cadence of pull-source polling
	SweepInterval       time.Duration // cadence of correlation sweeps
	ReanalysisInterval  time.Duration // cadence of full graph re-analysis
	ReanalysisWindow    time.Duration // how far back re-analysis replays events
	ReanalysisBatchSize int           // events re-processed per sub-batch
}

// DefaultConfig returns the production scheduler settings.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:       10000,
		DrainInterval:       5 * time.Second,
		BatchSize:           50,
		WorkerCount:         8,
		PollInterval:        30 * time.Second,
		SweepInterval:       5 * time.Minute,
		ReanalysisInterval:  6 * time.Hour,
		ReanalysisWindow:    24 * time.Hour,
		ReanalysisBatchSize: 100,
	}
}
