package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	corrdomain "github.com/ledgerline/account-security-engine/internal/domain/correlation"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/cache"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/config"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/database"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/enrichment"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/platform"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/repository"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/telemetry"
	"github.com/ledgerline/account-security-engine/internal/metrics"
	"github.com/ledgerline/account-security-engine/internal/service/containment"
	"github.com/ledgerline/account-security-engine/internal/service/correlation"
	"github.com/ledgerline/account-security-engine/internal/service/graph"
	"github.com/ledgerline/account-security-engine/internal/service/ingestion"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize telemetry
	ctx := context.Background()
	provider, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown telemetry: %v", err)
		}
	}()

	slogger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	logger, err := telemetry.NewZapLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create engine logger: %v", err)
	}
	defer logger.Sync()

	reg, err := metrics.NewRegistry("ase.engine")
	if err != nil {
		log.Fatalf("Failed to create metrics registry: %v", err)
	}

	// Infrastructure
	pool, err := database.NewConnectionPool(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	db := pool.GetDB()

	redisCache, err := cache.NewRedisCache(&cfg.Redis, logger)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisCache.Close()

	entities := repository.NewEntityRepository(db)
	relationships := repository.NewRelationshipRepository(db)
	incidents := repository.NewIncidentRepository(db)
	events := repository.NewEventRepository(db)
	sessions := repository.NewSessionRepository(db)
	predictions := repository.NewPredictionRepository(db)
	clusters := repository.NewClusterRepository(db)
	actions := repository.NewActionRepository(db)

	trust := cache.NewTrustCache(redisCache, repository.NewTrustRepository(db), logger)
	enricher := enrichment.NewASNProvider(cfg.Enrichment, redisCache, logger)
	capabilities := platform.NewCapabilities(cfg.Platform, logger)
	notifier := platform.NewWebhookNotifier(cfg.Platform, logger)

	// Services
	graphSvc := graph.NewService(entities, relationships, incidents, events,
		enricher, logger, reg, graphConfig(cfg.Graph))

	containmentSvc := containment.NewService(actions, capabilities, notifier,
		entities, logger, reg, containment.Config{
			TwoFactorExpiry: cfg.Containment.TwoFactorExpiry,
		})

	correlationSvc := correlation.NewService(clusters, clusters, sessions,
		predictions, events, trust, entities,
		escalatorAdapter{svc: containmentSvc}, containmentSvc,
		logger, reg, correlationConfig(cfg.Correlation))

	ingestionSvc := ingestion.NewService(events, graphSvc, correlationSvc,
		containmentSvc, nil, logger, reg, ingestionConfig(cfg.Ingestion))

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ingestionSvc.Start(runCtx); err != nil {
		log.Fatalf("Failed to start ingestion: %v", err)
	}

	slogger.Info("account security engine started",
		"version", cfg.Version,
		"environment", cfg.Environment)

	<-runCtx.Done()
	slogger.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ingestionSvc.Stop(stopCtx); err != nil {
		slogger.Error("ingestion shutdown failed", "error", err)
	}
	slogger.Info("account security engine stopped")
}

// escalatorAdapter narrows the containment orchestrator to the Escalator
// surface the correlation engine drives.
type escalatorAdapter struct {
	svc containment.Service
}

func (a escalatorAdapter) Escalate(ctx context.Context, c *corrdomain.Cluster) error {
	_, err := a.svc.Escalate(ctx, c)
	return err
}

func graphConfig(c config.GraphConfig) graph.Config {
	return graph.Config{
		AnalysisWindow:        c.AnalysisWindow,
		IncidentDedupWindow:   c.IncidentDedupWindow,
		BurstWindow:           c.BurstWindow,
		BurstThreshold:        c.BurstThreshold,
		StuffingMinUniqueIPs:  c.StuffingMinUniqueIPs,
		LowSlowMinEvents:      c.LowSlowMinEvents,
		LowSlowMinRate:        c.LowSlowMinRate,
		LowSlowMaxRate:        c.LowSlowMaxRate,
		HighRiskSeedScore:     c.HighRiskSeedScore,
		MaxTraversalDepth:     c.MaxTraversalDepth,
		MinComponentSize:      c.MinComponentSize,
		MinIncidentConfidence: c.MinIncidentConfidence,
		HighSignalRiskScore:   c.HighSignalRiskScore,
	}
}

func correlationConfig(c config.CorrelationConfig) correlation.Config {
	return correlation.Config{
		Window:                  c.Window,
		IPMinUsers:              c.IPMinUsers,
		IPCriticalUsers:         c.IPCriticalUsers,
		DeviceMinUsers:          c.DeviceMinUsers,
		EscalationMinEvents:     c.EscalationMinEvents,
		AnomalyMinPredictions:   c.AnomalyMinPredictions,
		AnomalyMinScore:         c.AnomalyMinScore,
		AttackVectorMinEntities: c.AttackVectorMinEntities,
		AttackVectorRiskFloor:   c.AttackVectorRiskFloor,
	}
}

func ingestionConfig(c config.IngestionConfig) ingestion.Config {
	return ingestion.Config{
		QueueCapacity:       c.QueueCapacity,
		DrainInterval:       c.DrainInterval,
		BatchSize:           c.BatchSize,
		WorkerCount:         c.WorkerCount,
		PollInterval:        c.PollInterval,
		SweepInterval:       c.SweepInterval,
		ReanalysisInterval:  c.ReanalysisInterval,
		ReanalysisWindow:    c.ReanalysisWindow,
		ReanalysisBatchSize: c.ReanalysisBatchSize,
	}
}
