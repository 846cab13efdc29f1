package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Platform  PlatformConfig  `koanf:"platform"`

	Graph       GraphConfig       `koanf:"graph"`
	Correlation CorrelationConfig `koanf:"correlation"`
	Containment ContainmentConfig `koanf:"containment"`
	Ingestion   IngestionConfig   `koanf:"ingestion"`
	Enrichment  EnrichmentConfig  `koanf:"enrichment"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// PlatformConfig points at the account platform that executes containment
// capabilities, and the security-operations webhook.
type PlatformConfig struct {
	BaseURL    string        `koanf:"base_url"`
	Timeout    time.Duration `koanf:"timeout"`
	WebhookURL string        `koanf:"webhook_url"`
}

type GraphConfig struct {
	AnalysisWindow        time.Duration `koanf:"analysis_window"`
	IncidentDedupWindow   time.Duration `koanf:"incident_dedup_window"`
	BurstWindow           time.Duration `koanf:"burst_window"`
	BurstThreshold        int           `koanf:"burst_threshold"`
	StuffingMinUniqueIPs  int           `koanf:"stuffing_min_unique_ips"`
	LowSlowMinEvents      int           `koanf:"lowslow_min_events"`
	LowSlowMinRate        float64       `koanf:"lowslow_min_rate"`
	LowSlowMaxRate        float64       `koanf:"lowslow_max_rate"`
	HighRiskSeedScore     float64       `koanf:"high_risk_seed_score"`
	MaxTraversalDepth     int           `koanf:"max_traversal_depth"`
	MinComponentSize      int           `koanf:"min_component_size"`
	MinIncidentConfidence float64       `koanf:"min_incident_confidence"`
	HighSignalRiskScore   float64       `koanf:"high_signal_risk_score"`
}

type CorrelationConfig struct {
	Window                  time.Duration `koanf:"window"`
	IPMinUsers              int           `koanf:"ip_min_users"`
	IPCriticalUsers         int           `koanf:"ip_critical_users"`
	DeviceMinUsers          int           `koanf:"device_min_users"`
	EscalationMinEvents     int           `koanf:"escalation_min_events"`
	AnomalyMinPredictions   int           `koanf:"anomaly_min_predictions"`
	AnomalyMinScore         float64       `koanf:"anomaly_min_score"`
	AttackVectorMinEntities int           `koanf:"attack_vector_min_entities"`
	AttackVectorRiskFloor   float64       `koanf:"attack_vector_risk_floor"`
}

type ContainmentConfig struct {
	TwoFactorExpiry time.Duration `koanf:"two_factor_expiry"`
}

type IngestionConfig struct {
	QueueCapacity       int           `koanf:"queue_capacity"`
	DrainInterval       time.Duration `koanf:"drain_interval"`
	BatchSize           int           `koanf:"batch_size"`
	WorkerCount         int           `koanf:"worker_count"`
	PollInterval        time.Duration `koanf:"poll_interval"`
	SweepInterval       time.Duration `koanf:"sweep_interval"`
	ReanalysisInterval  time.Duration `koanf:"reanalysis_interval"`
	ReanalysisWindow    time.Duration `koanf:"reanalysis_window"`
	ReanalysisBatchSize int           `koanf:"reanalysis_batch_size"`
}

type EnrichmentConfig struct {
	ASNLookupURL  string        `koanf:"asn_lookup_url"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB: 0,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		Platform: PlatformConfig{
			Timeout: 5 * time.Second,
		},
		Graph: GraphConfig{
			AnalysisWindow:        24 * time.Hour,
			IncidentDedupWindow:   24 * time.Hour,
			BurstWindow:           5 * time.Minute,
			BurstThreshold:        10,
			StuffingMinUniqueIPs:  5,
			LowSlowMinEvents:      50,
			LowSlowMinRate:        2,
			LowSlowMaxRate:        20,
			HighRiskSeedScore:     60,
			MaxTraversalDepth:     4,
			MinComponentSize:      2,
			MinIncidentConfidence: 50,
			HighSignalRiskScore:   50,
		},
		Correlation: CorrelationConfig{
			Window:                  time.Hour,
			IPMinUsers:              3,
			IPCriticalUsers:         5,
			DeviceMinUsers:          2,
			EscalationMinEvents:     2,
			AnomalyMinPredictions:   4,
			AnomalyMinScore:         0.8,
			AttackVectorMinEntities: 3,
			AttackVectorRiskFloor:   60,
		},
		Containment: ContainmentConfig{
			TwoFactorExpiry: 24 * time.Hour,
		},
		Ingestion: IngestionConfig{
			QueueCapacity:       10000,
			DrainInterval:       5 * time.Second,
			BatchSize:           50,
			WorkerCount:         8,
			PollInterval:        30 * time.Second,
			SweepInterval:       5 * time.Minute,
			ReanalysisInterval:  6 * time.Hour,
			ReanalysisWindow:    24 * time.Hour,
			ReanalysisBatchSize: 100,
		},
		Enrichment: EnrichmentConfig{
			Timeout:       2 * time.Second,
			RatePerSecond: 10,
			CacheTTL:      12 * time.Hour,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	_ = k.Load(file.Provider("configs/config.yaml"), yaml.Parser())

	// Double underscore separates nesting levels so keys like log_level
	// survive: ASE_DATABASE__URL -> database.url.
	if err := k.Load(env.Provider("ASE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ASE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
