package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Tier determines the default infrastructure
	Tier Tier `koanf:"tier" json:"tier"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	EventBus   EventBusConfig   `koanf:"eventbus" json:"eventBus"`

	// Pipeline stages
	Engine      EngineConfig      `koanf:"engine" json:"engine"`
	Enrichment  EnrichmentConfig  `koanf:"enrichment" json:"enrichment"`
	Routing     RoutingConfig     `koanf:"routing" json:"routing"`
	Aggregation AggregationConfig `koanf:"aggregation" json:"aggregation"`
	Pipeline    PipelineConfig    `koanf:"pipeline" json:"pipeline"`
	Sinks       SinkConfig        `koanf:"sinks" json:"sinks"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds
}

// EngineConfig tunes the rule evaluation engine.
type EngineConfig struct {
	// Quick mode applies below this amount when there are at most QuickMaxFactors.
	QuickAmountThreshold float64 `koanf:"quick_amount_threshold" json:"quickAmountThreshold"`
	QuickMaxFactors      int     `koanf:"quick_max_factors" json:"quickMaxFactors"`

	// Weight-table threshold for the amount factor.
	LargeAmountThreshold float64 `koanf:"large_amount_threshold" json:"largeAmountThreshold"`

	EvaluationTimeout time.Duration `koanf:"evaluation_timeout" json:"evaluationTimeout"`
	ReloadInterval    time.Duration `koanf:"reload_interval" json:"reloadInterval"`
}

// EnrichmentConfig configures normalization of inbound transactions.
type EnrichmentConfig struct {
	BaseCurrency      string             `koanf:"base_currency" json:"baseCurrency"`
	DomesticCountries []string           `koanf:"domestic_countries" json:"domesticCountries"`
	HighRiskCountries []string           `koanf:"high_risk_countries" json:"highRiskCountries"`
	ExchangeRates     map[string]float64 `koanf:"exchange_rates" json:"exchangeRates"` // currency -> base multiplier
	RateCacheTTL      time.Duration      `koanf:"rate_cache_ttl" json:"rateCacheTtl"`
}

// RoutingConfig configures lane assignment.
type RoutingConfig struct {
	HighValueThreshold float64 `koanf:"high_value_threshold" json:"highValueThreshold"`
}

// DetectorConfig configures one windowed detector.
type DetectorConfig struct {
	Enabled   bool          `koanf:"enabled" json:"enabled"`
	Window    time.Duration `koanf:"window" json:"window"`
	Grace     time.Duration `koanf:"grace" json:"grace"`
	Threshold float64       `koanf:"threshold" json:"threshold"`
}

// AggregationConfig configures the windowed aggregation runtime.
type AggregationConfig struct {
	Partitions        int           `koanf:"partitions" json:"partitions"`
	QueueSize         int           `koanf:"queue_size" json:"queueSize"`
	WatermarkInterval time.Duration `koanf:"watermark_interval" json:"watermarkInterval"`

	Structuring          DetectorConfig `koanf:"structuring" json:"structuring"`
	CrossBorderBurst     DetectorConfig `koanf:"cross_border_burst" json:"crossBorderBurst"`
	P2PVolume            DetectorConfig `koanf:"p2p_volume" json:"p2pVolume"`
	DestinationDiversity DetectorConfig `koanf:"destination_diversity" json:"destinationDiversity"`
}

// PipelineConfig sizes the evaluation stage.
type PipelineConfig struct {
	Workers   int `koanf:"workers" json:"workers"`
	QueueSize int `koanf:"queue_size" json:"queueSize"`

	// ReorderGrace holds records on each evaluation worker until its event
	// time watermark passes them by this much, so one customer's records are
	// assessed in event-time order. Zero evaluates in arrival order.
	ReorderGrace time.Duration `koanf:"reorder_grace" json:"reorderGrace"`
}

// SinkConfig configures outbound delivery.
type SinkConfig struct {
	// Type is "bus" or "log"
	Type          string  `koanf:"type" json:"type"`
	QueueSize     int     `koanf:"queue_size" json:"queueSize"`
	Workers       int     `koanf:"workers" json:"workers"`
	RatePerSecond float64 `koanf:"rate_per_second" json:"ratePerSecond"` // 0 = unlimited
	Burst         int     `koanf:"burst" json:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `koanf:"enabled" json:"enabled"`
	ServiceName  string `koanf:"service_name" json:"serviceName"`
	ExporterType string `koanf:"exporter_type" json:"exporterType"` // otlp
	Endpoint     string `koanf:"endpoint" json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			HistoryTTL:   24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			QuickAmountThreshold: 5000,
			QuickMaxFactors:      3,
			LargeAmountThreshold: 10000,
			EvaluationTimeout:    50 * time.Millisecond,
			ReloadInterval:       30 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			BaseCurrency:      "USD",
			DomesticCountries: []string{"US"},
			HighRiskCountries: []string{"IR", "KP", "MM", "SY", "YE"},
			ExchangeRates: map[string]float64{
				"EUR": 1.08,
				"GBP": 1.27,
				"CAD": 0.73,
				"MXN": 0.058,
				"JPY": 0.0067,
			},
			RateCacheTTL: time.Hour,
		},
		Routing: RoutingConfig{
			HighValueThreshold: 50000,
		},
		Aggregation: AggregationConfig{
			Partitions:        8,
			QueueSize:         1024,
			WatermarkInterval: time.Second,
			Structuring: DetectorConfig{
				Enabled: true, Window: 10 * time.Minute, Grace: 0, Threshold: 3,
			},
			CrossBorderBurst: DetectorConfig{
				Enabled: true, Window: 5 * time.Minute, Grace: time.Minute, Threshold: 3,
			},
			P2PVolume: DetectorConfig{
				Enabled: true, Window: 15 * time.Minute, Grace: 2 * time.Minute, Threshold: 100000,
			},
			DestinationDiversity: DetectorConfig{
				Enabled: true, Window: time.Hour, Grace: 5 * time.Minute, Threshold: 10,
			},
		},
		Pipeline: PipelineConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Sinks: SinkConfig{
			Type:      "bus",
			QueueSize: 1024,
			Workers:   2,
			Burst:     100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		HistoryTTL:     24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("repository.driver: unsupported %q", c.Repository.Driver))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.type: unsupported %q", c.Cache.Type))
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("eventbus.type: unsupported %q", c.EventBus.Type))
	}
	switch c.Sinks.Type {
	case "bus", "log":
	default:
		errs = append(errs, fmt.Errorf("sinks.type: unsupported %q", c.Sinks.Type))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be positive"))
	}
	if c.Engine.EvaluationTimeout <= 0 {
		errs = append(errs, errors.New("engine.evaluation_timeout must be positive"))
	}
	if c.Engine.QuickMaxFactors < 0 {
		errs = append(errs, errors.New("engine.quick_max_factors must not be negative"))
	}
	if c.Enrichment.BaseCurrency == "" {
		errs = append(errs, errors.New("enrichment.base_currency is required"))
	}
	if c.Aggregation.Partitions < 1 {
		errs = append(errs, errors.New("aggregation.partitions must be at least 1"))
	}
	if c.Aggregation.QueueSize < 1 {
		errs = append(errs, errors.New("aggregation.queue_size must be at least 1"))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if c.Pipeline.ReorderGrace < 0 {
		errs = append(errs, errors.New("pipeline.reorder_grace must not be negative"))
	}
	detectors := map[string]DetectorConfig{
		"structuring":           c.Aggregation.Structuring,
		"cross_border_burst":    c.Aggregation.CrossBorderBurst,
		"p2p_volume":            c.Aggregation.P2PVolume,
		"destination_diversity": c.Aggregation.DestinationDiversity,
	}
	for name, d := range detectors {
		if !d.Enabled {
			continue
		}
		if d.Window <= 0 {
			errs = append(errs, fmt.Errorf("aggregation.%s.window must be positive", name))
		}
		if d.Grace < 0 {
			errs = append(errs, fmt.Errorf("aggregation.%s.grace must not be negative", name))
		}
	}
	return errors.Join(errs...)
}
