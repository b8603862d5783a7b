package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier"`

	// Detection tunes feature windows, chain detection and sweeps
	Detection DetectionConfig `json:"detection"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Feed       FeedConfig       `json:"feed"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// DetectionConfig holds detection engine parameters.
type DetectionConfig struct {
	// MaxHopTime is the per-hop budget of the path tracer and the hop chain.
	MaxHopTime time.Duration `json:"maxHopTime"`

	Chain ChainConfig `json:"chain"`

	// SweepWindow is how far back a re-evaluation sweep looks.
	SweepWindow time.Duration `json:"sweepWindow"`
	// SweepWorkers bounds concurrent candidate evaluation in a sweep.
	SweepWorkers int `json:"sweepWorkers"`
	// ChainRuleIDs are the rules a sweep may alert on.
	ChainRuleIDs []int `json:"chainRuleIds"`

	// RuleWorkers bounds concurrent rule evaluation per feature vector.
	RuleWorkers int `json:"ruleWorkers"`
	// RulesFile is an optional JSON rule file loaded when no rules are persisted.
	RulesFile string `json:"rulesFile"`

	// CleanBatchSize is the number of clean transfers between catch-up sweeps.
	// Zero disables catch-up sweeps.
	CleanBatchSize int `json:"cleanBatchSize"`
}

// ChainConfig parameterizes the coordinated dispersion-aggregation detector.
type ChainConfig struct {
	Lookback          time.Duration `json:"lookback"`
	MinFanOut         int           `json:"minFanOut"`
	MinFanIn          int           `json:"minFanIn"`
	RelativeTolerance float64       `json:"relativeTolerance"`
	AbsoluteTolerance float64       `json:"absoluteTolerance"`
}

// FeedConfig holds alert feed sink settings.
type FeedConfig struct {
	KafkaBrokers []string `json:"kafkaBrokers"`
	KafkaTopic   string   `json:"kafkaTopic"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"serviceName"`
	Endpoint    string  `json:"endpoint"`
	Insecure    bool    `json:"insecure"`
	SampleRate  float64 `json:"sampleRate"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis + Kafka
	TierPro Tier = "pro"
)

// DefaultChainConfig returns the canonical detector parameters.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		Lookback:          24 * time.Hour,
		MinFanOut:         3,
		MinFanIn:          3,
		RelativeTolerance: 0.3,
		AbsoluteTolerance: 10000,
	}
}

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
		Detection: DetectionConfig{
			MaxHopTime:     120 * time.Second,
			Chain:          DefaultChainConfig(),
			SweepWindow:    24 * time.Hour,
			SweepWorkers:   4,
			ChainRuleIDs:   []int{35},
			RuleWorkers:    10,
			CleanBatchSize: 3,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:           "memory",
			LocalMaxSize:   10000,
			LocalTTL:       5 * time.Minute,
			IdempotencyTTL: 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Feed: FeedConfig{
			KafkaTopic: "harrier.alerts",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
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
		PostgresDB:   "harrier",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		IdempotencyTTL: 24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "harrier-ingest",
	}
	cfg.Feed.KafkaBrokers = []string{"localhost:9092"}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	d := c.Detection
	if d.MaxHopTime <= 0 {
		return fmt.Errorf("%w: detection max hop time must be positive", ErrInvalidInput)
	}
	if d.SweepWindow <= 0 {
		return fmt.Errorf("%w: sweep window must be positive", ErrInvalidInput)
	}
	if d.Chain.Lookback <= 0 || d.Chain.MinFanOut < 1 || d.Chain.MinFanIn < 1 {
		return fmt.Errorf("%w: chain lookback and fan thresholds must be positive", ErrInvalidInput)
	}
	if d.Chain.RelativeTolerance < 0 || d.Chain.AbsoluteTolerance < 0 {
		return fmt.Errorf("%w: chain tolerances must not be negative", ErrInvalidInput)
	}
	if d.CleanBatchSize < 0 {
		return fmt.Errorf("%w: clean batch size must not be negative", ErrInvalidInput)
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", ErrInvalidInput, c.Repository.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port %d", ErrInvalidInput, c.Server.Port)
	}
	return nil
}
