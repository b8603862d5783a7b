// Package config builds the Harrier configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if getEnv("HARRIER_TIER", string(domain.TierCommunity)) == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if err := overlay(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlay(cfg *domain.Config) error {
	cfg.Server.Host = getEnv("HARRIER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("HARRIER_PORT", cfg.Server.Port)

	r := &cfg.Repository
	r.Driver = getEnv("HARRIER_DB_DRIVER", r.Driver)
	r.SQLitePath = getEnv("HARRIER_SQLITE_PATH", r.SQLitePath)
	r.PostgresHost = getEnv("HARRIER_PG_HOST", r.PostgresHost)
	r.PostgresPort = getEnvInt("HARRIER_PG_PORT", r.PostgresPort)
	r.PostgresUser = getEnv("HARRIER_PG_USER", r.PostgresUser)
	r.PostgresPassword = getEnv("HARRIER_PG_PASSWORD", r.PostgresPassword)
	r.PostgresDB = getEnv("HARRIER_PG_DB", r.PostgresDB)
	r.PostgresSSLMode = getEnv("HARRIER_PG_SSLMODE", r.PostgresSSLMode)

	cfg.Cache.Type = getEnv("HARRIER_CACHE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("HARRIER_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("HARRIER_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.Type = getEnv("HARRIER_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("HARRIER_NATS_URL", cfg.EventBus.NATSUrl)

	if brokers := os.Getenv("HARRIER_KAFKA_BROKERS"); brokers != "" {
		cfg.Feed.KafkaBrokers = splitList(brokers)
	}
	cfg.Feed.KafkaTopic = getEnv("HARRIER_KAFKA_TOPIC", cfg.Feed.KafkaTopic)

	d := &cfg.Detection
	d.RulesFile = getEnv("HARRIER_RULES_FILE", d.RulesFile)
	d.SweepWorkers = getEnvInt("HARRIER_SWEEP_WORKERS", d.SweepWorkers)
	d.CleanBatchSize = getEnvInt("HARRIER_CLEAN_BATCH", d.CleanBatchSize)
	d.MaxHopTime = getEnvDuration("HARRIER_MAX_HOP_TIME", d.MaxHopTime)
	d.SweepWindow = getEnvDuration("HARRIER_SWEEP_WINDOW", d.SweepWindow)
	if ids := os.Getenv("HARRIER_CHAIN_RULE_IDS"); ids != "" {
		parsed, err := parseIDs(ids)
		if err != nil {
			return err
		}
		d.ChainRuleIDs = parsed
	}

	cfg.Logging.Level = getEnv("HARRIER_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("HARRIER_LOG_FORMAT", cfg.Logging.Format)

	cfg.Tracing.Enabled = getEnvBool("HARRIER_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("HARRIER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	return nil
}

func parseIDs(s string) ([]int, error) {
	parts := splitList(s)
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: HARRIER_CHAIN_RULE_IDS: %q is not a rule id", domain.ErrInvalidInput, p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
