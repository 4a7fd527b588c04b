// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/contagion/internal/risk"
)

// Graph store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNeo4j    = "neo4j"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Graph store
	GraphBackend  string
	DatabaseURL   string // PostgreSQL connection string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// Hop distance cache (optional, disabled if REDIS_URL unset)
	RedisURL    string
	HopCacheTTL time.Duration

	// Pipeline
	PipelineSchedule string // cron spec; empty disables scheduling
	PipelineWorkers  int
	LookbackDays     int
	Timezone         string // IANA name used for hour-of-day and "today"

	// Demo data for the memory backend
	SeedDemo bool
	SeedRNG  uint64

	RateLimitRPM int
	CORSOrigins  []string
	APIKeys      []string // empty leaves mutating routes open
	OTLPEndpoint string
	// TraceSampleRatio keeps this fraction of root traces; 0 or 1 keeps all
	TraceSampleRatio float64

	// Scoring overrides
	StructuralWeight  float64
	BehavioralWeight  float64
	CriticalThreshold float64
	ExposedThreshold  float64
	RecoveryLambda    float64
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultNeo4jURI     = "neo4j://localhost:7687"
	DefaultNeo4jUser    = "neo4j"
	DefaultNeo4jDB      = "neo4j"
	DefaultHopCacheTTL  = 10 * time.Minute
	DefaultWorkers      = 8
	DefaultRateLimitRPM = 600
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	scoring := risk.DefaultConfig()
	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		GraphBackend:      os.Getenv("GRAPH_BACKEND"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Neo4jURI:          getEnv("NEO4J_URI", DefaultNeo4jURI),
		Neo4jUser:         getEnv("NEO4J_USER", DefaultNeo4jUser),
		Neo4jPassword:     os.Getenv("NEO4J_PASSWORD"),
		Neo4jDatabase:     getEnv("NEO4J_DATABASE", DefaultNeo4jDB),
		RedisURL:          os.Getenv("REDIS_URL"),
		HopCacheTTL:       getEnvDuration("HOP_CACHE_TTL", DefaultHopCacheTTL),
		PipelineSchedule:  os.Getenv("PIPELINE_SCHEDULE"),
		PipelineWorkers:   int(getEnvInt64("PIPELINE_WORKERS", DefaultWorkers)),
		LookbackDays:      int(getEnvInt64("LOOKBACK_DAYS", int64(scoring.LookbackDays))),
		Timezone:          os.Getenv("TZ"),
		SeedDemo:          getEnvBool("SEED_DEMO", true),
		SeedRNG:           uint64(getEnvInt64("SEED_RNG", 42)),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:       getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		APIKeys:           getEnvList("API_KEYS", nil),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:  getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		StructuralWeight:  getEnvFloat("STRUCTURAL_WEIGHT", scoring.StructuralWeight),
		BehavioralWeight:  getEnvFloat("BEHAVIORAL_WEIGHT", scoring.BehavioralWeight),
		CriticalThreshold: getEnvFloat("CRITICAL_THRESHOLD", scoring.CriticalThreshold),
		ExposedThreshold:  getEnvFloat("EXPOSED_THRESHOLD", scoring.ExposedThreshold),
		RecoveryLambda:    getEnvFloat("RECOVERY_LAMBDA", scoring.RecoveryLambda),
	}

	// Pick a backend from whatever is configured when not set explicitly
	if cfg.GraphBackend == "" {
		cfg.GraphBackend = BackendMemory
		if cfg.DatabaseURL != "" {
			cfg.GraphBackend = BackendPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.GraphBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case BackendNeo4j:
		if c.Neo4jURI == "" {
			return fmt.Errorf("NEO4J_URI is required for the neo4j backend")
		}
	default:
		return fmt.Errorf("GRAPH_BACKEND must be memory, postgres or neo4j, got %q", c.GraphBackend)
	}

	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	if c.PipelineWorkers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be positive")
	}
	if c.LookbackDays < 1 {
		return fmt.Errorf("LOOKBACK_DAYS must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Scoring(); err != nil {
		return err
	}
	return nil
}

// Scoring returns the scoring model with overrides applied.
func (c *Config) Scoring() (risk.Config, error) {
	sc := risk.DefaultConfig()
	sc.StructuralWeight = c.StructuralWeight
	sc.BehavioralWeight = c.BehavioralWeight
	sc.CriticalThreshold = c.CriticalThreshold
	sc.ExposedThreshold = c.ExposedThreshold
	sc.RecoveryLambda = c.RecoveryLambda
	sc.LookbackDays = c.LookbackDays
	if err := sc.Validate(); err != nil {
		return risk.Config{}, err
	}
	return sc, nil
}

// Location resolves Timezone, defaulting to the process local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TZ %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
