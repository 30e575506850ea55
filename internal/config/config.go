// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
)

// Solver methods accepted by OPTIMIZER_METHOD.
const (
	MethodDual    = "dual"
	MethodPenalty = "penalty"
)

// Ill-conditioned covariance policies accepted by OPTIMIZER_ILL_CONDITIONED_POLICY.
const (
	PolicyRegularize = "regularize"
	PolicyReject     = "reject"
)

// Config holds application configuration
type Config struct {
	DataDir         string // Base directory for the run history database (always absolute)
	LogLevel        string
	Port            int
	DevMode         bool
	MinObservations int // Minimum rows required by the HTTP layer

	Optimizer OptimizerConfig
	History   HistoryConfig
	Archive   ArchiveConfig

	MaxConcurrentSolves int
}

// OptimizerConfig tunes the numerical solve.
type OptimizerConfig struct {
	Method             string
	MaxIterations      int
	Tolerance          float64
	ConditionThreshold float64
	IllConditioned     string
}

// HistoryConfig controls the run history store and its retention job.
type HistoryConfig struct {
	Enabled           bool
	RetentionDays     int
	RetentionSchedule string // cron expression with seconds field
}

// ArchiveConfig describes the optional S3-compatible result archive.
// The archive is disabled when Bucket is empty.
type ArchiveConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // For R2/MinIO style endpoints
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether results should be archived.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	absDataDir, err := filepath.Abs(getEnv("DATA_DIR", "./data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	cfg := &Config{
		DataDir:         absDataDir,
		Port:            getEnvAsInt("PORT", 8000),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		MinObservations: getEnvAsInt("MIN_OBSERVATIONS", 30),
		Optimizer: OptimizerConfig{
			Method:             getEnv("OPTIMIZER_METHOD", MethodDual),
			MaxIterations:      getEnvAsInt("OPTIMIZER_MAX_ITERATIONS", 1000),
			Tolerance:          getEnvAsFloat("OPTIMIZER_TOLERANCE", 1e-6),
			ConditionThreshold: getEnvAsFloat("OPTIMIZER_CONDITION_THRESHOLD", 1e10),
			IllConditioned:     getEnv("OPTIMIZER_ILL_CONDITIONED_POLICY", PolicyRegularize),
		},
		History: HistoryConfig{
			Enabled:           getEnvAsBool("HISTORY_ENABLED", true),
			RetentionDays:     getEnvAsInt("HISTORY_RETENTION_DAYS", 30),
			RetentionSchedule: getEnv("HISTORY_RETENTION_SCHEDULE", "0 0 3 * * *"),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Prefix:          getEnv("ARCHIVE_PREFIX", "runs"),
			Region:          getEnv("ARCHIVE_REGION", "auto"),
			Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		},
		MaxConcurrentSolves: getEnvAsInt("MAX_CONCURRENT_SOLVES", runtime.NumCPU()),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.History.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.MinObservations < 2 {
		return fmt.Errorf("MIN_OBSERVATIONS must be at least 2, got %d", c.MinObservations)
	}
	switch c.Optimizer.Method {
	case MethodDual, MethodPenalty:
	default:
		return fmt.Errorf("unknown OPTIMIZER_METHOD %q", c.Optimizer.Method)
	}
	switch c.Optimizer.IllConditioned {
	case PolicyRegularize, PolicyReject:
	default:
		return fmt.Errorf("unknown OPTIMIZER_ILL_CONDITIONED_POLICY %q", c.Optimizer.IllConditioned)
	}
	if c.Optimizer.MaxIterations <= 0 {
		return fmt.Errorf("OPTIMIZER_MAX_ITERATIONS must be positive, got %d", c.Optimizer.MaxIterations)
	}
	if !(c.Optimizer.Tolerance > 0) {
		return fmt.Errorf("OPTIMIZER_TOLERANCE must be positive, got %g", c.Optimizer.Tolerance)
	}
	if !(c.Optimizer.ConditionThreshold > 1) {
		return fmt.Errorf("OPTIMIZER_CONDITION_THRESHOLD must exceed 1, got %g", c.Optimizer.ConditionThreshold)
	}
	if c.MaxConcurrentSolves <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SOLVES must be positive, got %d", c.MaxConcurrentSolves)
	}
	if c.History.RetentionDays <= 0 {
		return fmt.Errorf("HISTORY_RETENTION_DAYS must be positive, got %d", c.History.RetentionDays)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
