// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration. All risk-engine tunables stated
// in the design (confidence weights, SLA window, recall target, corpus
// thresholds) are configuration, not hidden constants.
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	DevMode  bool
	LogLevel string

	// Embedding service
	EmbedderURL     string
	EmbeddingDim    int
	EmbedMaxRetries int
	EmbedTimeout    time.Duration

	// Fingerprint builder
	LookbackWindow time.Duration // window for "most recent record per source"
	BaselinePeriod time.Duration // trailing period for the rolling baseline
	// MissingSourceMax is the maximum tolerated fraction of required
	// sources with no record in the window (exceeding it fails the build).
	MissingSourceMax float64

	// Similarity retrieval
	RetrievalK       int
	RetrievalEpsilon float64 // scores within epsilon tie-break by recency
	ExactMaxCorpus   int     // above this count, the approximate index is required
	MinRecall        float64 // recall target for the approximate index
	RetrievalTimeout time.Duration

	// Recommendation synthesis
	SynthesisTimeout time.Duration
	ConfidenceFloor  float64
	WeightSimilarity float64
	WeightRecency    float64
	WeightOutcome    float64
	RecencyHalfLife  time.Duration // episode recency decay half-life
	OutcomeScale     float64       // performance-delta scale for outcome quality

	// Review workflow
	ReviewSLA time.Duration // proposed/under_review auto-expire after this

	Backup *BackupConfig
}

// BackupConfig holds snapshot backup configuration for an S3-compatible
// object store. Backups are disabled unless an endpoint and bucket are set.
type BackupConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Schedule  string // cron expression
	Keep      int    // number of snapshots retained remotely
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("RISKMATCH_DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		EmbedderURL:     getEnv("EMBEDDER_URL", "http://localhost:9100"),
		EmbeddingDim:    getEnvAsInt("EMBEDDING_DIM", 1024),
		EmbedMaxRetries: getEnvAsInt("EMBED_MAX_RETRIES", 3),
		EmbedTimeout:    getEnvAsDuration("EMBED_TIMEOUT", 10*time.Second),

		LookbackWindow:   getEnvAsDuration("FINGERPRINT_LOOKBACK", 24*time.Hour),
		BaselinePeriod:   getEnvAsDuration("BASELINE_PERIOD", 90*24*time.Hour),
		MissingSourceMax: getEnvAsFloat("MISSING_SOURCE_MAX", 0.5),

		RetrievalK:       getEnvAsInt("RETRIEVAL_K", 20),
		RetrievalEpsilon: getEnvAsFloat("RETRIEVAL_EPSILON", 1e-6),
		ExactMaxCorpus:   getEnvAsInt("RETRIEVAL_EXACT_MAX", 100_000),
		MinRecall:        getEnvAsFloat("RETRIEVAL_MIN_RECALL", 0.9),
		RetrievalTimeout: getEnvAsDuration("RETRIEVAL_TIMEOUT", 5*time.Second),

		SynthesisTimeout: getEnvAsDuration("SYNTHESIS_TIMEOUT", 5*time.Second),
		ConfidenceFloor:  getEnvAsFloat("CONFIDENCE_FLOOR", 0.3),
		WeightSimilarity: getEnvAsFloat("SYNTH_WEIGHT_SIMILARITY", 0.5),
		WeightRecency:    getEnvAsFloat("SYNTH_WEIGHT_RECENCY", 0.2),
		WeightOutcome:    getEnvAsFloat("SYNTH_WEIGHT_OUTCOME", 0.3),
		RecencyHalfLife:  getEnvAsDuration("SYNTH_RECENCY_HALF_LIFE", 180*24*time.Hour),
		OutcomeScale:     getEnvAsFloat("SYNTH_OUTCOME_SCALE", 0.05),

		ReviewSLA: getEnvAsDuration("REVIEW_SLA", 72*time.Hour),

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.MissingSourceMax < 0 || c.MissingSourceMax > 1 {
		return fmt.Errorf("MISSING_SOURCE_MAX must be in [0, 1], got %f", c.MissingSourceMax)
	}
	if c.MinRecall <= 0 || c.MinRecall > 1 {
		return fmt.Errorf("RETRIEVAL_MIN_RECALL must be in (0, 1], got %f", c.MinRecall)
	}
	weightSum := c.WeightSimilarity + c.WeightRecency + c.WeightOutcome
	if weightSum <= 0 {
		return fmt.Errorf("confidence weights must sum to a positive value, got %f", weightSum)
	}
	return nil
}

func loadBackupConfig() *BackupConfig {
	endpoint := getEnv("BACKUP_S3_ENDPOINT", "")
	bucket := getEnv("BACKUP_S3_BUCKET", "")

	return &BackupConfig{
		Enabled:   endpoint != "" && bucket != "",
		Endpoint:  endpoint,
		Region:    getEnv("BACKUP_S3_REGION", "auto"),
		Bucket:    bucket,
		AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		Schedule:  getEnv("BACKUP_SCHEDULE", "0 0 3 * * *"), // daily 03:00
		Keep:      getEnvAsInt("BACKUP_KEEP", 14),
	}
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
