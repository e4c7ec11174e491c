// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Execution modes
const (
	ModeDryRun = "dry_run"
	ModeLive   = "live"
)

// Queue backends
const (
	QueueSQLite   = "sqlite"
	QueuePostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool
	// Pretty console logging
	LogPretty bool

	// ExecutionMode is dry_run (platform calls simulated) or live
	ExecutionMode    string
	PlatformBaseURL  string
	PlatformAPIToken string

	WorkerCount int
	// TickSchedule is a cron spec used for every pool's allocator tick
	TickSchedule string

	QueueBackend string
	PostgresDSN  string

	Audit AuditStreamConfig

	Backup BackupConfig

	// OperatorJWTSecret enables bearer auth on mutating API routes when set
	OperatorJWTSecret string

	TuningFile string
	Tuning     Tuning
}

// AuditStreamConfig configures export of the audit ledger
type AuditStreamConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	ArchiveBucket string
	ArchivePrefix string
	Codec         string // json or msgpack
}

// Enabled reports whether any export sink is configured
func (a AuditStreamConfig) Enabled() bool {
	return len(a.KafkaBrokers) > 0 || a.ArchiveBucket != ""
}

// BackupConfig configures database backups to object storage
type BackupConfig struct {
	Bucket string
	Prefix string
}

// Enabled reports whether backups are configured
func (b BackupConfig) Enabled() bool {
	return b.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ADPILOT_DATA_DIR", "./data")

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		Port:              getEnvAsInt("PORT", 8080),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnvAsBool("LOG_PRETTY", true),
		ExecutionMode:     getEnv("EXECUTION_MODE", ModeDryRun),
		PlatformBaseURL:   getEnv("PLATFORM_BASE_URL", ""),
		PlatformAPIToken:  getEnv("PLATFORM_API_TOKEN", ""),
		WorkerCount:       getEnvAsInt("WORKER_COUNT", 4),
		TickSchedule:      getEnv("TICK_SCHEDULE", "@every 1h"),
		QueueBackend:      getEnv("QUEUE_BACKEND", QueueSQLite),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		OperatorJWTSecret: getEnv("OPERATOR_JWT_SECRET", ""),
		TuningFile:        getEnv("TUNING_FILE", ""),
		Audit: AuditStreamConfig{
			KafkaBrokers:  getEnvAsList("KAFKA_BROKERS"),
			KafkaTopic:    getEnv("KAFKA_TOPIC", "adpilot.audit"),
			ArchiveBucket: getEnv("AUDIT_ARCHIVE_BUCKET", ""),
			ArchivePrefix: getEnv("AUDIT_ARCHIVE_PREFIX", "adpilot"),
			Codec:         getEnv("AUDIT_STREAM_CODEC", "json"),
		},
		Backup: BackupConfig{
			Bucket: getEnv("BACKUP_BUCKET", ""),
			Prefix: getEnv("BACKUP_PREFIX", "adpilot/backups"),
		},
	}

	tuning, err := LoadTuning(cfg.TuningFile)
	if err != nil {
		return nil, err
	}
	cfg.Tuning = tuning

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case ModeDryRun:
	case ModeLive:
		if c.PlatformBaseURL == "" {
			return fmt.Errorf("PLATFORM_BASE_URL is required in live mode")
		}
	default:
		return fmt.Errorf("invalid EXECUTION_MODE %q (want %s or %s)", c.ExecutionMode, ModeDryRun, ModeLive)
	}

	switch c.QueueBackend {
	case QueueSQLite:
	case QueuePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres queue backend")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q", c.QueueBackend)
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	if c.Audit.Codec != "json" && c.Audit.Codec != "msgpack" {
		return fmt.Errorf("invalid AUDIT_STREAM_CODEC %q", c.Audit.Codec)
	}

	return c.Tuning.Validate()
}

// IsLive reports whether platform calls are real
func (c *Config) IsLive() bool {
	return c.ExecutionMode == ModeLive
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

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
