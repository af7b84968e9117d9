// Package config loads process configuration from the environment and
// group rule bundles from a YAML file. Everything is resolved once at
// load time; the pipeline never consults ambient global state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration
type Config struct {
	Database DatabaseConfig
	Store    StoreConfig
	Ingest   IngestConfig
	Server   ServerConfig
	Logging  LoggingConfig
}

// DatabaseConfig configures the SQL connection
type DatabaseConfig struct {
	Driver          string
	Path            string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Backend  string // "sql" or "file"
	FileRoot string
}

// IngestConfig configures the ingestion run
type IngestConfig struct {
	Workers   int
	AuditLog  string
	CachePath string
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port int
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level string
}

// LoadConfig reads configuration from a .env file (when present) and
// the environment, applying defaults for everything unset.
func LoadConfig() (*Config, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite3"),
			Path:            getEnv("DB_PATH", "telemetry.db"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "telemetry"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "telemetry"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Store: StoreConfig{
			Backend:  getEnv("STORE_BACKEND", "sql"),
			FileRoot: getEnv("STORE_FILE_ROOT", "./store"),
		},
		Ingest: IngestConfig{
			Workers:   getEnvInt("INGEST_WORKERS", 4),
			AuditLog:  getEnv("INGEST_AUDIT_LOG", "repair_audit.log"),
			CachePath: getEnv("INGEST_CACHE_PATH", ".processed_files.json"),
		},
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	switch cfg.Store.Backend {
	case "sql", "file":
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Ingest.Workers < 1 {
		return nil, fmt.Errorf("INGEST_WORKERS must be at least 1, got %d", cfg.Ingest.Workers)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
