package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration, loaded from the environment.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	NATS      NATSConfig
	Directory DirectoryConfig
	Sweep     SweepConfig
}

// ServiceConfig identifies the running service instance.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds Postgres connection pool settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
}

// NATSConfig holds notification publisher settings. An empty URL disables
// publishing entirely (events are dropped with a debug log).
type NATSConfig struct {
	URL string
}

// DirectoryConfig points at the platform identity/directory service.
type DirectoryConfig struct {
	BaseURL string
	Timeout time.Duration
}

// SweepConfig controls the periodic auto-approval sweep. The engine itself
// owns no timer; the server process plays the external-scheduler role.
type SweepConfig struct {
	Interval time.Duration
	Enabled  bool
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-plt-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8086),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Directory: DirectoryConfig{
			BaseURL: getEnv("DIRECTORY_URL", "http://localhost:8081"),
			Timeout: getEnvDuration("DIRECTORY_TIMEOUT", 5*time.Second),
		},
		Sweep: SweepConfig{
			Interval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			Enabled:  getEnvBool("SWEEP_ENABLED", true),
		},
	}

	if cfg.Database.Host == "" {
		return nil, fmt.Errorf("DB_HOST must not be empty")
	}
	if cfg.Sweep.Interval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
