// Package appconfig loads the screening workflow engine's configuration
// from the environment, mirroring the teacher's config.Load() shape.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the engine's full runtime configuration.
type Config struct {
	Service       ServiceConfig
	Server        ServerConfig
	Database      DatabaseConfig
	Collaborators CollaboratorsConfig
	Events        EventsConfig
	Workflow      WorkflowConfig
}

// ServiceConfig identifies the running process for logs and metrics.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the Postgres connection pool.
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

// CollaboratorsConfig holds the base URLs of the identity and patient
// lookup collaborators consumed by the engine (spec.md §6).
type CollaboratorsConfig struct {
	IdentityBaseURL string
	PatientBaseURL  string
	RequestTimeout  time.Duration
}

// EventsConfig configures the NATS publisher used for structured event
// emission on state-changing operations.
type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

// WorkflowConfig holds the engine's own tunables (spec.md §4.5, §5).
type WorkflowConfig struct {
	DefaultApprovalTTL     time.Duration
	DefaultLockDuration    time.Duration
	SessionLockAcquireWait time.Duration
	ActiveUserTTL          time.Duration
}

// Load reads Config from the environment, applying the defaults a
// freshly-cloned mobile unit deployment would need with nothing set.
func Load() (Config, error) {
	cfg := Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "screening-engine"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8080),
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
			Database:    getEnv("DB_NAME", "screening_engine"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 1)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_TIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
		},
		Collaborators: CollaboratorsConfig{
			IdentityBaseURL: getEnv("IDENTITY_BASE_URL", "http://localhost:9001"),
			PatientBaseURL:  getEnv("PATIENT_BASE_URL", "http://localhost:9002"),
			RequestTimeout:  getEnvDuration("COLLABORATOR_TIMEOUT", 5*time.Second),
		},
		Events: EventsConfig{
			NATSURL:       getEnv("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnv("EVENTS_SUBJECT_PREFIX", "workflow"),
		},
		Workflow: WorkflowConfig{
			DefaultApprovalTTL:     getEnvDuration("APPROVAL_DEFAULT_TTL", 24*time.Hour),
			DefaultLockDuration:    getEnvDuration("LOCK_DEFAULT_DURATION", 24*time.Hour),
			SessionLockAcquireWait: getEnvDuration("SESSION_LOCK_ACQUIRE_WAIT", 10*time.Second),
			ActiveUserTTL:          getEnvDuration("ACTIVE_USER_TTL", 30*time.Minute),
		},
	}

	if cfg.Database.Database == "" {
		return Config{}, fmt.Errorf("appconfig: DB_NAME must not be empty")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
