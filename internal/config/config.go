// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Registry: connection heartbeat cadence and per-connection send queue depth
//   - Session: startup/idle timeouts, reaper cadence, terminal-record TTL, worker keepalive
//   - Question: the question-answer wait window
//   - Sync: file-sync poller cadence, concurrency, and object-store location
//   - Spawner: worker container runtime, image, and retry behavior
//   - Auth: default per-key rate limit
//
// Every environment variable and its default is listed in Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RegistryConfig holds connection-registry configuration.
type RegistryConfig struct {
	HeartbeatInterval time.Duration // Ping cadence for liveness checks (default: 30s)
	SendQueueSize     int           // Bounded per-connection outbound queue depth (default: 1024)
}

// SessionConfig holds session-lifecycle timeout configuration.
type SessionConfig struct {
	StartupTimeout  time.Duration // Time allowed in "starting" before expiry (default: 5m)
	IdleTimeout     time.Duration // Time an "active" session may go without activity (default: 30m)
	ReaperInterval  time.Duration // Sweep cadence for expired/idle/terminal sessions (default: 1m)
	TerminalTTL     time.Duration // How long a stopped/errored session record is kept (default: 24h)
	WorkerKeepalive time.Duration // Worker silence tolerated before erroring its session (default: 2m)
}

// QuestionConfig holds question-blocker configuration.
type QuestionConfig struct {
	AnswerTimeout time.Duration // Time a pending question waits before auto-rejecting (default: 5m)
}

// SyncConfig holds file-sync poller configuration.
type SyncConfig struct {
	PollInterval       time.Duration      // Cadence between reconciliation passes (default: 5s)
	Concurrency        int                // Max concurrent object downloads (default: 5)
	MaxListPages       int                // Max pages fetched per prefix listing (default: 100)
	DeletePolicy       string             // "keep", "trash", or "delete" (default: "trash")
	PreserveTimestamps bool               // Mirror object mtimes onto local files (default: true)
	S3Bucket           string             // Object-store bucket backing the poller
	S3Region           string             // AWS region for the S3 client
}

// SpawnerConfig holds worker-container resource and retry configuration.
// Only ContainerRuntime is passed to the Docker spawner; it uses its own
// built-in image, stop timeout, and create-retry values (with the same
// defaults as below) and applies no create timeout.
type SpawnerConfig struct {
	ContainerRuntime    string        // Docker runtime: "" = default (runc), "runsc" = gVisor
	WorkerImage         string        // Image reference used to spawn worker containers
	StopTimeout         time.Duration // Worker stop timeout (default: 10s)
	CreateTimeout       time.Duration // Worker create timeout (default: 2m)
	CreateRetryAttempts int           // Worker create retry attempts (default: 20)
	CreateRetryDelay    time.Duration // Delay between create retries (default: 250ms)
}

// AuthConfig holds API-key and rate-limiting configuration.
type AuthConfig struct {
	DefaultKeyRateLimit int // Requests/minute for a newly generated key (default: 60); not read by the key-generation handler, which applies its own default of 60
}

// Config holds all application configuration.
type Config struct {
	Port        string
	APIURL      string // Base URL workers dial back to; handed to spawned workers
	FrontendURL string
	DBPath      string
	Registry    RegistryConfig
	Session     SessionConfig
	Question    QuestionConfig
	Sync        SyncConfig
	Spawner     SpawnerConfig
	Auth        AuthConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		APIURL:      getEnv("API_URL", "http://localhost:8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/relay.db"),
		Registry: RegistryConfig{
			HeartbeatInterval: getEnvDuration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
			SendQueueSize:     getEnvInt("RELAY_SEND_QUEUE_SIZE", 1024),
		},
		Session: SessionConfig{
			StartupTimeout:  getEnvDuration("RELAY_SESSION_STARTUP_TIMEOUT", 5*time.Minute),
			IdleTimeout:     getEnvDuration("RELAY_SESSION_IDLE_TIMEOUT", 30*time.Minute),
			ReaperInterval:  getEnvDuration("RELAY_SESSION_REAPER_INTERVAL", time.Minute),
			TerminalTTL:     getEnvDuration("RELAY_SESSION_TERMINAL_TTL", 24*time.Hour),
			WorkerKeepalive: getEnvDuration("RELAY_WORKER_KEEPALIVE", 2*time.Minute),
		},
		Question: QuestionConfig{
			AnswerTimeout: getEnvDuration("RELAY_QUESTION_ANSWER_TIMEOUT", 5*time.Minute),
		},
		Sync: SyncConfig{
			PollInterval:       getEnvDuration("RELAY_SYNC_POLL_INTERVAL", 5*time.Second),
			Concurrency:        getEnvInt("RELAY_SYNC_CONCURRENCY", 5),
			MaxListPages:       getEnvInt("RELAY_SYNC_MAX_LIST_PAGES", 100),
			DeletePolicy:       getEnv("RELAY_SYNC_DELETE_POLICY", "trash"),
			PreserveTimestamps: getEnvBool("RELAY_SYNC_PRESERVE_TIMESTAMPS", true),
			S3Bucket:           getEnv("RELAY_SYNC_S3_BUCKET", ""),
			S3Region:           getEnv("RELAY_SYNC_S3_REGION", "us-east-1"),
		},
		Spawner: SpawnerConfig{
			ContainerRuntime:    getEnv("RELAY_CONTAINER_RUNTIME", ""),
			WorkerImage:         getEnv("RELAY_WORKER_IMAGE", "hq-worker:latest"),
			StopTimeout:         getEnvDuration("RELAY_WORKER_STOP_TIMEOUT", 10*time.Second),
			CreateTimeout:       getEnvDuration("RELAY_WORKER_CREATE_TIMEOUT", 2*time.Minute),
			CreateRetryAttempts: getEnvInt("RELAY_WORKER_CREATE_RETRY_ATTEMPTS", 20),
			CreateRetryDelay:    getEnvDuration("RELAY_WORKER_CREATE_RETRY_DELAY", 250*time.Millisecond),
		},
		Auth: AuthConfig{
			DefaultKeyRateLimit: getEnvInt("RELAY_DEFAULT_KEY_RATE_LIMIT", 60),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("RELAY_SYNC_CONCURRENCY must be > 0")
	}
	switch c.Sync.DeletePolicy {
	case "keep", "trash", "delete":
	default:
		return fmt.Errorf("RELAY_SYNC_DELETE_POLICY must be one of keep, trash, delete")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
