// Package config loads ade's environment-driven configuration, following
// the same struct-per-concern, env-tagged, godotenv+envdecode approach the
// rest of the stack uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the control-plane HTTP server.
type ServerConfig struct {
	Host string `env:"ADE_SERVER_HOST"`
	Port int    `env:"ADE_SERVER_PORT"`
}

// DatabaseConfig controls the Postgres connection pool shared by the API
// server and the worker.
type DatabaseConfig struct {
	URL             string `env:"ADE_DATABASE_URL"`
	MaxOpenConns    int    `env:"ADE_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `env:"ADE_DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `env:"ADE_DATABASE_CONN_MAX_LIFETIME_SECONDS"`
	MigrateOnStart  bool   `env:"ADE_DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `env:"ADE_LOG_LEVEL"`
	Format     string `env:"ADE_LOG_FORMAT"`
	Output     string `env:"ADE_LOG_OUTPUT"`
	FilePrefix string `env:"ADE_LOG_FILE_PREFIX"`
}

// StorageConfig controls where workspace state lives.
type StorageConfig struct {
	// Backend selects the blob adapter: "local" or "azure".
	Backend        string `env:"ADE_STORAGE_BACKEND"`
	WorkspacesDir  string `env:"ADE_WORKSPACES_DIR"`
	DocumentsDir   string `env:"ADE_DOCUMENTS_DIR"`
	ConfigsDir     string `env:"ADE_CONFIGS_DIR"`
	RunsDir        string `env:"ADE_RUNS_DIR"`
	VenvsDir       string `env:"ADE_VENVS_DIR"`
	PipCacheDir    string `env:"ADE_PIP_CACHE_DIR"`
	AzureAccount   string `env:"ADE_AZURE_STORAGE_ACCOUNT"`
	AzureContainer string `env:"ADE_AZURE_STORAGE_CONTAINER"`
	ConfigImportMaxBytes int64 `env:"ADE_CONFIG_IMPORT_MAX_BYTES"`
	MaxUploadBytes       int64 `env:"ADE_MAX_UPLOAD_BYTES"`
}

// RedisConfig controls the shared Redis instance backing rate limiting
// and session revocation.
type RedisConfig struct {
	URL string `env:"ADE_REDIS_URL"`
}

// MetricsConfig controls Prometheus metrics exposure. WorkerPort is
// separate from ServerConfig.Port because the worker runs its metrics
// endpoint on its own listener, independent of the API server process.
type MetricsConfig struct {
	Enabled    bool   `env:"ADE_METRICS_ENABLED"`
	Path       string `env:"ADE_METRICS_PATH"`
	WorkerPort int    `env:"ADE_WORKER_METRICS_PORT"`
}

// EngineConfig controls the default extraction engine install spec.
type EngineConfig struct {
	Spec               string `env:"ADE_ENGINE_SPEC"`
	BuildTimeoutSeconds int   `env:"ADE_BUILD_TIMEOUT_SECONDS"`
	RunTimeoutSeconds   int   `env:"ADE_RUN_TIMEOUT_SECONDS"`
}

// WorkerConfig controls worker concurrency, polling, and job lease/backoff
// behavior.
type WorkerConfig struct {
	Concurrency          int     `env:"ADE_WORKER_CONCURRENCY"`
	PollIntervalSeconds  float64 `env:"ADE_WORKER_POLL_INTERVAL"`
	PollIntervalMax      float64 `env:"ADE_WORKER_POLL_INTERVAL_MAX"`
	CleanupIntervalSeconds float64 `env:"ADE_WORKER_CLEANUP_INTERVAL"`
	WorkerID             string  `env:"ADE_WORKER_ID"`
	LeaseSeconds         int     `env:"ADE_WORKER_JOB_LEASE_SECONDS"`
	MaxAttempts          int     `env:"ADE_WORKER_JOB_MAX_ATTEMPTS"`
	BackoffBaseSeconds   int     `env:"ADE_WORKER_JOB_BACKOFF_BASE_SECONDS"`
	BackoffMaxSeconds    int     `env:"ADE_WORKER_JOB_BACKOFF_MAX_SECONDS"`
	EnableGC             bool    `env:"ADE_WORKER_ENABLE_GC"`
	GCIntervalSeconds    float64 `env:"ADE_WORKER_GC_INTERVAL_SECONDS"`
	EnvTTLDays           int     `env:"ADE_WORKER_ENV_TTL_DAYS"`
	RunArtifactTTLDays   int     `env:"ADE_WORKER_RUN_ARTIFACT_TTL_DAYS"`
	NotifyChannel        string  `env:"ADE_WORKER_NOTIFY_CHANNEL"`
	// GCCronSchedule, when set, is a standard 5-field cron expression the
	// standalone cmd/gc entrypoint uses to schedule sweeps instead of the
	// interval-based ticker the worker loop uses inline.
	GCCronSchedule string `env:"ADE_WORKER_GC_CRON_SCHEDULE"`
}

// AuthConfig controls control-plane authentication.
type AuthConfig struct {
	SessionCookieName string `env:"ADE_SESSION_COOKIE_NAME"`
	CSRFCookieName    string `env:"ADE_SESSION_CSRF_COOKIE_NAME"`
	CSRFHeaderName    string `env:"ADE_SESSION_CSRF_HEADER_NAME"`
	SessionTTLHours   int    `env:"ADE_AUTH_SESSION_TTL_HOURS"`
	APIKeyHeader      string `env:"ADE_AUTH_API_KEY_HEADER"`
	SecretKey         string `env:"ADE_SECRET_KEY"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Storage  StorageConfig
	Engine   EngineConfig
	Worker   WorkerConfig
	Auth     AuthConfig
	Redis    RedisConfig
	Metrics  MetricsConfig
}

// hostCPUCount reads the host's logical CPU count via gopsutil, falling
// back to runtime.NumCPU() when the host proc/sysfs read fails (e.g. in a
// restricted container).
func hostCPUCount() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts < 1 {
		return runtime.NumCPU()
	}
	return counts
}

// New returns a configuration populated with defaults.
func New() *Config {
	defaultConcurrency := hostCPUCount() / 2
	if defaultConcurrency < 1 {
		defaultConcurrency = 1
	}
	if defaultConcurrency > 4 {
		defaultConcurrency = 4
	}

	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "ade",
		},
		Storage: StorageConfig{
			Backend:              "local",
			WorkspacesDir:        "./data/workspaces",
			DocumentsDir:         "./data/workspaces",
			ConfigsDir:           "./data/workspaces",
			RunsDir:              "./data/workspaces",
			VenvsDir:             "./data/venvs",
			PipCacheDir:          "./data/cache/pip",
			ConfigImportMaxBytes: 64 << 20,
			MaxUploadBytes:       256 << 20,
		},
		Engine: EngineConfig{
			Spec:                "apps/ade-engine",
			BuildTimeoutSeconds: 600,
			RunTimeoutSeconds:   0,
		},
		Worker: WorkerConfig{
			Concurrency:            defaultConcurrency,
			PollIntervalSeconds:    0.5,
			PollIntervalMax:        2.0,
			CleanupIntervalSeconds: 30.0,
			LeaseSeconds:           900,
			MaxAttempts:            3,
			BackoffBaseSeconds:     5,
			BackoffMaxSeconds:      300,
			EnableGC:               true,
			GCIntervalSeconds:      300,
			EnvTTLDays:             14,
			RunArtifactTTLDays:     0,
			NotifyChannel:          "ade_run_queued",
		},
		Auth: AuthConfig{
			SessionCookieName: "ade_session",
			CSRFCookieName:    "ade_csrf",
			CSRFHeaderName:    "X-CSRF-Token",
			SessionTTLHours:   24 * 7,
			APIKeyHeader:      "Authorization",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Path:       "/metrics",
			WorkerPort: 9090,
		},
	}
}

// Load loads configuration from .env (if present) and environment
// variables, applying defaults from New() first. Environment variables
// always take precedence: this is the path used when no -config file is
// given.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile layers configuration the way cmd/appserver does: defaults,
// then an optional file (YAML or JSON, chosen by extension), then
// ADE_*-prefixed environment variables as the highest-precedence override.
// An empty path skips the file layer entirely.
func LoadWithFile(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if err := loadFromFile(trimmed, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", trimmed, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile reads path and unmarshals it onto cfg, dispatching to YAML
// or JSON by file extension the way cmd/appserver's loadConfigFile does
// (defaulting to YAML for an unrecognized/absent extension).
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func (c *Config) normalize() error {
	if c.Database.URL == "" {
		c.Database.URL = os.Getenv("DATABASE_URL")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config: ADE_DATABASE_URL is required")
	}
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("config: ADE_SECRET_KEY is required")
	}
	return nil
}
