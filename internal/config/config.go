// Package config handles loading and validating keyvault configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// DefaultMasterSecretRef is where the master secret is read from when neither
// vault.master_secret nor vault.master_secret_ref is configured.
const DefaultMasterSecretRef = "env://KEYVAULT_MASTER_SECRET"

// Config is the root configuration for keyvault.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.keyvault. Override: KEYVAULT_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under data_dir
	Vault         VaultConfig          `json:"vault" yaml:"vault"`
	Egress        EgressConfig         `json:"egress" yaml:"egress"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	Background    BackgroundConfig     `json:"background" yaml:"background"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Cache         *CacheConfig         `json:"cache,omitempty" yaml:"cache,omitempty"`                   // nil = in-memory cache
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                   // nil = JSONL file under data_dir
	HealthMonitor *HealthMonitorConfig `json:"health_monitor,omitempty" yaml:"health_monitor,omitempty"` // nil = monitor disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`               // nil = env-only secrets
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`   // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/keyvault.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KEYVAULT_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	MaxTxRetries     int    `json:"max_tx_retries" yaml:"max_tx_retries"`           // Serialization-failure retries. Default: 3
}

// VaultConfig configures the credential vault core.
type VaultConfig struct {
	MasterSecret    string `json:"master_secret,omitempty" yaml:"master_secret,omitempty"`         // Override: KEYVAULT_MASTER_SECRET env var.
	MasterSecretRef string `json:"master_secret_ref,omitempty" yaml:"master_secret_ref,omitempty"` // e.g. "vault://secret/data/keyvault#master". Default: env://KEYVAULT_MASTER_SECRET.
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`                     // Validation cache TTL. Default: 300.
}

// SecretRef returns the reference used to resolve the master secret.
func (v VaultConfig) SecretRef() string {
	if v.MasterSecretRef != "" {
		return v.MasterSecretRef
	}
	return DefaultMasterSecretRef
}

// CacheTTL returns the validation cache TTL.
func (v VaultConfig) CacheTTL() time.Duration {
	if v.CacheTTLSeconds > 0 {
		return time.Duration(v.CacheTTLSeconds) * time.Second
	}
	return 300 * time.Second
}

// EgressConfig configures outbound provider calls.
type EgressConfig struct {
	TimeoutSeconds    int             `json:"timeout_seconds" yaml:"timeout_seconds"`         // Per-request timeout. Default: 10.
	MaxRetries        int             `json:"max_retries" yaml:"max_retries"`                 // 429 retries. Default: 3.
	MaxBackoffSeconds int             `json:"max_backoff_seconds" yaml:"max_backoff_seconds"` // Longest 429 wait honored. Default: 30.
	RateLimit         RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`                   // Per destination host.
}

// Timeout returns the per-request timeout.
func (e EgressConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Retries returns the 429 retry budget.
func (e EgressConfig) Retries() int {
	if e.MaxRetries > 0 {
		return e.MaxRetries
	}
	return 3
}

// MaxBackoff returns the longest wait between 429 retries.
func (e EgressConfig) MaxBackoff() time.Duration {
	if e.MaxBackoffSeconds > 0 {
		return time.Duration(e.MaxBackoffSeconds) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures per-host rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = 60.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// PerMinute returns the effective per-host rate.
func (r RateLimitConfig) PerMinute() int {
	if r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute
	}
	return 60
}

// ServerConfig configures the operational HTTP listener.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8090". Override: KEYVAULT_LISTEN_ADDR env var.
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8090"
}

// BackgroundConfig sizes the detached job executor.
type BackgroundConfig struct {
	Workers   int `json:"workers" yaml:"workers"`       // Default: 4.
	QueueSize int `json:"queue_size" yaml:"queue_size"` // Default: 256.
}

// WorkerCount returns the number of background workers.
func (b BackgroundConfig) WorkerCount() int {
	if b.Workers > 0 {
		return b.Workers
	}
	return 4
}

// Queue returns the background queue capacity.
func (b BackgroundConfig) Queue() int {
	if b.QueueSize > 0 {
		return b.QueueSize
	}
	return 256
}

// ProvidersConfig overrides provider endpoints, e.g. for a corporate proxy.
// Empty values use each provider's public endpoint.
type ProvidersConfig struct {
	BaseURLs map[string]string `json:"base_urls,omitempty" yaml:"base_urls,omitempty"` // provider → base URL.
}

// BaseURL returns the configured base URL for provider, or "".
func (p ProvidersConfig) BaseURL(provider string) string {
	return p.BaseURLs[provider]
}

// CacheConfig selects the validation cache backend.
type CacheConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "memory" (default), "database", or "none".
}

// CacheDriver returns the effective cache driver.
func (c *CacheConfig) CacheDriver() string {
	if c != nil && c.Driver != "" {
		return c.Driver
	}
	return "memory"
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Sink    string `json:"sink" yaml:"sink"`                             // "file" (default), "database", or "none".
	LogPath string `json:"log_path,omitempty" yaml:"log_path,omitempty"` // JSONL path for the file sink. Default: <data_dir>/audit.jsonl.
}

// AuditSink returns the effective audit sink.
func (a *AuditConfig) AuditSink() string {
	if a != nil && a.Sink != "" {
		return a.Sink
	}
	return "file"
}

// HealthMonitorConfig configures scheduled provider health probes.
type HealthMonitorConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Schedule string   `json:"schedule" yaml:"schedule"`                       // Standard 5-field cron expression. Default: "*/5 * * * *".
	Probes   []string `json:"probes,omitempty" yaml:"probes,omitempty"`       // Providers to probe. Empty = all known providers.
}

// CronSchedule returns the effective cron expression.
func (h *HealthMonitorConfig) CronSchedule() string {
	if h != nil && h.Schedule != "" {
		return h.Schedule
	}
	return "*/5 * * * *"
}

// SecretsConfig configures the secret provider chain used to resolve the master secret.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env", "file", or "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "keyvault"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based detection of provider failure spikes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed validations
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.keyvault/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/keyvault.yaml"
	}
	return filepath.Join(home, ".keyvault", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path skips the file and builds the config from defaults and environment only.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	if v := os.Getenv("KEYVAULT_MASTER_SECRET"); v != "" {
		cfg.Vault.MasterSecret = v
	}
	if v := os.Getenv("KEYVAULT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KEYVAULT_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("KEYVAULT_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".keyvault")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "keyvault.db")
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil && c.Audit.LogPath != "" {
		return c.Audit.LogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set KEYVAULT_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	switch c.Cache.CacheDriver() {
	case "memory", "database", "none":
	default:
		return fmt.Errorf("cache.driver %q is not supported (use memory, database, or none)", c.Cache.Driver)
	}

	switch c.Audit.AuditSink() {
	case "file", "database", "none":
	default:
		return fmt.Errorf("audit.sink %q is not supported (use file, database, or none)", c.Audit.Sink)
	}

	if c.Vault.MasterSecretRef != "" && !strings.Contains(c.Vault.MasterSecretRef, "://") {
		return fmt.Errorf("vault.master_secret_ref %q must be a reference like env://NAME, file:///path, or vault://path#field", c.Vault.MasterSecretRef)
	}
	if c.Egress.TimeoutSeconds < 0 || c.Egress.MaxRetries < 0 || c.Egress.MaxBackoffSeconds < 0 {
		return fmt.Errorf("egress timeouts and retry counts must not be negative")
	}
	if c.Egress.RateLimit.RequestsPerMinute < 0 || c.Egress.RateLimit.BurstSize < 0 {
		return fmt.Errorf("egress.rate_limit values must not be negative")
	}

	for i, p := range c.secretProviders() {
		switch p.Type {
		case "env", "file", "vault":
		default:
			return fmt.Errorf("secrets.providers[%d]: type %q is not supported (use env, file, or vault)", i, p.Type)
		}
	}

	if c.Observability != nil && c.Observability.Anomaly != nil {
		if t := c.Observability.Anomaly.ErrorRateThreshold; t < 0 || t > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	return nil
}

func (c *Config) secretProviders() []SecretProviderConfig {
	if c.Secrets == nil {
		return nil
	}
	return c.Secrets.Providers
}
