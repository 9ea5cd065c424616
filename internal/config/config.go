// Package config handles loading and validating vaultlaunch configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
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

// Config is the root configuration for vaultlaunch.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.vaultlaunch/data. Override: VAULTLAUNCH_DATA_DIR.
	Log           LogConfig            `json:"log" yaml:"log"`
	Vault         VaultConfig          `json:"vault" yaml:"vault"`
	Launcher      LauncherConfig       `json:"launcher" yaml:"launcher"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Timeouts      TimeoutsConfig       `json:"timeouts" yaml:"timeouts"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under data_dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// VaultConfig describes how the vault CLI is invoked.
type VaultConfig struct {
	Binary      string `json:"binary" yaml:"binary"`             // Default: "bw". Override: BW_BINARY.
	SessionEnv  string `json:"session_env" yaml:"session_env"`   // Env var carrying the session token. Default: "BW_SESSION".
	SkipSync    bool   `json:"skip_sync" yaml:"skip_sync"`       // Skip "bw sync" before unlocking.
	DefaultHost string `json:"default_host" yaml:"default_host"` // Used when the item has no URI. Default: "localhost".
	DomainField string `json:"domain_field" yaml:"domain_field"` // Optional custom field holding a logon domain.
}

// LauncherConfig describes the script interpreter and the remote clients.
type LauncherConfig struct {
	Interpreter     string            `json:"interpreter" yaml:"interpreter"`           // Default: "powershell".
	ExecutionPolicy string            `json:"execution_policy" yaml:"execution_policy"` // Default: "RemoteSigned".
	PolicyCommand   *string           `json:"policy_command,omitempty" yaml:"policy_command,omitempty"`
	SettleDelayMS   int               `json:"settle_delay_ms" yaml:"settle_delay_ms"` // Default: 100.
	Clients         map[string]string `json:"clients,omitempty" yaml:"clients,omitempty"`
}

// SandboxConfig controls the environment handed to child processes.
type SandboxConfig struct {
	PassEnv        []string `json:"pass_env,omitempty" yaml:"pass_env,omitempty"` // Variables inherited from the parent. Default: DefaultPassEnv.
	MaxOutputBytes int      `json:"max_output_bytes" yaml:"max_output_bytes"`     // Default: 1 MB.
}

// TimeoutsConfig bounds every external call.
type TimeoutsConfig struct {
	VaultSeconds  int `json:"vault_seconds" yaml:"vault_seconds"`   // Default: 120.
	LaunchSeconds int `json:"launch_seconds" yaml:"launch_seconds"` // Default: 120.
}

// StorageConfig configures the launch history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/history.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", ...
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"` // Override: VAULTLAUNCH_DB_DSN.
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics. A one-shot CLI has no
// scrape endpoint, so metrics are written to a node-exporter textfile.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Textfile string `json:"textfile" yaml:"textfile"` // e.g. /var/lib/node_exporter/vaultlaunch.prom
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "vaultlaunch"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// DefaultPassEnv lists the variables children inherit when sandbox.pass_env
// is unset. The vault CLI needs its profile directories; powershell needs
// the Windows system variables.
var DefaultPassEnv = []string{
	"PATH", "PATHEXT", "HOME", "USER", "USERNAME", "USERPROFILE",
	"APPDATA", "LOCALAPPDATA", "SystemRoot", "SYSTEMROOT", "windir", "ComSpec",
	"TEMP", "TMP", "XDG_CONFIG_HOME", "BITWARDENCLI_APPDATA_DIR", "NODE_EXTRA_CA_CERTS",
}

const defaultPolicyCommand = "Set-ExecutionPolicy %s -Scope Process -Force"

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// VaultTimeout returns the bound applied to each vault CLI call.
func (t TimeoutsConfig) VaultTimeout() time.Duration {
	return time.Duration(t.VaultSeconds) * time.Second
}

// LaunchTimeout returns the bound applied to each interpreter call.
func (t TimeoutsConfig) LaunchTimeout() time.Duration {
	return time.Duration(t.LaunchSeconds) * time.Second
}

// SettleDelay returns the pause between writing the script and running it.
func (l LauncherConfig) SettleDelay() time.Duration {
	return time.Duration(l.SettleDelayMS) * time.Millisecond
}

// Policy returns the command run before the script. Empty means skip.
func (l LauncherConfig) Policy() string {
	if l.PolicyCommand != nil {
		return *l.PolicyCommand
	}
	return fmt.Sprintf(defaultPolicyCommand, l.ExecutionPolicy)
}

// DefaultConfigPath returns the default config file path (~/.vaultlaunch/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vaultlaunch.yaml"
	}
	return filepath.Join(home, ".vaultlaunch", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .json for JSON, everything else for YAML.
// When optional is true a missing file yields the defaults instead of an error.
// Environment variables take precedence over file values.
func Load(path string, optional bool) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if strings.ToLower(filepath.Ext(resolved)) == ".json" {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		}
	case optional && errors.Is(err, fs.ErrNotExist):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BW_BINARY"); v != "" {
		c.Vault.Binary = v
	}
	if v := os.Getenv("VAULTLAUNCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("VAULTLAUNCH_INTERPRETER"); v != "" {
		c.Launcher.Interpreter = v
	}
	if v := os.Getenv("VAULTLAUNCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("VAULTLAUNCH_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Vault.Binary == "" {
		c.Vault.Binary = "bw"
	}
	if c.Vault.SessionEnv == "" {
		c.Vault.SessionEnv = "BW_SESSION"
	}
	if c.Vault.DefaultHost == "" {
		c.Vault.DefaultHost = "localhost"
	}
	if c.Launcher.Interpreter == "" {
		c.Launcher.Interpreter = "powershell"
	}
	if c.Launcher.ExecutionPolicy == "" {
		c.Launcher.ExecutionPolicy = "RemoteSigned"
	}
	if c.Launcher.SettleDelayMS == 0 {
		c.Launcher.SettleDelayMS = 100
	}
	if c.Sandbox.PassEnv == nil {
		c.Sandbox.PassEnv = DefaultPassEnv
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = 1 << 20
	}
	if c.Timeouts.VaultSeconds == 0 {
		c.Timeouts.VaultSeconds = 120
	}
	if c.Timeouts.LaunchSeconds == 0 {
		c.Timeouts.LaunchSeconds = 120
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".vaultlaunch", "data")
		} else {
			c.DataDir = "data"
		}
	}
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
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite history database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "history.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}
	if c.Launcher.SettleDelayMS < 0 {
		return fmt.Errorf("launcher.settle_delay_ms must not be negative")
	}
	if c.Timeouts.VaultSeconds < 0 || c.Timeouts.LaunchSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled &&
		c.Observability.Metrics.Textfile == "" {
		return fmt.Errorf("observability.metrics.textfile is required when metrics are enabled")
	}
	return nil
}
