package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Pipeline contains engine pool and retry configuration.
type Pipeline struct {
	Engines           int       `toml:"engines"`
	MaxAttempts       int       `toml:"max_attempts"`
	BackoffSeconds    []float64 `toml:"backoff_seconds"`
	QueuePollInterval int       `toml:"queue_poll_interval"`
	// HistoryRetentionDays prunes finished jobs older than this at daemon
	// start. Zero keeps everything.
	HistoryRetentionDays int `toml:"history_retention_days"`
}

// Broker contains configuration for the primary AMQP transport.
type Broker struct {
	URL            string `toml:"url"`
	Exchange       string `toml:"exchange"`
	Topic          string `toml:"topic"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Redis contains configuration for the fallback transport list and the result cache.
type Redis struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	FallbackKey     string `toml:"fallback_key"`
	CachePrefix     string `toml:"cache_prefix"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
}

// Postgres contains configuration for the pgvector storage and similarity search.
type Postgres struct {
	DSN        string `toml:"dsn"`
	Table      string `toml:"table"`
	Dimensions int    `toml:"dimensions"`
}

// Compute contains configuration for the embedding backends.
type Compute struct {
	PrimaryURL     string `toml:"primary_url"`
	FallbackURL    string `toml:"fallback_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Chunking contains the sliding window used by the chunk stage.
type Chunking struct {
	Size    int `toml:"size"`
	Overlap int `toml:"overlap"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for vectorflow.
//
// Configuration sections by subsystem:
//   - Paths: data directory and API bind address
//   - Pipeline: engine count, attempt ceiling, backoff schedule
//   - Broker: AMQP primary transport
//   - Redis: fallback transport list and result cache
//   - Postgres: pgvector storage and search
//   - Compute: primary and fallback embedding backends
//   - Chunking: chunk window size and overlap
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Pipeline Pipeline `toml:"pipeline"`
	Broker   Broker   `toml:"broker"`
	Redis    Redis    `toml:"redis"`
	Postgres Postgres `toml:"postgres"`
	Compute  Compute  `toml:"compute"`
	Chunking Chunking `toml:"chunking"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vectorflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.DataDir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.DataDir, err)
	}
	return nil
}

// HistoryPath returns the SQLite database holding completed and failed jobs.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.DataDir, "history.db")
}

// LockPath returns the single-instance lock file used by the daemon.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "vectorflow.lock")
}

// PIDPath returns the file the foreground daemon writes its process id to.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "vectorflow.pid")
}

// BackoffSchedule converts the configured seconds into durations.
func (c *Config) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Pipeline.BackoffSeconds))
	for _, seconds := range c.Pipeline.BackoffSeconds {
		out = append(out, time.Duration(seconds*float64(time.Second)))
	}
	return out
}

// HistoryRetention is how long finished jobs stay in history; zero means forever.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.Pipeline.HistoryRetentionDays) * 24 * time.Hour
}

// PollInterval is how often idle engines re-check the queue without a wake signal.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.QueuePollInterval) * time.Second
}

// ComputeTimeout bounds a single embedding request.
func (c *Config) ComputeTimeout() time.Duration {
	return time.Duration(c.Compute.TimeoutSeconds) * time.Second
}

// BrokerTimeout bounds a single broker publish including its confirm.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.TimeoutSeconds) * time.Second
}

// CacheTTL is the lifetime of cached stage results in redis.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML, redacting secrets.
func (c *Config) Encode() ([]byte, error) {
	clone := *c
	clone.Pipeline.BackoffSeconds = append([]float64(nil), c.Pipeline.BackoffSeconds...)
	if clone.Paths.APIToken != "" {
		clone.Paths.APIToken = redacted
	}
	if clone.Redis.Password != "" {
		clone.Redis.Password = redacted
	}
	clone.Broker.URL = redactURL(clone.Broker.URL)
	clone.Postgres.DSN = redactURL(clone.Postgres.DSN)
	return toml.Marshal(clone)
}
