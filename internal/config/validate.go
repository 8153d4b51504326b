package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateEndpoints(); err != nil {
		return err
	}
	if err := c.validateChunking(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.engines":             c.Pipeline.Engines,
		"pipeline.max_attempts":        c.Pipeline.MaxAttempts,
		"pipeline.queue_poll_interval": c.Pipeline.QueuePollInterval,
		"broker.timeout_seconds":       c.Broker.TimeoutSeconds,
		"compute.timeout_seconds":      c.Compute.TimeoutSeconds,
		"postgres.dimensions":          c.Postgres.Dimensions,
	}); err != nil {
		return err
	}
	if c.Pipeline.HistoryRetentionDays < 0 {
		return errors.New("pipeline.history_retention_days must be >= 0")
	}
	for i, seconds := range c.Pipeline.BackoffSeconds {
		if seconds < 0 {
			return fmt.Errorf("pipeline.backoff_seconds[%d] must be >= 0", i)
		}
	}
	if c.Redis.CacheTTLSeconds < 0 {
		return errors.New("redis.cache_ttl_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateEndpoints() error {
	if c.Broker.URL != "" {
		if err := validateURL("broker.url", c.Broker.URL, "amqp", "amqps"); err != nil {
			return err
		}
	}
	if c.Compute.PrimaryURL == "" && c.Compute.FallbackURL == "" {
		return errors.New("compute.primary_url or compute.fallback_url must be set")
	}
	for key, value := range map[string]string{
		"compute.primary_url":  c.Compute.PrimaryURL,
		"compute.fallback_url": c.Compute.FallbackURL,
	} {
		if value == "" || strings.EqualFold(value, LexicalCompute) {
			continue
		}
		if err := validateURL(key, value, "http", "https"); err != nil {
			return err
		}
	}
	if c.Postgres.DSN != "" && !strings.Contains(c.Postgres.DSN, "=") {
		if err := validateURL("postgres.dsn", c.Postgres.DSN, "postgres", "postgresql"); err != nil {
			return err
		}
	}
	if strings.ContainsAny(c.Postgres.Table, " ;\"'") {
		return fmt.Errorf("postgres.table %q is not a plain identifier", c.Postgres.Table)
	}
	return nil
}

func (c *Config) validateChunking() error {
	if c.Chunking.Size <= 0 {
		return errors.New("chunking.size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return errors.New("chunking.overlap must be >= 0 and smaller than chunking.size")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognized", c.Logging.Level)
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL", key, strings.Join(schemes, "/"))
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
