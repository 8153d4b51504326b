package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeBroker()
	c.normalizeRedis()
	c.normalizePostgres()
	c.normalizeCompute()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		c.Paths.APIToken = envValue(envAPIToken)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.Engines == 0 {
		c.Pipeline.Engines = defaultEngines
	}
	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = defaultMaxAttempts
	}
	if len(c.Pipeline.BackoffSeconds) == 0 {
		c.Pipeline.BackoffSeconds = []float64{defaultBackoffSeconds}
	}
	if c.Pipeline.QueuePollInterval == 0 {
		c.Pipeline.QueuePollInterval = defaultQueuePollInterval
	}
}

func (c *Config) normalizeBroker() {
	c.Broker.URL = strings.TrimSpace(c.Broker.URL)
	if c.Broker.URL == "" {
		c.Broker.URL = envValue(envAMQPURL)
	}
	c.Broker.Exchange = strings.TrimSpace(c.Broker.Exchange)
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = defaultExchange
	}
	c.Broker.Topic = strings.TrimSpace(c.Broker.Topic)
	if c.Broker.Topic == "" {
		c.Broker.Topic = defaultTopic
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = defaultBrokerTimeout
	}
}

func (c *Config) normalizeRedis() {
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Addr == "" {
		c.Redis.Addr = envValue(envRedisAddr)
	}
	c.Redis.FallbackKey = strings.TrimSpace(c.Redis.FallbackKey)
	if c.Redis.FallbackKey == "" {
		c.Redis.FallbackKey = defaultFallbackKey
	}
	if strings.TrimSpace(c.Redis.CachePrefix) == "" {
		c.Redis.CachePrefix = defaultCachePrefix
	}
	if c.Redis.CacheTTLSeconds == 0 {
		c.Redis.CacheTTLSeconds = defaultCacheTTLSeconds
	}
}

func (c *Config) normalizePostgres() {
	c.Postgres.DSN = strings.TrimSpace(c.Postgres.DSN)
	if c.Postgres.DSN == "" {
		c.Postgres.DSN = envValue(envPostgresDSN)
	}
	c.Postgres.Table = strings.TrimSpace(c.Postgres.Table)
	if c.Postgres.Table == "" {
		c.Postgres.Table = defaultPostgresTable
	}
	if c.Postgres.Dimensions == 0 {
		c.Postgres.Dimensions = defaultDimensions
	}
}

func (c *Config) normalizeCompute() {
	c.Compute.PrimaryURL = strings.TrimRight(strings.TrimSpace(c.Compute.PrimaryURL), "/")
	c.Compute.FallbackURL = strings.TrimRight(strings.TrimSpace(c.Compute.FallbackURL), "/")
	c.Compute.Model = strings.TrimSpace(c.Compute.Model)
	if c.Compute.Model == "" {
		c.Compute.Model = defaultComputeModel
	}
	if c.Compute.TimeoutSeconds == 0 {
		c.Compute.TimeoutSeconds = defaultComputeTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func envValue(key string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
