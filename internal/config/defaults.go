package config

import "net/url"

const (
	defaultConfigPath        = "~/.config/vectorflow/config.toml"
	defaultDataDir           = "~/.local/share/vectorflow"
	defaultAPIBind           = "127.0.0.1:7590"
	defaultEngines           = 2
	defaultMaxAttempts       = 3
	defaultBackoffSeconds    = 2
	defaultQueuePollInterval = 5
	defaultExchange          = "vectorflow"
	defaultTopic             = "document.events"
	defaultBrokerTimeout     = 5
	defaultFallbackKey       = "vectorflow:fallback"
	defaultCachePrefix       = "vectorflow:cache:"
	defaultCacheTTLSeconds   = 86400
	defaultPostgresTable     = "chunks"
	defaultDimensions        = 768
	defaultComputePrimaryURL = "http://localhost:11434"
	defaultComputeModel      = "nomic-embed-text"
	defaultComputeTimeout    = 30
	defaultChunkSize         = 512
	defaultChunkOverlap      = 64
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"

	redacted = "REDACTED"

	// LexicalCompute in place of a compute URL selects the built-in hashed
	// term backend.
	LexicalCompute = "lexical"

	envAMQPURL     = "VECTORFLOW_AMQP_URL"
	envRedisAddr   = "VECTORFLOW_REDIS_ADDR"
	envPostgresDSN = "VECTORFLOW_POSTGRES_DSN"
	envAPIToken    = "VECTORFLOW_API_TOKEN"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			APIBind: defaultAPIBind,
		},
		Pipeline: Pipeline{
			Engines:           defaultEngines,
			MaxAttempts:       defaultMaxAttempts,
			BackoffSeconds:    []float64{defaultBackoffSeconds},
			QueuePollInterval: defaultQueuePollInterval,
		},
		Broker: Broker{
			Exchange:       defaultExchange,
			Topic:          defaultTopic,
			TimeoutSeconds: defaultBrokerTimeout,
		},
		Redis: Redis{
			FallbackKey:     defaultFallbackKey,
			CachePrefix:     defaultCachePrefix,
			CacheTTLSeconds: defaultCacheTTLSeconds,
		},
		Postgres: Postgres{
			Table:      defaultPostgresTable,
			Dimensions: defaultDimensions,
		},
		Compute: Compute{
			PrimaryURL:     defaultComputePrimaryURL,
			Model:          defaultComputeModel,
			TimeoutSeconds: defaultComputeTimeout,
		},
		Chunking: Chunking{
			Size:    defaultChunkSize,
			Overlap: defaultChunkOverlap,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	return parsed.Redacted()
}
