package testsupport

import (
	"path/filepath"
	"testing"

	"vectorflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with a unique temp data directory per
// test. External endpoints are cleared so nothing dials out by accident, and
// the API binds an ephemeral port.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Broker.URL = ""
	cfgVal.Redis.Addr = ""
	cfgVal.Postgres.DSN = ""
	cfgVal.Compute.FallbackURL = ""
	cfgVal.Pipeline.QueuePollInterval = 1
	cfgVal.Pipeline.BackoffSeconds = []float64{0.01}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithAPIToken requires bearer authentication on the test daemon.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}

// WithAPIBind overrides the API bind address; an empty value disables the listener.
func WithAPIBind(bind string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIBind = bind
	}
}

// WithComputeURLs points the primary and fallback backends at test servers.
func WithComputeURLs(primary, fallback string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Compute.PrimaryURL = primary
		b.cfg.Compute.FallbackURL = fallback
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
