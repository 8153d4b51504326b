package daemonrun

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"vectorflow/internal/cache"
	"vectorflow/internal/compute"
	"vectorflow/internal/config"
	"vectorflow/internal/daemon"
	"vectorflow/internal/events"
	"vectorflow/internal/history"
	"vectorflow/internal/ledger"
	"vectorflow/internal/logging"
	"vectorflow/internal/metrics"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/preflight"
	"vectorflow/internal/stages"
	"vectorflow/internal/transport"
	"vectorflow/internal/vectorstore"
)

const (
	eventBufferSize      = 4096
	memoryFallbackLength = 10000
	redisPingTimeout     = 3 * time.Second
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the vectorflow daemon and blocks until SIGINT/SIGTERM or
// cmdCtx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
		FilePath:    filepath.Join(cfg.Paths.DataDir, logging.LogFileName),
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	runPreflight(signalCtx, logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	d, err := Build(signalCtx, cfg, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "daemon build failed", "daemon_build_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `vectorflow doctor` to check dependencies"),
		)
		return err
	}
	defer func() {
		if closeErr := d.Close(); closeErr != nil {
			logging.WarnWithContext(logger, "daemon close reported errors", "daemon_close_failed", logging.Error(closeErr))
		}
	}()

	reportPreflight(logger, preflight.CheckStages(signalCtx, d.Plans()))

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-signalCtx.Done()
	logger.Info("vectorflow daemon shutting down")
	return nil
}

// Build wires every component named in cfg into a daemon that has not been
// started. Unconfigured redis and postgres fall back to in-process stores;
// an unconfigured broker sends every job to the fallback list.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *daemon.Daemon, err error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	hub := events.NewHub(eventBufferSize)
	hub.AddSink(events.NewLogSink(logger))
	agg := metrics.New()

	store, err := history.Open(ctx, cfg.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	closers = append(closers, store)

	l := ledger.New(
		ledger.WithRecorder(store),
		ledger.WithEvents(hub),
		ledger.WithLogger(logger),
	)

	var broker transport.Broker
	if url := strings.TrimSpace(cfg.Broker.URL); url != "" {
		amqpBroker := transport.NewAMQPBroker(url, cfg.Broker.Exchange, cfg.BrokerTimeout())
		closers = append(closers, amqpBroker)
		broker = amqpBroker
	}

	var (
		fallback    transport.FallbackStore
		resultCache cache.Cache
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		closers = append(closers, client)
		pingCtx, cancelPing := context.WithTimeout(ctx, redisPingTimeout)
		if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
			logging.WarnWithContext(logger, "redis not reachable at startup", "redis_unreachable",
				logging.String("addr", addr),
				logging.Error(pingErr),
				logging.String(logging.FieldErrorHint, "check redis.addr"),
				logging.String(logging.FieldImpact, "fallback publishes and cache lookups fail until redis answers"),
			)
		}
		cancelPing()
		fallback = transport.NewRedisList(client)
		resultCache = cache.NewRedis(client, cfg.Redis.CachePrefix)
	} else {
		fallback = transport.NewMemoryList(memoryFallbackLength)
		resultCache = cache.NewMemory()
	}
	dual := transport.NewDual(broker, fallback, cfg.Broker.Topic, cfg.Redis.FallbackKey,
		transport.WithLogger(logger),
		transport.WithTimeout(cfg.BrokerTimeout()),
	)

	var primary, secondary compute.Backend
	if b := compute.FromEndpoint("primary", cfg.Compute.PrimaryURL, cfg.Compute.Model, cfg.Postgres.Dimensions, cfg.ComputeTimeout()); b != nil {
		primary = b
	}
	if b := compute.FromEndpoint("fallback", cfg.Compute.FallbackURL, cfg.Compute.Model, cfg.Postgres.Dimensions, cfg.ComputeTimeout()); b != nil {
		secondary = b
	}
	selector := compute.NewSelector(primary, secondary, compute.WithLogger(logger))

	var vectors vectorstore.Store
	if dsn := strings.TrimSpace(cfg.Postgres.DSN); dsn != "" {
		pg, openErr := vectorstore.OpenPostgres(ctx, dsn, cfg.Postgres.Table, cfg.Postgres.Dimensions)
		if openErr != nil {
			return nil, fmt.Errorf("open vector store: %w", openErr)
		}
		closers = append(closers, pg)
		vectors = pg
	} else {
		vectors = vectorstore.NewMemory()
	}

	plans := stages.Plans(stages.Deps{
		Chunker:  stages.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap),
		Selector: selector,
		Cache:    resultCache,
		CacheTTL: cfg.CacheTTL(),
		Model:    cfg.Compute.Model,
		Store:    vectors,
		Logger:   logger,
	})

	pool := pipeline.NewPool(cfg.Pipeline.Engines, cfg.PollInterval(), pipeline.Deps{
		Ledger:    l,
		Transport: dual,
		Plans:     plans,
		Backoff:   pipeline.Backoff{Schedule: cfg.BackoffSchedule()},
		Hub:       hub,
		Metrics:   agg,
		Logger:    logger,
	})

	d, err := daemon.New(cfg, daemon.Parts{
		Ledger:  l,
		Pool:    pool,
		Hub:     hub,
		Metrics: agg,
		History: store,
		Drainer: dual,
		Plans:   plans,
		Closers: append(closers, resultCache),
	}, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func runPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	checks, release := preflight.ConfigChecks(cfg)
	defer release()
	reportPreflight(logger, preflight.RunAll(ctx, cfg, checks...))
}

// reportPreflight logs passes at debug and failures as warnings; nothing here
// stops the daemon.
func reportPreflight(logger *slog.Logger, results []preflight.Result) {
	for _, result := range results {
		if result.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		attrs := []logging.Attr{
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.Bool("optional", result.Optional),
			logging.String(logging.FieldErrorHint, "run `vectorflow doctor` for details"),
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed", attrs...)
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("broker_configured", strings.TrimSpace(cfg.Broker.URL) != ""),
		logging.Bool("redis_configured", strings.TrimSpace(cfg.Redis.Addr) != ""),
		logging.Bool("postgres_configured", strings.TrimSpace(cfg.Postgres.DSN) != ""),
		logging.String("compute_primary", cfg.Compute.PrimaryURL),
		logging.Bool("compute_fallback_configured", strings.TrimSpace(cfg.Compute.FallbackURL) != ""),
		logging.String("compute_model", cfg.Compute.Model),
		logging.Int("engines", cfg.Pipeline.Engines),
		logging.Int("max_attempts", cfg.Pipeline.MaxAttempts),
	)
}
