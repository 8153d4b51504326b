package preflight

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"vectorflow/internal/compute"
	"vectorflow/internal/config"
	"vectorflow/internal/history"
	"vectorflow/internal/services"
	"vectorflow/internal/transport"
)

// ConfigChecks builds one check per dependency named in cfg without dialing
// anything. The returned func releases connections opened by the pings.
func ConfigChecks(cfg *config.Config) ([]Check, func()) {
	var (
		checks  []Check
		closers []func()
	)

	if url := strings.TrimSpace(cfg.Broker.URL); url != "" {
		broker := transport.NewAMQPBroker(url, cfg.Broker.Exchange, cfg.BrokerTimeout())
		closers = append(closers, func() { _ = broker.Close() })
		checks = append(checks, Check{Name: "Broker", Target: broker, Optional: true})
	} else {
		checks = append(checks, Check{Name: "Broker", Optional: true, Skipped: "not configured; jobs go to the fallback list"})
	}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		closers = append(closers, func() { _ = client.Close() })
		checks = append(checks, Check{Name: "Redis", Target: transport.NewRedisList(client), Optional: true})
	} else {
		checks = append(checks, Check{Name: "Redis", Optional: true, Skipped: "not configured; using in-process fallback list and cache"})
	}

	checks = append(checks, Check{Name: "History", Target: historyPinger{path: cfg.HistoryPath()}})

	if dsn := strings.TrimSpace(cfg.Postgres.DSN); dsn != "" {
		checks = append(checks, Check{Name: "Postgres", Target: postgresPinger{dsn: dsn}})
	} else {
		checks = append(checks, Check{Name: "Postgres", Optional: true, Skipped: "not configured; using in-memory vector store"})
	}

	if b := compute.FromEndpoint("primary", cfg.Compute.PrimaryURL, cfg.Compute.Model, cfg.Postgres.Dimensions, pingTimeout); b != nil {
		checks = append(checks, Check{Name: "Compute primary", Target: b})
	}
	if b := compute.FromEndpoint("fallback", cfg.Compute.FallbackURL, cfg.Compute.Model, cfg.Postgres.Dimensions, pingTimeout); b != nil {
		checks = append(checks, Check{Name: "Compute fallback", Target: b, Optional: true})
	}

	return checks, func() {
		for _, c := range closers {
			c()
		}
	}
}

type historyPinger struct {
	path string
}

// Ping opens the history database, creating it if needed, and runs its
// integrity check.
func (p historyPinger) Ping(ctx context.Context) error {
	store, err := history.Open(ctx, p.path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.CheckHealth(ctx)
}

type postgresPinger struct {
	dsn string
}

// Ping connects once and confirms the pgvector extension is installable.
func (p postgresPinger) Ping(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "postgres", "ping", "connect", err)
	}
	defer conn.Close(context.Background())
	var available bool
	err = conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_available_extensions WHERE name = 'vector')`).Scan(&available)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "postgres", "ping", "query extensions", err)
	}
	if !available {
		return services.Wrap(services.ErrConfiguration, "postgres", "ping", "pgvector extension is not installed on the server", nil)
	}
	return nil
}
