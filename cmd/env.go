package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/db"
	"github.com/sells-group/prospect-enricher/internal/enrich"
	"github.com/sells-group/prospect-enricher/internal/fetch"
	"github.com/sells-group/prospect-enricher/internal/jobs"
	"github.com/sells-group/prospect-enricher/internal/lock"
	"github.com/sells-group/prospect-enricher/internal/metrics"
	"github.com/sells-group/prospect-enricher/internal/monitoring"
	"github.com/sells-group/prospect-enricher/internal/reconcile"
	"github.com/sells-group/prospect-enricher/internal/resilience"
	"github.com/sells-group/prospect-enricher/internal/store"
	anthropicpkg "github.com/sells-group/prospect-enricher/pkg/anthropic"
)

// appEnv holds the store and every component built on it. Components that
// call the model are nil when the env was built in store-only mode.
type appEnv struct {
	Store     store.Store
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Locker    *lock.RecordLocker
	Sweeper   *reconcile.Sweeper
	Collector *monitoring.Collector
	Enricher  *enrich.Enricher
	Runner    *jobs.Runner
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prospects.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens and migrates the store, and wires
// the components. Mode "store" skips the model gateway. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	workerID := cfg.Enrich.WorkerID
	if workerID == "" {
		workerID = lock.DefaultWorkerID()
	}
	locker := lock.NewRecordLocker(st, lock.Config{
		WorkerID:      workerID,
		StaleAfter:    cfg.Lock.StaleAfter,
		DisplayWindow: cfg.Lock.DisplayWindow,
	}, m)

	env := &appEnv{
		Store:     st,
		Registry:  reg,
		Metrics:   m,
		Locker:    locker,
		Sweeper:   reconcile.NewSweeper(st, locker, reconcile.Config{StaleAfter: cfg.Lock.StaleAfter}, m),
		Collector: monitoring.NewCollector(st, cfg.Lock.StaleAfter),
	}
	if mode == "store" {
		return env, nil
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "anthropic",
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			zap.L().Warn("circuit breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	client := anthropicpkg.NewClient(anthropicpkg.Config{
		APIKey:            cfg.Anthropic.Key,
		BaseURL:           cfg.Anthropic.BaseURL,
		RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
		Breaker:           breaker,
		Metrics:           m,
	})

	fetcher := fetch.New(fetch.Config{
		Timeout:         cfg.Fetch.Timeout(),
		UserAgent:       cfg.Fetch.UserAgent,
		Paths:           cfg.Fetch.Paths,
		AllowHTTP:       cfg.Fetch.AllowHTTP,
		MinContentChars: cfg.Fetch.MinContentChars,
		MaxBodyBytes:    cfg.Fetch.MaxBodyBytes,
		Concurrency:     cfg.Fetch.Concurrency,
	}, m)
	extractor := enrich.NewExtractor(client, enrich.ExtractorConfig{
		Model:         cfg.Anthropic.ExtractModel,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		MaxInputChars: cfg.Anthropic.MaxInputChars,
	})
	icebreakers := enrich.NewIcebreakerGenerator(client, st, enrich.IcebreakerConfig{
		Model:         cfg.Anthropic.IcebreakerModel,
		MaxSearchUses: cfg.Anthropic.WebSearchMaxUses,
		Actor:         workerID,
	})
	env.Enricher = enrich.New(st, locker, fetcher, extractor, icebreakers, enrich.Config{
		MaxRetries: cfg.Enrich.MaxRetries,
	}, m)

	env.Runner = jobs.NewRunner(st, jobs.Config{
		BatchSize:      cfg.Jobs.BatchSize,
		AttemptBackoff: cfg.Enrich.AttemptBackoff(),
		MaxRetries:     cfg.Enrich.MaxRetries,
	}, m,
		jobs.EnrichmentProcessor{Pipeline: env.Enricher},
		jobs.IcebreakerProcessor{Pipeline: env.Enricher},
	)
	return env, nil
}
