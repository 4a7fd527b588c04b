// Package engine opens the configured graph backend and wires the scoring
// components on top of it. It is shared by the API server and the batch
// pipeline command.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/contagion/internal/config"
	"github.com/mbd888/contagion/internal/drift"
	"github.com/mbd888/contagion/internal/fingerprint"
	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/pipeline"
	"github.com/mbd888/contagion/internal/risk"
	"github.com/mbd888/contagion/internal/simulation"
	"github.com/mbd888/contagion/internal/webhooks"
)

// Engine holds the opened backends and the components built on them.
type Engine struct {
	Store        graph.Store
	History      risk.HistoryStore
	Fingerprints *fingerprint.Builder
	Drift        *drift.Scorer
	Risk         *risk.Scorer
	Simulator    *simulation.Simulator
	Pipeline     *pipeline.Service
	Webhooks     webhooks.Store

	// DB and Redis are nil unless the configuration uses them.
	DB    *sql.DB
	Redis *redis.Client

	// Seeded reports whether demo data was generated at startup.
	Seeded *graph.SeedResult

	logger *slog.Logger
}

// Option adjusts how Open builds the engine.
type Option func(*options)

type options struct {
	store graph.Store
}

// WithStore uses store instead of opening the configured backend.
func WithStore(store graph.Store) Option {
	return func(o *options) { o.store = store }
}

// Open connects to the configured backend and builds every component.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	scoring, err := cfg.Scoring()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	e := &Engine{logger: logger, Store: o.store}
	if e.Store == nil {
		if err := e.openStore(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.RedisURL != "" {
		if err := e.openHopCache(ctx, cfg); err != nil {
			e.Close()
			return nil, err
		}
	}

	if e.DB != nil {
		e.History = risk.NewPostgresStore(e.DB)
		e.Webhooks = webhooks.NewPostgresStore(e.DB)
	} else {
		e.History = risk.NewMemoryStore()
		e.Webhooks = webhooks.NewMemoryStore()
	}

	e.Fingerprints = fingerprint.NewBuilder(e.Store, scoring, logger).
		WithLocation(loc).
		WithWorkers(cfg.PipelineWorkers)
	e.Drift = drift.NewScorer(e.Store, scoring, logger)
	e.Risk = risk.NewScorer(e.Store, scoring, logger).
		WithHistory(e.History).
		WithWorkers(cfg.PipelineWorkers)
	e.Simulator = simulation.NewSimulator(e.Store, e.Risk, logger)
	e.Pipeline = pipeline.NewService(e.Store, e.Fingerprints, e.Drift, e.Risk, logger).
		WithLocation(loc)

	if cfg.GraphBackend == config.BackendMemory && cfg.SeedDemo && o.store == nil {
		if err := e.seed(ctx, cfg); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.GraphBackend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(max(25, cfg.PipelineWorkers*2))
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		e.DB = db
		e.Store = graph.NewPostgresStore(db)
		e.logger.Info("using PostgreSQL graph store", "url", MaskDSN(cfg.DatabaseURL))

	case config.BackendNeo4j:
		store, err := graph.NewNeo4jStore(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase)
		if err != nil {
			return fmt.Errorf("failed to connect to neo4j: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to ensure neo4j schema: %w", err)
		}
		e.Store = store
		e.logger.Info("using Neo4j graph store", "uri", MaskDSN(cfg.Neo4jURI), "database", cfg.Neo4jDatabase)

	default:
		e.Store = graph.NewMemoryStore()
		e.logger.Info("using in-memory graph store")
	}
	return nil
}

func (e *Engine) openHopCache(ctx context.Context, cfg *config.Config) error {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		// the cache is optional; score without it rather than refuse to start
		_ = client.Close()
		e.logger.Warn("hop cache disabled, redis unreachable", "error", err)
		return nil
	}
	e.Redis = client
	e.Store = graph.NewHopCache(e.Store, client, cfg.HopCacheTTL, e.logger)
	e.logger.Info("hop distance cache enabled", "ttl", cfg.HopCacheTTL)
	return nil
}

// seed fills the memory store with a synthetic network and scores it once
// so the API has data to serve.
func (e *Engine) seed(ctx context.Context, cfg *config.Config) error {
	target := e.Store
	cache, cached := e.Store.(*graph.HopCache)
	if cached {
		target = cache.Store
	}
	seeder, ok := target.(graph.Seeder)
	if !ok {
		return errors.New("store does not support demo seeding")
	}

	opts := graph.DefaultSeedOptions()
	opts.Seed = cfg.SeedRNG
	res, err := graph.Seed(ctx, seeder, opts)
	if err != nil {
		return fmt.Errorf("seed demo network: %w", err)
	}
	e.Seeded = res
	if cached {
		// writes bypassed the cache; drop paths cached by an earlier process
		if err := cache.Invalidate(ctx); err != nil {
			e.logger.Warn("hop cache invalidation failed", "error", err)
		}
	}
	e.logger.Info("demo network seeded",
		"accounts", opts.Accounts,
		"fraud", len(res.FraudIDs),
		"transactions", res.Transactions,
	)

	if _, err := e.Pipeline.RunPipeline(ctx, "startup"); err != nil {
		return fmt.Errorf("initial pipeline run: %w", err)
	}
	return nil
}

// Close releases every backend connection. It is safe to call on a
// partially opened engine.
func (e *Engine) Close() error {
	if e.Store == nil {
		return nil
	}
	// closes the Redis client, the wrapped store and its *sql.DB in turn
	if err := e.Store.Close(); err != nil {
		return fmt.Errorf("close graph store: %w", err)
	}
	return nil
}

// MaskDSN hides the password in a connection string for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
