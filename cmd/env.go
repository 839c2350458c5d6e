package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/answer"
	"github.com/sells-group/spacerat/internal/cache"
	"github.com/sells-group/spacerat/internal/db"
	"github.com/sells-group/spacerat/internal/index"
	"github.com/sells-group/spacerat/internal/link"
	"github.com/sells-group/spacerat/internal/maps"
	"github.com/sells-group/spacerat/internal/model"
	"github.com/sells-group/spacerat/internal/resilience"
	"github.com/sells-group/spacerat/internal/runner"
	"github.com/sells-group/spacerat/internal/store"
)

// answerCache is what the commands need from a cache backend: answer reads
// and writes, invalidation after builds and counters for the API.
type answerCache interface {
	answer.Cache
	index.Invalidator
	Stats(ctx context.Context) (cache.Stats, error)
}

// loadRegistry reads and validates the model definitions.
func loadRegistry() (*model.Registry, error) {
	reg, err := model.LoadDir(cfg.Model.Dir)
	if err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func openPool(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, eris.New("datastore: no connection string configured (SPACERAT_DATASTORE_URL)")
	}
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "datastore: parse config")
	}
	if maxConns > 0 {
		pgxCfg.MaxConns = maxConns
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "datastore: create pool")
	}
	retry := resilience.DefaultPolicy()
	retry.OnRetry = resilience.LogRetries("datastore", "ping")
	if err := resilience.Do(ctx, retry, pool.Ping); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "datastore: ping")
	}
	return pool, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		MaxConns:    cfg.Store.MaxConns,
		MinConns:    cfg.Store.MinConns,
	})
}

// openCache returns the configured answer cache, or nil when caching is
// disabled. Without a Redis address the cache lives in this process only,
// which is only worth having for long-running commands.
func openCache(ctx context.Context, longRunning bool) (answerCache, func(), error) {
	noop := func() {}
	if !cfg.Cache.Enabled {
		return nil, noop, nil
	}
	if cfg.Cache.RedisAddr != "" {
		c, err := cache.OpenRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Prefix:   cfg.Cache.Prefix,
			TTL:      cfg.Cache.TTL,
		})
		if err != nil {
			return nil, noop, err
		}
		return c, func() { c.Close() }, nil //nolint:errcheck
	}
	if !longRunning {
		return nil, noop, nil
	}
	return cache.NewMemory(cfg.Cache.MemoryEntries, cfg.Cache.TTL), noop, nil
}

// buildEnv bundles what the build commands share: one locker so index
// builds, links and map populations in this process serialize on the same
// geography keys, one run ledger and one runner.
type buildEnv struct {
	reg     *model.Registry
	pool    *pgxpool.Pool
	ledger  store.Store
	runner  *runner.Runner
	locks   *db.Locker
	cache   answerCache
	closers []func()
}

func newBuildEnv(ctx context.Context) (*buildEnv, error) {
	if err := cfg.Validate("build"); err != nil {
		return nil, err
	}
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	env := &buildEnv{reg: reg, locks: db.NewLocker()}

	pool, err := openPool(ctx, cfg.Datastore.URL, cfg.Datastore.MaxConns)
	if err != nil {
		return nil, err
	}
	env.pool = pool
	env.closers = append(env.closers, pool.Close)

	ledger, err := openStore(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.ledger = ledger
	env.closers = append(env.closers, func() { ledger.Close() }) //nolint:errcheck

	c, closeCache, err := openCache(ctx, false)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.cache = c
	env.closers = append(env.closers, closeCache)

	retry := resilience.DefaultPolicy()
	retry.Attempts = cfg.Build.MaxAttempts
	env.runner = runner.New(ledger, cfg.Build.Concurrency, runner.WithRetry(retry))
	return env, nil
}

func (e *buildEnv) indexBuilder() *index.Builder {
	opts := []index.Option{index.WithLocker(e.locks), index.WithReadRole(cfg.Datastore.ReadRole)}
	if e.cache != nil {
		opts = append(opts, index.WithInvalidator(e.cache))
	}
	return index.NewBuilder(e.pool, e.reg, cfg.Datastore.Schema, opts...)
}

func (e *buildEnv) linker() *link.Linker {
	opts := []link.Option{link.WithLocker(e.locks), link.WithReadRole(cfg.Datastore.ReadRole)}
	if e.cache != nil {
		opts = append(opts, link.WithInvalidator(e.cache))
	}
	return link.NewLinker(e.pool, e.reg, cfg.Datastore.Schema, opts...)
}

func (e *buildEnv) mapBuilder() *maps.Builder {
	opts := []maps.Option{maps.WithLocker(e.locks), maps.WithReadRole(cfg.Datastore.ReadRole)}
	if e.cache != nil {
		opts = append(opts, maps.WithInvalidator(e.cache))
	}
	return maps.NewBuilder(e.pool, e.reg, cfg.Datastore.Schema, opts...)
}

// saveModel snapshots the definitions a build ran against.
func (e *buildEnv) saveModel(ctx context.Context) {
	if !cfg.Build.SaveModel {
		return
	}
	n, err := e.ledger.SaveDefinitions(ctx, e.reg)
	if err != nil {
		zap.L().Warn("save model definitions failed", zap.Error(err))
		return
	}
	zap.L().Debug("saved model definitions", zap.Int64("rows", n))
}

func (e *buildEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// queryEnv bundles what the read-only commands share.
type queryEnv struct {
	reg    *model.Registry
	pool   *pgxpool.Pool
	engine *answer.Engine
	cache  answerCache
	close  func()
}

func newQueryEnv(ctx context.Context, longRunning bool) (*queryEnv, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	pool, err := openPool(ctx, cfg.Datastore.ReadConnString(), cfg.Datastore.MaxConns)
	if err != nil {
		return nil, err
	}
	c, closeCache, err := openCache(ctx, longRunning)
	if err != nil {
		pool.Close()
		return nil, err
	}
	var opts []answer.Option
	if c != nil {
		opts = append(opts, answer.WithCache(c))
	}
	return &queryEnv{
		reg:    reg,
		pool:   pool,
		engine: answer.NewEngine(pool, reg, cfg.Datastore.Schema, opts...),
		cache:  c,
		close: func() {
			closeCache()
			pool.Close()
		},
	}, nil
}
