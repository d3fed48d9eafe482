// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/internal/cache"
	"github.com/nullmap-sec/riskgraph/internal/config"
	"github.com/nullmap-sec/riskgraph/internal/engine"
	"github.com/nullmap-sec/riskgraph/internal/normalize"
	"github.com/nullmap-sec/riskgraph/internal/observability"
	"github.com/nullmap-sec/riskgraph/internal/scoring"
	"github.com/nullmap-sec/riskgraph/internal/store"
	"github.com/nullmap-sec/riskgraph/internal/timeline"
)

// components holds the initialized service stack shared by the serve and
// import commands.
type components struct {
	Repo     store.Repository
	Importer *engine.Importer
	Recorder *timeline.Recorder
	Cache    cache.GraphCache

	pool *pgxpool.Pool
}

// Shutdown flushes buffered timeline events and releases every connection.
func (c *components) Shutdown() {
	if c.Recorder != nil {
		c.Recorder.Stop()
	}
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			observability.GetLogger().Warn("Error closing graph cache", zap.Error(err))
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
}

// initializeComponents performs dependency injection for the command stack:
// store selection, rule table, recorder, cache, and the importer wired
// through the given broadcaster (nil means no live feed).
func initializeComponents(ctx context.Context, cfg *config.Config, hub engine.Broadcaster, logger *zap.Logger) (*components, error) {
	c := &components{}

	repo, pool, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Repo = repo
	c.pool = pool

	eval, err := buildEvaluator(cfg)
	if err != nil {
		c.Shutdown()
		return nil, err
	}

	graphCache, err := openGraphCache(cfg, logger)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	c.Cache = graphCache

	c.Recorder = timeline.NewRecorder(repo, logger, cfg.Import)
	c.Recorder.Start(context.Background())

	norm := normalize.New(thresholdsFromConfig(cfg.Scoring.Thresholds))
	c.Importer = engine.New(repo, eval, norm, c.Recorder, hub, graphCache, cfg.Import, logger)

	return c, nil
}

// openRepository connects the configured store: Postgres when a database URL
// is set, the in-memory store otherwise. The returned pool is nil for the
// in-memory case.
func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Repository, *pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		logger.Info("No database URL configured, using the in-memory store.")
		return store.NewMemory(logger), nil, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.Database.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	repo, err := store.NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := repo.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logger.Info("Connected to Postgres.")
	return repo, pool, nil
}

// openGraphCache dials Redis when the cache is enabled; otherwise reads and
// writes pass straight through to the store.
func openGraphCache(cfg *config.Config, logger *zap.Logger) (cache.GraphCache, error) {
	if !cfg.Cache.Enabled {
		return cache.Nop{}, nil
	}
	return cache.NewRedis(cfg.Cache, logger)
}

// buildEvaluator loads the configured rules file, or falls back to the
// built-in table, and indexes it against the configured severity tiers.
func buildEvaluator(cfg *config.Config) (*scoring.Evaluator, error) {
	table := scoring.DefaultTable()
	if cfg.Scoring.RulesFile != "" {
		loaded, err := loadRuleTable(cfg.Scoring.RulesFile)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	return scoring.NewEvaluator(table, thresholdsFromConfig(cfg.Scoring.Thresholds))
}

// loadRuleTable resolves a user-supplied rule table path (honoring a leading
// ~) and loads it.
func loadRuleTable(path string) (scoring.Table, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return scoring.Table{}, fmt.Errorf("invalid rules path %q: %w", path, err)
	}
	table, err := scoring.LoadTable(expanded)
	if err != nil {
		return scoring.Table{}, fmt.Errorf("failed to load rules file: %w", err)
	}
	return table, nil
}

func thresholdsFromConfig(t config.ThresholdConfig) scoring.Thresholds {
	return scoring.Thresholds{
		Critical: t.Critical,
		High:     t.High,
		Medium:   t.Medium,
		Low:      t.Low,
	}
}
