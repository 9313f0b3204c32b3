package main

import (
	"context"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/cache"
	"github.com/sells-group/schema-check/internal/db"
	"github.com/sells-group/schema-check/internal/extract"
	"github.com/sells-group/schema-check/internal/pipeline"
	"github.com/sells-group/schema-check/internal/version"
)

// appEnv holds the pipeline and the resources it was built from.
type appEnv struct {
	Pipeline *pipeline.Pipeline
	Cache    cache.Cache
	Pool     *pgxpool.Pool // nil unless a database was requested
}

// Close releases the database pool and the cache backend.
func (a *appEnv) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
	if c, ok := a.Cache.(io.Closer); ok {
		_ = c.Close()
	}
}

// initApp validates cfg for mode and builds the pipeline. The database pool
// is opened only when withDB is set. Callers should defer env.Close().
func initApp(ctx context.Context, mode string, withDB bool) (*appEnv, error) {
	if err := cfg.CheckMode(mode); err != nil {
		return nil, err
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, err
	}

	resolver := version.NewResolver(cfg.Source.RepoPath, version.NewGitCLI(cfg.Source.RepoPath, ""))
	env := &appEnv{
		Pipeline: pipeline.New(cfg, resolver, extract.NewSet(cfg.Source), c),
		Cache:    c,
	}

	if withDB {
		pool, err := db.Connect(ctx, cfg.Database)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "connect database")
		}
		env.Pool = pool
	}

	zap.L().Debug("app initialized",
		zap.String("mode", mode),
		zap.String("repo", cfg.Source.RepoPath),
		zap.String("cache", cfg.Cache.Driver),
		zap.Bool("database", withDB),
	)
	return env, nil
}
