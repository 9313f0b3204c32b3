// Package db provides read-only PostgreSQL access and catalog introspection.
package db

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/schema-check/internal/config"
)

// Pool is the query surface the validators need. *pgxpool.Pool and
// pgxmock pools both satisfy it.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a read-only connection pool to the target database.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, eris.New("db: no database url configured")
	}

	pgxCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "db: parse config")
	}

	maxConns := int32(4)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = 0
	pgxCfg.MaxConnIdleTime = time.Minute

	// Every session is read-only; the validator never writes.
	params := pgxCfg.ConnConfig.RuntimeParams
	params["default_transaction_read_only"] = "on"
	params["application_name"] = "schema-check"
	if cfg.StatementTimeoutMs > 0 {
		params["statement_timeout"] = strconv.Itoa(cfg.StatementTimeoutMs)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "db: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "db: ping")
	}
	return pool, nil
}

// Throttle wraps p so that every query first waits on a token bucket of
// qps queries per second. A non-positive qps returns p unchanged.
func Throttle(p Pool, qps float64) Pool {
	if qps <= 0 {
		return p
	}
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	return &throttledPool{Pool: p, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

type throttledPool struct {
	Pool
	limiter *rate.Limiter
}

func (p *throttledPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "db: query throttle")
	}
	return p.Pool.Query(ctx, sql, args...)
}

func (p *throttledPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := p.limiter.Wait(ctx); err != nil {
		return errRow{err: eris.Wrap(err, "db: query throttle")}
	}
	return p.Pool.QueryRow(ctx, sql, args...)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error { return r.err }
