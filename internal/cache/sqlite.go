package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/schema-check/internal/model"
)

// SQLiteCache stores envelopes in a single SQLite table.
type SQLiteCache struct {
	db  *sql.DB
	log *zap.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_cache (
	version   TEXT PRIMARY KEY,
	format    INTEGER NOT NULL,
	payload   TEXT NOT NULL,
	stored_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// NewSQLiteCache opens (creating if needed) the cache database at dsn.
func NewSQLiteCache(dsn string) (*SQLiteCache, error) {
	if dsn == "" {
		return nil, eris.New("cache: no sqlite path configured")
	}
	if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "cache: create dir %s", dir)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "cache: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "cache: exec %s", pragma)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "cache: migrate")
	}
	return &SQLiteCache{db: db, log: zap.L().With(zap.String("component", "cache.sqlite"))}, nil
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Load implements Cache.
func (c *SQLiteCache) Load(ctx context.Context, version string) (*model.UnifiedSchema, bool) {
	var (
		format  int
		payload string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT format, payload FROM schema_cache WHERE version = ?`, version,
	).Scan(&format, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("cache: read entry", zap.String("version", version), zap.Error(err))
		return nil, false
	}
	if format != Format {
		c.log.Warn("cache: outdated entry", zap.String("version", version), zap.Int("format", format))
		return nil, false
	}
	schema, err := decode(version, []byte(payload))
	if err != nil {
		c.log.Warn("cache: discarding entry", zap.String("version", version), zap.Error(err))
		return nil, false
	}
	return schema, true
}

// Store implements Cache, replacing any existing entry for version.
func (c *SQLiteCache) Store(ctx context.Context, version string, schema *model.UnifiedSchema) error {
	data, err := encode(version, schema)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO schema_cache (version, format, payload, stored_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (version) DO UPDATE SET format = excluded.format, payload = excluded.payload, stored_at = excluded.stored_at`,
		version, Format, string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "cache: store %s", version)
}

// Clear implements Cache.
func (c *SQLiteCache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM schema_cache`)
	return eris.Wrap(err, "cache: clear")
}
