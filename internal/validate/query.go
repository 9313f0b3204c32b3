package validate

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/schema-check/internal/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// quoteIdent quotes a PostgreSQL identifier.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// qualified returns the schema-qualified, quoted table name.
func (e *Env) qualified(table string) string {
	return quoteIdent(e.Catalog.Schema()) + "." + quoteIdent(table)
}

// countRows runs a single-value COUNT query.
func countRows(ctx context.Context, pool db.Pool, b sq.SelectBuilder) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, eris.Wrap(err, "validate: build query")
	}
	var n int64
	if err := pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "validate: count rows")
	}
	return n, nil
}

// liveColumns caches catalog column lookups for the duration of one validator call.
type liveColumns struct {
	catalog *db.Catalog
	tables  map[string]map[string]db.LiveColumn
}

func newLiveColumns(c *db.Catalog) *liveColumns {
	return &liveColumns{catalog: c, tables: make(map[string]map[string]db.LiveColumn)}
}

func (l *liveColumns) get(ctx context.Context, table string) (map[string]db.LiveColumn, error) {
	if cols, ok := l.tables[table]; ok {
		return cols, nil
	}
	cols, err := l.catalog.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	l.tables[table] = cols
	return cols, nil
}
