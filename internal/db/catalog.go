package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// LiveColumn is a column as reported by the database catalog.
type LiveColumn struct {
	Name     string
	DataType string // e.g. "character varying(255)", "ARRAY", "USER-DEFINED"
	UDTName  string
	Nullable bool
}

// TypeName returns the most specific type name: the udt name for
// user-defined and array types, DataType otherwise.
func (c LiveColumn) TypeName() string {
	switch c.DataType {
	case "USER-DEFINED":
		return c.UDTName
	case "ARRAY":
		return "ARRAY"
	default:
		return c.DataType
	}
}

// LiveForeignKey is one column pair of a foreign key constraint.
type LiveForeignKey struct {
	Name      string
	Column    string
	RefTable  string
	RefColumn string
}

// Catalog runs information_schema introspection queries for one schema.
type Catalog struct {
	pool   Pool
	schema string
}

// NewCatalog creates a Catalog. An empty schema name means "public".
func NewCatalog(pool Pool, schema string) *Catalog {
	if schema == "" {
		schema = "public"
	}
	return &Catalog{pool: pool, schema: schema}
}

// Pool returns the underlying query surface.
func (c *Catalog) Pool() Pool { return c.pool }

// Schema returns the database schema being introspected.
func (c *Catalog) Schema() string { return c.schema }

const tableExistsSQL = `
	SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2
	)`

// TableExists reports whether the table exists. Names match case-sensitively.
func (c *Catalog) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	if err := c.pool.QueryRow(ctx, tableExistsSQL, c.schema, table).Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "db: table exists %s", table)
	}
	return exists, nil
}

const columnsSQL = `
	SELECT
		c.column_name,
		CASE WHEN c.character_maximum_length IS NOT NULL
			THEN c.data_type || '(' || c.character_maximum_length || ')'
			ELSE c.data_type
		END AS data_type,
		c.udt_name,
		c.is_nullable = 'YES' AS nullable
	FROM information_schema.columns c
	WHERE c.table_schema = $1 AND c.table_name = $2
	ORDER BY c.ordinal_position`

// Columns returns the table's columns keyed by name.
func (c *Catalog) Columns(ctx context.Context, table string) (map[string]LiveColumn, error) {
	rows, err := c.pool.Query(ctx, columnsSQL, c.schema, table)
	if err != nil {
		return nil, eris.Wrapf(err, "db: columns %s", table)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LiveColumn, error) {
		var col LiveColumn
		err := row.Scan(&col.Name, &col.DataType, &col.UDTName, &col.Nullable)
		return col, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "db: scan columns %s", table)
	}

	out := make(map[string]LiveColumn, len(cols))
	for _, col := range cols {
		out[col.Name] = col
	}
	return out, nil
}

const primaryKeySQL = `
	SELECT kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
		AND tc.table_name = kcu.table_name
	WHERE tc.constraint_type = 'PRIMARY KEY'
		AND tc.table_schema = $1 AND tc.table_name = $2
	ORDER BY kcu.ordinal_position`

// PrimaryKey returns the table's primary key columns in key order.
func (c *Catalog) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := c.pool.Query(ctx, primaryKeySQL, c.schema, table)
	if err != nil {
		return nil, eris.Wrapf(err, "db: primary key %s", table)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "db: scan primary key %s", table)
	}
	return cols, nil
}

// foreignKeysSQL pairs local and referenced columns by their position in
// conkey/confkey, so composite keys yield one row per column pair.
const foreignKeysSQL = `
	SELECT con.conname::text, a.attname::text, rt.relname::text, ra.attname::text
	FROM pg_constraint con
	JOIN pg_class t ON t.oid = con.conrelid
	JOIN pg_namespace n ON n.oid = t.relnamespace
	JOIN pg_class rt ON rt.oid = con.confrelid
	CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refattnum, ord)
	JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
	JOIN pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = k.refattnum
	WHERE con.contype = 'f'
		AND n.nspname = $1 AND t.relname = $2
	ORDER BY con.conname, k.ord`

// ForeignKeys returns the table's foreign key column pairs.
func (c *Catalog) ForeignKeys(ctx context.Context, table string) ([]LiveForeignKey, error) {
	rows, err := c.pool.Query(ctx, foreignKeysSQL, c.schema, table)
	if err != nil {
		return nil, eris.Wrapf(err, "db: foreign keys %s", table)
	}
	fks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LiveForeignKey, error) {
		var fk LiveForeignKey
		err := row.Scan(&fk.Name, &fk.Column, &fk.RefTable, &fk.RefColumn)
		return fk, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "db: scan foreign keys %s", table)
	}
	return fks, nil
}

// HasForeignKey reports whether fks contains the column pair.
func HasForeignKey(fks []LiveForeignKey, column, refTable, refColumn string) bool {
	for _, fk := range fks {
		if fk.Column == column && fk.RefTable == refTable && fk.RefColumn == refColumn {
			return true
		}
	}
	return false
}
