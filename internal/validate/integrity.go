package validate

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/db"
	"github.com/sells-group/schema-check/internal/model"
)

// DataIntegrity counts orphaned references, malformed values and
// unparseable JSON. Each check passes iff it finds zero violating rows.
type DataIntegrity struct{}

// Scope implements Validator.
func (DataIntegrity) Scope() model.Scope { return model.ScopeDataIntegrity }

// Validate implements Validator.
func (DataIntegrity) Validate(ctx context.Context, env *Env, schema *model.UnifiedSchema) ([]model.ValidationResult, error) {
	refs, results := orphanRules(ctx, env, schema)
	for _, rule := range refs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, orphanCheck(ctx, env, schema, rule)...)
	}
	for _, rule := range env.Rules.Patterns {
		results = append(results, patternCheck(ctx, env, schema, rule)...)
	}
	for _, ref := range env.Rules.JSONColumns {
		results = append(results, jsonCheck(ctx, env, schema, ref)...)
	}
	return results, nil
}

// orphanRules returns the configured orphan rules plus every single-column
// foreign key declared in the schema but absent from the live catalog.
func orphanRules(ctx context.Context, env *Env, schema *model.UnifiedSchema) ([]config.OrphanRule, []model.ValidationResult) {
	rules := append([]config.OrphanRule(nil), env.Rules.OrphanRefs...)
	seen := make(map[config.OrphanRule]bool, len(rules))
	for _, r := range rules {
		seen[r] = true
	}

	var results []model.ValidationResult
	for _, name := range schema.TableNames() {
		t := schema.Tables[name]
		fks := t.ForeignKeys()
		if len(fks) == 0 {
			continue
		}
		live, err := env.Catalog.ForeignKeys(ctx, t.Name)
		if err != nil {
			results = append(results, env.checkFailed(tableSubject(model.ScopeDataIntegrity, "orphan_references", t), err))
			continue
		}
		for _, fk := range fks {
			if len(fk.Columns) != 1 || fk.ReferencedTable == "" {
				continue
			}
			refCol := "id"
			if len(fk.ReferencedColumns) == 1 {
				refCol = fk.ReferencedColumns[0]
			}
			if db.HasForeignKey(live, fk.Columns[0], fk.ReferencedTable, refCol) {
				continue
			}
			r := config.OrphanRule{Table: t.Name, Column: fk.Columns[0], RefTable: fk.ReferencedTable, RefColumn: refCol}
			if !seen[r] {
				seen[r] = true
				rules = append(rules, r)
			}
		}
	}
	return rules, results
}

func orphanCheck(ctx context.Context, env *Env, schema *model.UnifiedSchema, rule config.OrphanRule) []model.ValidationResult {
	subj, ok := ruleSubject(model.ScopeDataIntegrity, "orphan_references", schema, rule.Table, rule.Column)
	if !ok || !hasColumn(schema, rule.RefTable, rule.RefColumn) {
		return nil
	}

	child := "c." + quoteIdent(rule.Column)
	parent := "p." + quoteIdent(rule.RefColumn)
	q := psql.Select("COUNT(*)").
		From(env.qualified(rule.Table) + " AS c").
		LeftJoin(env.qualified(rule.RefTable) + " AS p ON " + child + " = " + parent).
		Where(sq.And{sq.NotEq{child: nil}, sq.Eq{parent: nil}})

	n, err := countRows(ctx, env.Catalog.Pool(), q)
	switch {
	case err != nil:
		return []model.ValidationResult{env.checkFailed(subj, err)}
	case n > 0:
		return []model.ValidationResult{env.fail(subj, "%d rows reference missing %s.%s", n, rule.RefTable, rule.RefColumn)}
	default:
		return []model.ValidationResult{env.pass(subj)}
	}
}

func patternCheck(ctx context.Context, env *Env, schema *model.UnifiedSchema, rule config.PatternRule) []model.ValidationResult {
	subj, ok := ruleSubject(model.ScopeDataIntegrity, "pattern_"+rule.Name, schema, rule.Table, rule.Column)
	if !ok {
		return nil
	}

	col := quoteIdent(rule.Column)
	q := psql.Select("COUNT(*)").
		From(env.qualified(rule.Table)).
		Where(sq.NotEq{col: nil}).
		Where(sq.Expr(col+"::text !~ ?", rule.Pattern))

	n, err := countRows(ctx, env.Catalog.Pool(), q)
	switch {
	case err != nil:
		return []model.ValidationResult{env.checkFailed(subj, err)}
	case n > 0:
		return []model.ValidationResult{env.fail(subj, "%d rows do not match the %s pattern", n, rule.Name)}
	default:
		return []model.ValidationResult{env.pass(subj)}
	}
}

// jsonCheck fetches non-null values as text and counts those that do not
// parse. A positive json_scan_limit caps the rows read.
func jsonCheck(ctx context.Context, env *Env, schema *model.UnifiedSchema, ref config.ColumnRef) []model.ValidationResult {
	subj, ok := ruleSubject(model.ScopeDataIntegrity, "json_parseable", schema, ref.Table, ref.Column)
	if !ok {
		return nil
	}

	col := quoteIdent(ref.Column)
	q := psql.Select(col + "::text").
		From(env.qualified(ref.Table)).
		Where(sq.NotEq{col: nil})
	if limit := env.Migration.JSONScanLimit; limit > 0 {
		q = q.Limit(uint64(limit))
	}

	invalid, scanned, err := countInvalidJSON(ctx, env.Catalog.Pool(), q)
	switch {
	case err != nil:
		return []model.ValidationResult{env.checkFailed(subj, err)}
	case invalid > 0:
		return []model.ValidationResult{env.fail(subj, "%d of %d values are not valid JSON", invalid, scanned)}
	default:
		return []model.ValidationResult{env.pass(subj)}
	}
}

func countInvalidJSON(ctx context.Context, pool db.Pool, b sq.SelectBuilder) (invalid, scanned int, err error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, 0, eris.Wrap(err, "validate: build query")
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return 0, 0, eris.Wrap(err, "validate: query json values")
	}
	defer rows.Close()

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return invalid, scanned, eris.Wrap(err, "validate: scan json value")
		}
		scanned++
		if !json.Valid([]byte(v)) {
			invalid++
		}
	}
	if err := rows.Err(); err != nil {
		return invalid, scanned, eris.Wrap(err, "validate: read json values")
	}
	return invalid, scanned, nil
}
