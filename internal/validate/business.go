package validate

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/sells-group/schema-check/internal/db"
	"github.com/sells-group/schema-check/internal/model"
)

// BusinessRules checks declared foreign keys, enum value sets, model
// transforms and embedded query objects.
type BusinessRules struct{}

// Scope implements Validator.
func (BusinessRules) Scope() model.Scope { return model.ScopeBusinessRules }

// Validate implements Validator.
func (BusinessRules) Validate(ctx context.Context, env *Env, schema *model.UnifiedSchema) ([]model.ValidationResult, error) {
	cols := newLiveColumns(env.Catalog)

	var results []model.ValidationResult
	for _, name := range schema.TableNames() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		t := schema.Tables[name]
		results = append(results, foreignKeyChecks(ctx, env, cols, t)...)
		results = append(results, transformChecks(ctx, env, cols, t)...)
	}
	results = append(results, enumChecks(ctx, env, schema)...)
	results = append(results, queryObjectChecks(ctx, env, schema)...)
	return results, nil
}

// fkSubject attributes a foreign key result to its first column when that
// column is known to the schema.
func fkSubject(check string, t *model.TableDefinition, fk model.Constraint, column string) subject {
	s := subject{
		scope:  model.ScopeBusinessRules,
		check:  check,
		table:  t.Name,
		column: column,
		source: fk.Origin,
		method: t.Confidence,
	}
	if c, ok := t.Columns[column]; ok {
		s.method = c.Confidence
	}
	return s
}

// foreignKeyChecks verifies each declared FK exists live and joins
// columns of compatible types.
func foreignKeyChecks(ctx context.Context, env *Env, cols *liveColumns, t *model.TableDefinition) []model.ValidationResult {
	fks := t.ForeignKeys()
	if len(fks) == 0 {
		return nil
	}

	live, err := env.Catalog.ForeignKeys(ctx, t.Name)
	if err != nil {
		return []model.ValidationResult{env.checkFailed(tableSubject(model.ScopeBusinessRules, "foreign_key_exists", t), err)}
	}

	var results []model.ValidationResult
	for _, fk := range fks {
		for i, column := range fk.Columns {
			refColumn := "id"
			if i < len(fk.ReferencedColumns) {
				refColumn = fk.ReferencedColumns[i]
			}

			exists := fkSubject("foreign_key_exists", t, fk, column)
			if db.HasForeignKey(live, column, fk.ReferencedTable, refColumn) {
				results = append(results, env.pass(exists))
			} else {
				results = append(results, env.fail(exists, "foreign key %s.%s -> %s.%s not found in database",
					t.Name, column, fk.ReferencedTable, refColumn))
			}

			results = append(results, fkTypeCheck(ctx, env, cols, t, fk, column, refColumn))
		}
	}
	return results
}

func fkTypeCheck(ctx context.Context, env *Env, cols *liveColumns, t *model.TableDefinition, fk model.Constraint, column, refColumn string) model.ValidationResult {
	subj := fkSubject("foreign_key_types", t, fk, column)

	from, err := cols.get(ctx, t.Name)
	if err != nil {
		return env.checkFailed(subj, err)
	}
	to, err := cols.get(ctx, fk.ReferencedTable)
	if err != nil {
		return env.checkFailed(subj, err)
	}
	fc, ok := from[column]
	if !ok {
		return env.fail(subj, "column %s.%s does not exist", t.Name, column)
	}
	tc, ok := to[refColumn]
	if !ok {
		return env.fail(subj, "referenced column %s.%s does not exist", fk.ReferencedTable, refColumn)
	}
	if CanonicalType(fc.TypeName()) != CanonicalType(tc.TypeName()) {
		return env.fail(subj, "incompatible types: %s.%s is %s, %s.%s is %s",
			t.Name, column, fc.TypeName(), fk.ReferencedTable, refColumn, tc.TypeName())
	}
	return env.pass(subj)
}

// transformChecks verifies columns with a model transform are stored in a
// column type the transform can round-trip.
func transformChecks(ctx context.Context, env *Env, cols *liveColumns, t *model.TableDefinition) []model.ValidationResult {
	var results []model.ValidationResult
	for _, name := range t.ColumnNames() {
		c := t.Columns[name]
		if c.Transform == "" {
			continue
		}
		subj := columnSubject(model.ScopeBusinessRules, "transform_storage", t, c)

		live, err := cols.get(ctx, t.Name)
		if err != nil {
			results = append(results, env.checkFailed(subj, err))
			continue
		}
		lc, ok := live[c.Name]
		if !ok {
			// Reported by the structural scope.
			continue
		}

		canon := CanonicalType(lc.TypeName())
		var allowed bool
		switch strings.ToLower(c.Transform) {
		case "json", "encrypted-json", "json-no-keywordization":
			allowed = isTextLike(canon) || canon == TypeJSON || canon == TypeJSONB
		case "keyword", "encrypted-text":
			allowed = isTextLike(canon)
		default:
			allowed = true
		}
		if allowed {
			results = append(results, env.pass(subj))
		} else {
			results = append(results, env.fail(subj, "transform %s cannot be stored in %s column", c.Transform, lc.TypeName()))
		}
	}
	return results
}

// ruleSubject builds a subject for a configured rule on a schema column. It
// reports false when the extracted schema lacks the table or the column, so
// rules for columns a version does not have are skipped.
func ruleSubject(scope model.Scope, check string, schema *model.UnifiedSchema, table, column string) (subject, bool) {
	t := schema.Table(table)
	if t == nil {
		return subject{}, false
	}
	c, ok := t.Columns[column]
	if !ok {
		return subject{}, false
	}
	return columnSubject(scope, check, t, c), true
}

// hasColumn reports whether the extracted schema declares table.column.
func hasColumn(schema *model.UnifiedSchema, table, column string) bool {
	t := schema.Table(table)
	if t == nil {
		return false
	}
	_, ok := t.Columns[column]
	return ok
}

// enumChecks counts values outside each enum rule's allow-list.
func enumChecks(ctx context.Context, env *Env, schema *model.UnifiedSchema) []model.ValidationResult {
	var results []model.ValidationResult
	for _, rule := range env.Rules.Enums {
		subj, ok := ruleSubject(model.ScopeBusinessRules, "enum_values", schema, rule.Table, rule.Column)
		if !ok {
			continue
		}
		col := quoteIdent(rule.Column)
		q := psql.Select("COUNT(*)").
			From(env.qualified(rule.Table)).
			Where(sq.NotEq{col: nil})
		if len(rule.Allowed) > 0 {
			q = q.Where(sq.NotEq{col: rule.Allowed})
		}

		n, err := countRows(ctx, env.Catalog.Pool(), q)
		switch {
		case err != nil:
			results = append(results, env.checkFailed(subj, err))
		case n > 0:
			results = append(results, env.fail(subj, "%d rows hold values outside [%s]", n, strings.Join(rule.Allowed, ", ")))
		default:
			results = append(results, env.pass(subj))
		}
	}
	return results
}

// queryObjectChecks counts JSON values missing required top-level keys.
func queryObjectChecks(ctx context.Context, env *Env, schema *model.UnifiedSchema) []model.ValidationResult {
	var results []model.ValidationResult
	for _, rule := range env.Rules.QueryObjects {
		if len(rule.RequiredKeys) == 0 {
			continue
		}
		subj, ok := ruleSubject(model.ScopeBusinessRules, "query_object_keys", schema, rule.Table, rule.Column)
		if !ok {
			continue
		}
		col := quoteIdent(rule.Column)
		// "??&" is squirrel's escape for the jsonb ?& operator.
		q := psql.Select("COUNT(*)").
			From(env.qualified(rule.Table)).
			Where(sq.NotEq{col: nil}).
			Where(sq.Expr("NOT ("+col+"::jsonb ??& ?)", rule.RequiredKeys))

		n, err := countRows(ctx, env.Catalog.Pool(), q)
		switch {
		case err != nil:
			results = append(results, env.checkFailed(subj, err))
		case n > 0:
			results = append(results, env.fail(subj, "%d rows are missing required keys [%s]", n, strings.Join(rule.RequiredKeys, ", ")))
		default:
			results = append(results, env.pass(subj))
		}
	}
	return results
}
