package validate

import (
	"context"
	"slices"

	"github.com/sells-group/schema-check/internal/model"
)

// Structural checks tables, columns, types, nullability and primary keys.
type Structural struct{}

// Scope implements Validator.
func (Structural) Scope() model.Scope { return model.ScopeStructural }

// Validate implements Validator.
func (Structural) Validate(ctx context.Context, env *Env, schema *model.UnifiedSchema) ([]model.ValidationResult, error) {
	var results []model.ValidationResult
	for _, name := range schema.TableNames() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, structuralTable(ctx, env, schema.Tables[name])...)
	}
	return results, nil
}

func structuralTable(ctx context.Context, env *Env, t *model.TableDefinition) []model.ValidationResult {
	const scope = model.ScopeStructural
	exists := tableSubject(scope, "table_exists", t)

	ok, err := env.Catalog.TableExists(ctx, t.Name)
	if err != nil {
		return []model.ValidationResult{env.checkFailed(exists, err)}
	}
	if !ok {
		return []model.ValidationResult{env.fail(exists, "table %s does not exist", t.Name)}
	}
	results := []model.ValidationResult{env.pass(exists)}

	live, err := env.Catalog.Columns(ctx, t.Name)
	if err != nil {
		return append(results, env.checkFailed(tableSubject(scope, "columns", t), err))
	}

	var (
		pk    []string
		pkErr error
	)
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk, pkErr = env.Catalog.PrimaryKey(ctx, t.Name)
			break
		}
	}

	for _, name := range t.ColumnNames() {
		c := t.Columns[name]
		lc, found := live[c.Name]
		if !found {
			results = append(results, env.fail(columnSubject(scope, "column_exists", t, c),
				"column %s.%s does not exist", t.Name, c.Name))
			continue
		}
		results = append(results, env.pass(columnSubject(scope, "column_exists", t, c)))

		typeSubj := columnSubject(scope, "column_type", t, c)
		if TypesEquivalent(c.DataType, lc.TypeName()) {
			results = append(results, env.pass(typeSubj))
		} else {
			results = append(results, env.fail(typeSubj, "type mismatch: expected %s (%s), found %s (%s)",
				c.DataType, CanonicalType(c.DataType), lc.TypeName(), CanonicalType(lc.TypeName())))
		}

		if c.Nullable.Known() {
			nullSubj := columnSubject(scope, "column_nullable", t, c)
			want := c.Nullable == model.Nullable
			if want == lc.Nullable {
				results = append(results, env.pass(nullSubj))
			} else {
				results = append(results, env.fail(nullSubj, "nullability mismatch: expected %s, found %s",
					nullWord(want), nullWord(lc.Nullable)))
			}
		}

		if c.PrimaryKey {
			pkSubj := columnSubject(scope, "primary_key", t, c)
			switch {
			case pkErr != nil:
				results = append(results, env.checkFailed(pkSubj, pkErr))
			case slices.Contains(pk, c.Name):
				results = append(results, env.pass(pkSubj))
			default:
				results = append(results, env.fail(pkSubj, "column %s.%s is not part of the primary key", t.Name, c.Name))
			}
		}
	}
	return results
}

func nullWord(nullable bool) string {
	if nullable {
		return "nullable"
	}
	return "not null"
}
