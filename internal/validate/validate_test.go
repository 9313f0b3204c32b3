package validate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/db"
	"github.com/sells-group/schema-check/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// newTestEnv returns an Env over a pgxmock pool with empty rule tables.
func newTestEnv(t *testing.T) (*Env, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return &Env{
		Catalog: db.NewCatalog(mock, "public"),
		Version: "v0.50.3",
		RunID:   "test-run",
		Now:     func() time.Time { return fixedNow },
	}, mock
}

func column(name, typ string, null model.Nullability) *model.ColumnDefinition {
	return &model.ColumnDefinition{
		Name:       name,
		DataType:   typ,
		Nullable:   null,
		Origin:     model.SourceModel,
		Confidence: model.Deterministic,
	}
}

func schemaWith(tables ...*model.TableDefinition) *model.UnifiedSchema {
	s := model.NewSchema()
	for _, t := range tables {
		s.Tables[t.Name] = t
	}
	return s
}

func failures(results []model.ValidationResult) []model.ValidationResult {
	var out []model.ValidationResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func byCheck(results []model.ValidationResult, check, column string) *model.ValidationResult {
	for i := range results {
		if results[i].Check == check && results[i].Column == column {
			return &results[i]
		}
	}
	return nil
}

// --- Runner ---

type stubValidator struct {
	scope   model.Scope
	results []model.ValidationResult
	err     error
	panics  bool
	delay   time.Duration
}

func (s stubValidator) Scope() model.Scope { return s.scope }

func (s stubValidator) Validate(context.Context, *Env, *model.UnifiedSchema) ([]model.ValidationResult, error) {
	time.Sleep(s.delay)
	if s.panics {
		panic("nil map write")
	}
	return s.results, s.err
}

func stubResult(scope model.Scope, table string) model.ValidationResult {
	return model.ValidationResult{Table: table, Scope: scope, Passed: true}
}

func TestRunner_OrderIsStable(t *testing.T) {
	env, _ := newTestEnv(t)
	reg := Registry{
		model.ScopeStructural:     stubValidator{scope: model.ScopeStructural, delay: 20 * time.Millisecond, results: []model.ValidationResult{stubResult(model.ScopeStructural, "a")}},
		model.ScopeBusinessRules:  stubValidator{scope: model.ScopeBusinessRules, results: []model.ValidationResult{stubResult(model.ScopeBusinessRules, "b")}},
		model.ScopeDataIntegrity:  stubValidator{scope: model.ScopeDataIntegrity, delay: 5 * time.Millisecond, results: []model.ValidationResult{stubResult(model.ScopeDataIntegrity, "c")}},
		model.ScopeMigrationState: stubValidator{scope: model.ScopeMigrationState, results: []model.ValidationResult{stubResult(model.ScopeMigrationState, "d")}},
	}

	results := NewRunner(env, reg, 4).Run(context.Background(), []string{"all"}, model.NewSchema())
	require.Len(t, results, 4)
	var tables []string
	for _, r := range results {
		tables = append(tables, r.Table)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, tables)

	results = NewRunner(env, reg, 2).Run(context.Background(), []string{"Migration-State", "structural", "migration_state"}, model.NewSchema())
	require.Len(t, results, 2)
	assert.Equal(t, "d", results[0].Table)
	assert.Equal(t, "a", results[1].Table)
}

func TestRunner_UnknownScope(t *testing.T) {
	env, _ := newTestEnv(t)
	reg := Registry{
		model.ScopeStructural: stubValidator{scope: model.ScopeStructural, results: []model.ValidationResult{stubResult(model.ScopeStructural, "a")}},
	}

	results := NewRunner(env, reg, 1).Run(context.Background(), []string{"performance", "structural"}, model.NewSchema())
	require.Len(t, results, 2)
	assert.False(t, results[0].Passed)
	assert.Equal(t, model.Scope("performance"), results[0].Scope)
	assert.Contains(t, results[0].ErrorMessage, `unknown validation scope "performance"`)
	assert.Equal(t, "v0.50.3", results[0].TargetVersion)
	assert.Equal(t, fixedNow, results[0].Timestamp)
	assert.True(t, results[1].Passed)
}

func TestRunner_ScopeFailuresAreIsolated(t *testing.T) {
	env, _ := newTestEnv(t)
	reg := Registry{
		model.ScopeStructural:     stubValidator{scope: model.ScopeStructural, panics: true},
		model.ScopeBusinessRules:  stubValidator{scope: model.ScopeBusinessRules, err: errors.New("connection reset")},
		model.ScopeDataIntegrity:  stubValidator{scope: model.ScopeDataIntegrity, results: []model.ValidationResult{stubResult(model.ScopeDataIntegrity, "c")}},
		model.ScopeMigrationState: stubValidator{scope: model.ScopeMigrationState, results: []model.ValidationResult{stubResult(model.ScopeMigrationState, "d")}},
	}

	results := NewRunner(env, reg, 4).Run(context.Background(), nil, model.NewSchema())
	require.Len(t, results, 4)

	assert.False(t, results[0].Passed)
	assert.Equal(t, model.ScopeStructural, results[0].Scope)
	assert.Contains(t, results[0].ErrorMessage, "panic: nil map write")

	assert.False(t, results[1].Passed)
	assert.Equal(t, model.ScopeBusinessRules, results[1].Scope)
	assert.Contains(t, results[1].ErrorMessage, "connection reset")

	assert.True(t, results[2].Passed)
	assert.True(t, results[3].Passed)
}

func TestRunner_MissingValidator(t *testing.T) {
	env, _ := newTestEnv(t)
	results := NewRunner(env, Registry{}, 0).Run(context.Background(), []string{"data-integrity"}, model.NewSchema())
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, model.ScopeDataIntegrity, results[0].Scope)
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()
	require.Len(t, reg, 4)
	for _, s := range model.AllScopes {
		assert.Equal(t, s, reg[s].Scope())
	}
}

func TestNewEnv(t *testing.T) {
	cfg := &config.Config{
		Validate: config.ValidateConfig{ChangelogTable: "dbchangelog"},
		Rules:    config.RulesConfig{Enums: []config.EnumRule{{Table: "t", Column: "c", Allowed: []string{"x"}}}},
	}
	env := NewEnv(db.NewCatalog(nil, ""), cfg, "latest", "run-1")
	assert.Len(t, env.Rules.Enums, 1)
	assert.NotEmpty(t, env.Rules.JSONColumns)
	assert.Equal(t, "dbchangelog", env.Migration.ChangelogTable)
	assert.False(t, env.pinned())

	r := env.pass(subject{scope: model.ScopeStructural, check: "table_exists", table: "t"})
	assert.Equal(t, "latest", r.TargetVersion)
	assert.Equal(t, time.UTC, r.Timestamp.Location())
	assert.Empty(t, r.ErrorMessage)
}

// --- Types ---

func TestCanonicalType(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"varchar", TypeVarchar},
		{"character varying(255)", TypeVarchar},
		{"VARCHAR(20)", TypeVarchar},
		{"int", TypeInteger},
		{"bigint", TypeInteger},
		{"int8", TypeInteger},
		{"serial", TypeInteger},
		{"int auto_increment", TypeInteger},
		{"numeric(10,2)", TypeNumeric},
		{"decimal", TypeNumeric},
		{"double precision", TypeFloat},
		{"character(1)", TypeChar},
		{"bpchar", TypeChar},
		{"text", TypeText},
		{"string", TypeText},
		{"clob", TypeText},
		{"bool", TypeBoolean},
		{"timestamp without time zone", TypeTimestamp},
		{"timestamp(6) with time zone", TypeTimestampTZ},
		{"timestamptz", TypeTimestampTZ},
		{"date", TypeDate},
		{"time with time zone", TypeTime},
		{"JSON", TypeJSON},
		{"jsonb", TypeJSONB},
		{"uuid", TypeUUID},
		{"bytes", TypeBytea},
		{"blob", TypeBytea},
		{"text[]", TypeArray},
		{"ARRAY", TypeArray},
		{"_int4", TypeArray},
		{"order_status", "order_status"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalType(tt.in))
		})
	}
}

func TestTypesEquivalent(t *testing.T) {
	assert.True(t, TypesEquivalent("varchar", "character varying(255)"))
	assert.True(t, TypesEquivalent("unknown", "jsonb"))
	assert.True(t, TypesEquivalent("", "jsonb"))
	assert.True(t, TypesEquivalent("timestamp with time zone", "timestamptz"))
	assert.False(t, TypesEquivalent("text", "character varying(255)"))
	assert.False(t, TypesEquivalent("json", "jsonb"))
}

// --- Rules ---

func TestResolveRules(t *testing.T) {
	def := DefaultRules()
	assert.Equal(t, def, ResolveRules(config.RulesConfig{}))

	custom := []config.PatternRule{{Name: "slug", Table: "collection", Column: "slug", Pattern: "^[a-z0-9_]+$"}}
	got := ResolveRules(config.RulesConfig{Patterns: custom})
	assert.Equal(t, custom, got.Patterns)
	assert.Equal(t, def.Enums, got.Enums)
	assert.Equal(t, def.OrphanRefs, got.OrphanRefs)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"orders"`, quoteIdent("orders"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}
