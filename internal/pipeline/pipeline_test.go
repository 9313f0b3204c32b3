package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/cache"
	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/extract"
	"github.com/sells-group/schema-check/internal/model"
	"github.com/sells-group/schema-check/internal/validate"
	"github.com/sells-group/schema-check/internal/version"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeVCS struct {
	tags      []string
	head      string
	checkouts []string
	failOn    string
}

func (f *fakeVCS) ListTags(context.Context) ([]string, error) { return f.tags, nil }

func (f *fakeVCS) CurrentRef(context.Context) (string, error) { return f.head, nil }

func (f *fakeVCS) Checkout(_ context.Context, ref string) error {
	if ref == f.failOn {
		return errors.New("pathspec did not match")
	}
	f.checkouts = append(f.checkouts, ref)
	f.head = ref
	return nil
}

// stubExtractor returns a fixed partial and counts calls.
type stubExtractor struct {
	src     model.Source
	build   func() *model.UnifiedSchema
	calls   atomic.Int32
	sawHead func() string
	heads   []string
}

func (s *stubExtractor) Source() model.Source { return s.src }

func (s *stubExtractor) Extract(context.Context, string) *model.UnifiedSchema {
	s.calls.Add(1)
	if s.sawHead != nil {
		s.heads = append(s.heads, s.sawHead())
	}
	return s.build()
}

func ordersPartial(src model.Source, null model.Nullability) func() *model.UnifiedSchema {
	return func() *model.UnifiedSchema {
		s := model.NewSchema()
		s.Metadata.Sources = []model.Source{src}
		t := model.NewTable("orders", src, model.Deterministic)
		t.Columns["id"] = &model.ColumnDefinition{
			Name: "id", DataType: "integer", Nullable: null, PrimaryKey: true,
			Origin: src, Confidence: model.Deterministic,
		}
		s.Tables["orders"] = t
		return s
	}
}

type fixture struct {
	vcs       *fakeVCS
	modelEx   *stubExtractor
	initSQLEx *stubExtractor
	pipeline  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{vcs: &fakeVCS{tags: []string{"v0.49.0", "v0.50.0", "v0.50.3"}, head: "master"}}
	f.modelEx = &stubExtractor{src: model.SourceModel, build: ordersPartial(model.SourceModel, model.NotNull), sawHead: func() string { return f.vcs.head }}
	f.initSQLEx = &stubExtractor{src: model.SourceInitSQL, build: ordersPartial(model.SourceInitSQL, model.Nullable)}

	cfg := &config.Config{
		Database: config.DatabaseConfig{Schema: "public"},
		Validate: config.ValidateConfig{Concurrency: 2, Scopes: []string{"all"}},
	}
	resolver := version.NewResolver(t.TempDir(), f.vcs)
	set := extract.Set{Model: f.modelEx, InitSQL: f.initSQLEx}
	f.pipeline = New(cfg, resolver, set, cache.NewFileCache(t.TempDir()))
	return f
}

func TestSchema_ExtractsAtTagAndCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	schema, fromCache, err := f.pipeline.Schema(ctx, "0.50.3", false)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "v0.50.3", schema.Metadata.Version)
	assert.Equal(t, []string{"v0.50.3"}, f.modelEx.heads)
	assert.Equal(t, "master", f.vcs.head)

	// Model nullability wins over init SQL.
	col := schema.Tables["orders"].Columns["id"]
	assert.Equal(t, model.NotNull, col.Nullable)
	assert.Equal(t, model.SourceModel, col.Origin)

	cached, fromCache, err := f.pipeline.Schema(ctx, "v0.50.3", false)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, schema.Tables, cached.Tables)
	assert.Equal(t, int32(1), f.modelEx.calls.Load())

	_, fromCache, err = f.pipeline.Schema(ctx, "v0.50.3", true)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, int32(2), f.modelEx.calls.Load())
}

func TestSchema_LatestIsNeverCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 2 {
		schema, fromCache, err := f.pipeline.Schema(ctx, "latest", false)
		require.NoError(t, err)
		assert.False(t, fromCache)
		assert.Equal(t, "latest", schema.Metadata.Version)
	}
	assert.Equal(t, int32(2), f.modelEx.calls.Load())
	assert.Empty(t, f.vcs.checkouts)
}

func TestSchema_UnsupportedVersion(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.pipeline.Schema(context.Background(), "v0.50.1", false)
	var unsupported *version.UnsupportedVersionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, []string{"v0.49.0", "v0.50.0", "v0.50.3"}, unsupported.Supported)
	assert.Zero(t, f.modelEx.calls.Load())
}

func TestSchema_CheckoutFailure(t *testing.T) {
	f := newFixture(t)
	f.vcs.failOn = "v0.50.0"

	_, _, err := f.pipeline.Schema(context.Background(), "v0.50.0", false)
	var failed *version.SourceCheckoutFailedError
	require.ErrorAs(t, err, &failed)
	assert.Zero(t, f.modelEx.calls.Load())
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.pipeline.WithRegistry(validate.Registry{model.ScopeStructural: validate.Structural{}})

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM information_schema.tables").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type", "udt_name", "nullable"}).
			AddRow("id", "bigint", "int8", false))
	mock.ExpectQuery("PRIMARY KEY").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).AddRow("id"))

	out, err := f.pipeline.Run(context.Background(), mock, Request{Version: "v0.50.0", Scopes: []string{"structural", "bogus"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, "v0.50.0", out.Version)
	require.Len(t, out.Phases, 2)
	assert.Equal(t, PhaseComplete, out.Phases[0].Status)
	assert.Equal(t, PhaseComplete, out.Phases[1].Status)

	// table_exists, column_exists, column_type, column_nullable, primary_key, unknown scope
	require.Len(t, out.Results, 6)
	for _, r := range out.Results[:5] {
		assert.True(t, r.Passed, r.Check)
		assert.Equal(t, "v0.50.0", r.TargetVersion)
	}
	assert.False(t, out.Results[5].Passed)
	assert.Equal(t, model.Scope("bogus"), out.Results[5].Scope)
}

func TestRun_SchemaFailureSkipsValidation(t *testing.T) {
	f := newFixture(t)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	out, err := f.pipeline.Run(context.Background(), mock, Request{Version: "v9.0.0"})
	require.Error(t, err)
	require.Len(t, out.Phases, 2)
	assert.Equal(t, PhaseFailed, out.Phases[0].Status)
	assert.Contains(t, out.Phases[0].Error, "unsupported version")
	assert.Equal(t, PhaseSkipped, out.Phases[1].Status)
	assert.Empty(t, out.Results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScopesOrDefault(t *testing.T) {
	assert.Equal(t, []string{"structural"}, scopesOrDefault([]string{"structural"}, []string{"all"}))
	assert.Equal(t, []string{"all"}, scopesOrDefault(nil, []string{"all"}))
}
