package validate

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/model"
)

var liveFKHeader = []string{"constraint_name", "column_name", "table_name", "ref_column"}

func cardTable() *model.TableDefinition {
	t := model.NewTable("report_card", model.SourceModel, model.Deterministic)
	t.Columns["id"] = column("id", "integer", model.NotNull)
	t.Columns["collection_id"] = column("collection_id", "integer", model.Nullable)
	t.Columns["creator_id"] = column("creator_id", "integer", model.NotNull)
	t.AddConstraint(model.Constraint{
		Kind: model.ConstraintForeignKey, Columns: []string{"collection_id"},
		ReferencedTable: "collection", ReferencedColumns: []string{"id"}, Origin: model.SourceChangelog,
	})
	t.AddConstraint(model.Constraint{
		Kind: model.ConstraintForeignKey, Columns: []string{"creator_id"},
		ReferencedTable: "core_user", ReferencedColumns: []string{"id"}, Origin: model.SourceChangelog,
	})
	return t
}

func TestBusinessRules_ForeignKeys(t *testing.T) {
	env, mock := newTestEnv(t)

	mock.ExpectQuery("FROM pg_constraint").
		WithArgs("public", "report_card").
		WillReturnRows(pgxmock.NewRows(liveFKHeader).
			AddRow("fk_card_collection", "collection_id", "collection", "id"))
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "report_card").
		WillReturnRows(pgxmock.NewRows(liveColumnHeader).
			AddRow("id", "integer", "int4", false).
			AddRow("collection_id", "integer", "int4", true).
			AddRow("creator_id", "text", "text", false))
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "collection").
		WillReturnRows(pgxmock.NewRows(liveColumnHeader).AddRow("id", "integer", "int4", false))
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "core_user").
		WillReturnRows(pgxmock.NewRows(liveColumnHeader).AddRow("id", "integer", "int4", false))

	results, err := BusinessRules{}.Validate(context.Background(), env, schemaWith(cardTable()))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, results, 4)

	exists := byCheck(results, "foreign_key_exists", "collection_id")
	require.NotNil(t, exists)
	assert.True(t, exists.Passed)
	assert.Equal(t, model.SourceChangelog, exists.SchemaSource)

	missing := byCheck(results, "foreign_key_exists", "creator_id")
	require.NotNil(t, missing)
	assert.False(t, missing.Passed)
	assert.Equal(t, "foreign key report_card.creator_id -> core_user.id not found in database", missing.ErrorMessage)

	types := byCheck(results, "foreign_key_types", "creator_id")
	require.NotNil(t, types)
	assert.False(t, types.Passed)
	assert.Equal(t, "incompatible types: report_card.creator_id is text, core_user.id is integer", types.ErrorMessage)

	ok := byCheck(results, "foreign_key_types", "collection_id")
	require.NotNil(t, ok)
	assert.True(t, ok.Passed)
}

func TestBusinessRules_ForeignKeyQueryFailure(t *testing.T) {
	env, mock := newTestEnv(t)

	mock.ExpectQuery("FROM pg_constraint").
		WithArgs("public", "report_card").
		WillReturnError(errors.New("canceling statement due to statement timeout"))

	results, err := BusinessRules{}.Validate(context.Background(), env, schemaWith(cardTable()))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Empty(t, results[0].Column)
	assert.Contains(t, results[0].ErrorMessage, "statement timeout")
}

func TestBusinessRules_Transforms(t *testing.T) {
	env, mock := newTestEnv(t)

	tbl := model.NewTable("report_card", model.SourceModel, model.Deterministic)
	tbl.Columns["dataset_query"] = column("dataset_query", "unknown", model.NullUnknown)
	tbl.Columns["dataset_query"].Transform = "json"
	tbl.Columns["display"] = column("display", "unknown", model.NullUnknown)
	tbl.Columns["display"].Transform = "keyword"
	tbl.Columns["details"] = column("details", "unknown", model.NullUnknown)
	tbl.Columns["details"].Transform = "encrypted-json"

	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "report_card").
		WillReturnRows(pgxmock.NewRows(liveColumnHeader).
			AddRow("dataset_query", "text", "text", false).
			AddRow("display", "integer", "int4", false).
			AddRow("details", "jsonb", "jsonb", true))

	results, err := BusinessRules{}.Validate(context.Background(), env, schemaWith(tbl))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, results, 3)

	failed := failures(results)
	require.Len(t, failed, 1)
	assert.Equal(t, "display", failed[0].Column)
	assert.Equal(t, "transform keyword cannot be stored in integer column", failed[0].ErrorMessage)
}

func TestBusinessRules_Enums(t *testing.T) {
	env, mock := newTestEnv(t)
	env.Rules.Enums = []config.EnumRule{
		{Table: "report_card", Column: "type", Allowed: []string{"question", "model", "metric"}},
		{Table: "not_in_schema", Column: "type", Allowed: []string{"x"}},
	}

	tbl := model.NewTable("report_card", model.SourceModel, model.Deterministic)
	tbl.Columns["type"] = column("type", "varchar(16)", model.NotNull)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."report_card" WHERE "type" IS NOT NULL AND "type" NOT IN`)).
		WithArgs("question", "model", "metric").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	results, err := BusinessRules{}.Validate(context.Background(), env, schemaWith(tbl))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "enum_values", results[0].Check)
	assert.Equal(t, "type", results[0].Column)
	assert.Equal(t, "3 rows hold values outside [question, model, metric]", results[0].ErrorMessage)
}

func TestBusinessRules_QueryObjects(t *testing.T) {
	env, mock := newTestEnv(t)
	env.Rules.QueryObjects = []config.QueryObjectRule{
		{Table: "report_card", Column: "dataset_query", RequiredKeys: []string{"database", "type"}},
	}

	tbl := model.NewTable("report_card", model.SourceModel, model.Deterministic)
	tbl.Columns["dataset_query"] = column("dataset_query", "text", model.NotNull)

	mock.ExpectQuery(regexp.QuoteMeta(`NOT ("dataset_query"::jsonb ?& $1)`)).
		WithArgs([]string{"database", "type"}).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))

	results, err := BusinessRules{}.Validate(context.Background(), env, schemaWith(tbl))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)
	assert.Equal(t, "query_object_keys", results[0].Check)
}

func TestBusinessRules_EnumOnAbsentColumnIsSkipped(t *testing.T) {
	env, mock := newTestEnv(t)
	env.Rules.Enums = []config.EnumRule{
		{Table: "collection", Column: "type", Allowed: []string{"instance-analytics", "trash"}},
	}
	env.Rules.QueryObjects = []config.QueryObjectRule{
		{Table: "collection", Column: "dataset_query", RequiredKeys: []string{"database"}},
	}

	coll := model.NewTable("collection", model.SourceModel, model.Deterministic)
	coll.Columns["id"] = column("id", "integer", model.NotNull)

	results, err := BusinessRules{}.Validate(context.Background(), env, schemaWith(coll))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}
