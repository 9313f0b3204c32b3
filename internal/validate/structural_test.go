package validate

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/schema-check/internal/model"
)

var liveColumnHeader = []string{"column_name", "data_type", "udt_name", "nullable"}

func ordersTable() *model.TableDefinition {
	t := model.NewTable("orders", model.SourceModel, model.Deterministic)
	id := column("id", "integer", model.NotNull)
	id.PrimaryKey = true
	t.Columns["id"] = id
	t.Columns["total"] = column("total", "numeric", model.NotNull)
	return t
}

func TestStructural_OrdersScenario(t *testing.T) {
	env, mock := newTestEnv(t)

	mock.ExpectQuery("FROM information_schema.tables").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows(liveColumnHeader).
			AddRow("id", "integer", "int4", false).
			AddRow("total", "numeric", "numeric", true))
	mock.ExpectQuery("PRIMARY KEY").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).AddRow("id"))

	results, err := Structural{}.Validate(context.Background(), env, schemaWith(ordersTable()))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	pk := byCheck(results, "primary_key", "id")
	require.NotNil(t, pk)
	assert.True(t, pk.Passed)

	failed := failures(results)
	require.Len(t, failed, 1)
	assert.Equal(t, "orders", failed[0].Table)
	assert.Equal(t, "total", failed[0].Column)
	assert.Equal(t, "column_nullable", failed[0].Check)
	assert.Equal(t, "nullability mismatch: expected not null, found nullable", failed[0].ErrorMessage)
	assert.Equal(t, model.ScopeStructural, failed[0].Scope)
	assert.Equal(t, model.SourceModel, failed[0].SchemaSource)
	assert.Equal(t, model.Deterministic, failed[0].IdentificationMethod)
	assert.Equal(t, "v0.50.3", failed[0].TargetVersion)

	// table_exists + 4 checks for id + 3 for total
	assert.Len(t, results, 8)
}

func TestStructural_MissingTableSkipsColumns(t *testing.T) {
	env, mock := newTestEnv(t)

	mock.ExpectQuery("FROM information_schema.tables").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	results, err := Structural{}.Validate(context.Background(), env, schemaWith(ordersTable()))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "table_exists", results[0].Check)
	assert.Empty(t, results[0].Column)
	assert.Equal(t, "table orders does not exist", results[0].ErrorMessage)
}

func TestStructural_VarcharMatchesCharacterVarying(t *testing.T) {
	env, mock := newTestEnv(t)

	tbl := model.NewTable("core_user", model.SourceInitSQL, model.Deterministic)
	tbl.Columns["email"] = column("email", "varchar", model.NullUnknown)
	tbl.Columns["settings"] = column("settings", "unknown", model.NullUnknown)
	tbl.Columns["first_name"] = column("first_name", "text", model.NullUnknown)

	mock.ExpectQuery("FROM information_schema.tables").
		WithArgs("public", "core_user").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "core_user").
		WillReturnRows(pgxmock.NewRows(liveColumnHeader).
			AddRow("email", "character varying(255)", "varchar", false).
			AddRow("settings", "text", "text", true).
			AddRow("first_name", "character varying(254)", "varchar", true))

	results, err := Structural{}.Validate(context.Background(), env, schemaWith(tbl))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	email := byCheck(results, "column_type", "email")
	require.NotNil(t, email)
	assert.True(t, email.Passed)

	settings := byCheck(results, "column_type", "settings")
	require.NotNil(t, settings)
	assert.True(t, settings.Passed)

	first := byCheck(results, "column_type", "first_name")
	require.NotNil(t, first)
	assert.False(t, first.Passed)
	assert.Contains(t, first.ErrorMessage, "expected text (text), found character varying(254) (varchar)")

	// No nullability results when the schema states none.
	assert.Nil(t, byCheck(results, "column_nullable", "email"))
	// No primary key lookup without a flagged column.
	assert.Nil(t, byCheck(results, "primary_key", "email"))
}

func TestStructural_MissingColumn(t *testing.T) {
	env, mock := newTestEnv(t)

	mock.ExpectQuery("FROM information_schema.tables").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows(liveColumnHeader).AddRow("id", "integer", "int4", false))
	mock.ExpectQuery("PRIMARY KEY").
		WithArgs("public", "orders").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}))

	results, err := Structural{}.Validate(context.Background(), env, schemaWith(ordersTable()))
	require.NoError(t, err)

	failed := failures(results)
	require.Len(t, failed, 2)
	assert.Equal(t, "primary_key", failed[0].Check)
	assert.Equal(t, "column orders.id is not part of the primary key", failed[0].ErrorMessage)
	assert.Equal(t, "column_exists", failed[1].Check)
	assert.Equal(t, "total", failed[1].Column)
	// Existence failure skips the column's other checks.
	assert.Nil(t, byCheck(results, "column_type", "total"))
}

func TestStructural_QueryFailureIsCheckResult(t *testing.T) {
	env, mock := newTestEnv(t)

	other := model.NewTable("products", model.SourceChangelog, model.Deterministic)

	mock.ExpectQuery("FROM information_schema.tables").
		WithArgs("public", "orders").
		WillReturnError(errors.New("permission denied for schema public"))
	mock.ExpectQuery("FROM information_schema.tables").
		WithArgs("public", "products").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "products").
		WillReturnRows(pgxmock.NewRows(liveColumnHeader))

	results, err := Structural{}.Validate(context.Background(), env, schemaWith(ordersTable(), other))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, results, 2)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "orders", results[0].Table)
	assert.Contains(t, results[0].ErrorMessage, "table_exists check could not run")
	assert.Contains(t, results[0].ErrorMessage, "permission denied")
	assert.True(t, results[1].Passed)
	assert.Equal(t, model.SourceChangelog, results[1].SchemaSource)
}

func TestStructural_CancelledContext(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Structural{}.Validate(ctx, env, schemaWith(ordersTable()))
	assert.ErrorIs(t, err, context.Canceled)
}
