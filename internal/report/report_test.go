package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/schema-check/internal/model"
)

var ts = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func sampleResults() []model.ValidationResult {
	return []model.ValidationResult{
		{Table: "orders", Column: "total", Scope: model.ScopeStructural, Passed: false, ErrorMessage: "nullability mismatch: expected not null, found nullable", SchemaSource: model.SourceModel, IdentificationMethod: model.Deterministic, TargetVersion: "v0.50.3", Timestamp: ts, Check: "column_nullable"},
		{Table: "databasechangelog", Column: "orderexecuted", Scope: model.ScopeMigrationState, Passed: true, SchemaSource: model.SourceChangelog, IdentificationMethod: model.Deterministic, TargetVersion: "v0.50.3", Timestamp: ts, Check: "execution_order"},
		{Table: "orders", Scope: model.ScopeStructural, Passed: true, SchemaSource: model.SourceModel, IdentificationMethod: model.Deterministic, TargetVersion: "v0.50.3", Timestamp: ts, Check: "table_exists"},
		{Table: "orders", Column: "id", Scope: model.ScopeStructural, Passed: true, SchemaSource: model.SourceModel, IdentificationMethod: model.Deterministic, TargetVersion: "v0.50.3", Timestamp: ts, Check: "primary_key"},
		{Scope: "performance", Passed: false, ErrorMessage: `unknown validation scope "performance"`, TargetVersion: "v0.50.3", Timestamp: ts, Check: "scope"},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleResults())
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 3, s.Passed)
	assert.Equal(t, 2, s.Failed)
	assert.InDelta(t, 0.6, s.PassRate, 1e-9)

	assert.Equal(t, Counts{Total: 3, Passed: 2, Failed: 1}, s.ByScope[model.ScopeStructural])
	assert.Equal(t, Counts{Total: 1, Passed: 1}, s.ByScope[model.ScopeMigrationState])
	assert.Equal(t, Counts{Total: 3, Passed: 2, Failed: 1}, s.ByTable["orders"])
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.PassRate)
	assert.Empty(t, s.ByScope)
}

func TestSortResults(t *testing.T) {
	results := sampleResults()
	SortResults(results)

	var got []string
	for _, r := range results {
		got = append(got, string(r.Scope)+"/"+r.Table+"/"+r.Column+"/"+r.Check)
	}
	assert.Equal(t, []string{
		"structural/orders//table_exists",
		"structural/orders/id/primary_key",
		"structural/orders/total/column_nullable",
		"migration_state/databasechangelog/orderexecuted/execution_order",
		"performance///scope",
	}, got)
}

func TestFailures(t *testing.T) {
	failed := Failures(sampleResults())
	require.Len(t, failed, 2)
	assert.Equal(t, "total", failed[0].Column)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" CSV ")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("parquet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleResults()[:1]))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.Header(), records[0])
	assert.Equal(t, []string{
		"orders", "total", "structural", "false",
		"nullability mismatch: expected not null, found nullable",
		"model", "deterministic", "v0.50.3", "2026-03-01T09:30:00Z",
	}, records[1])
}

func TestWriteCSV_HeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.Header(), records[0])
}

func TestWriteJSON(t *testing.T) {
	rep := New("run-1", "", sampleResults())
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, rep))

	var decoded struct {
		RunID   string `json:"run_id"`
		Version string `json:"target_version"`
		Summary struct {
			Total    int     `json:"total"`
			PassRate float64 `json:"pass_rate"`
		} `json:"summary"`
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, "latest", decoded.Version)
	assert.Equal(t, 5, decoded.Summary.Total)
	require.Len(t, decoded.Results, 5)
	assert.Equal(t, "orders", decoded.Results[0]["table_name"])
	assert.Equal(t, false, decoded.Results[0]["check_passed"])
	assert.NotContains(t, decoded.Results[0], "Check")
}

func TestWriteXLSX(t *testing.T) {
	rep := New("run-1", "v0.50.3", sampleResults())
	path := filepath.Join(t.TempDir(), "report.xlsx")
	out, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(out, FormatXLSX, rep))
	require.NoError(t, out.Close())

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 2)

	results := f.Sheet["results"]
	require.NotNil(t, results)
	require.Len(t, results.Rows, 6)
	assert.Equal(t, "table_name", results.Rows[0].Cells[0].String())
	assert.Equal(t, "timestamp", results.Rows[0].Cells[8].String())
	assert.Equal(t, "total", results.Rows[1].Cells[1].String())

	summary := f.Sheet["summary"]
	require.NotNil(t, summary)
	assert.Equal(t, "run-1", summary.Rows[0].Cells[1].String())
	assert.Equal(t, "5", summary.Rows[2].Cells[1].String())
}

func TestNew_NilResults(t *testing.T) {
	rep := New("r", "v1.0.0", nil)
	assert.NotNil(t, rep.Results)
	assert.Equal(t, "v1.0.0", rep.Version)
	assert.False(t, rep.GeneratedAt.IsZero())
}
