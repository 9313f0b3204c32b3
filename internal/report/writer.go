package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/schema-check/internal/model"
)

// Format is an export format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat converts a format name such as "CSV" into a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("report: unknown format %q (valid: csv, json, xlsx)", s)
	}
}

// Write exports rep in the given format.
func Write(w io.Writer, format Format, rep *Report) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, rep.Results)
	case FormatJSON:
		return WriteJSON(w, rep)
	case FormatXLSX:
		return WriteXLSX(w, rep)
	default:
		return eris.Errorf("report: unknown format %q", format)
	}
}

// WriteCSV writes results with a header in canonical field order. The
// header is written even when there are no results.
func WriteCSV(w io.Writer, results []model.ValidationResult) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(model.ValidationResult{}); err != nil {
		return eris.Wrap(err, "report: csv header")
	}
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "report: csv encode")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: csv flush")
}

// WriteJSON writes the full report as indented JSON.
func WriteJSON(w io.Writer, rep *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(rep), "report: json encode")
}

// WriteXLSX writes a workbook with a "results" sheet in canonical field
// order and a "summary" sheet with per-scope and per-table counts.
func WriteXLSX(w io.Writer, rep *Report) error {
	f := xlsx.NewFile()

	results, err := f.AddSheet("results")
	if err != nil {
		return eris.Wrap(err, "report: xlsx add results sheet")
	}
	addRow(results, model.Header()...)
	for _, r := range rep.Results {
		addRow(results, r.Row()...)
	}

	summary, err := f.AddSheet("summary")
	if err != nil {
		return eris.Wrap(err, "report: xlsx add summary sheet")
	}
	addRow(summary, "run_id", rep.RunID)
	addRow(summary, "target_version", rep.Version)
	addRow(summary, "total", fmt.Sprint(rep.Summary.Total))
	addRow(summary, "passed", fmt.Sprint(rep.Summary.Passed))
	addRow(summary, "failed", fmt.Sprint(rep.Summary.Failed))
	addRow(summary, "pass_rate", fmt.Sprintf("%.4f", rep.Summary.PassRate))
	addRow(summary)
	addRow(summary, "group", "name", "total", "passed", "failed")
	for _, scope := range scopeKeys(rep.Summary.ByScope) {
		c := rep.Summary.ByScope[scope]
		addRow(summary, "scope", string(scope), fmt.Sprint(c.Total), fmt.Sprint(c.Passed), fmt.Sprint(c.Failed))
	}
	for _, table := range tableKeys(rep.Summary.ByTable) {
		c := rep.Summary.ByTable[table]
		addRow(summary, "table", table, fmt.Sprint(c.Total), fmt.Sprint(c.Passed), fmt.Sprint(c.Failed))
	}

	return eris.Wrap(f.Write(w), "report: xlsx write")
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, v := range cells {
		row.AddCell().SetString(v)
	}
}

func scopeKeys(m map[model.Scope]Counts) []model.Scope {
	keys := make([]model.Scope, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := scopeRank(keys[i]), scopeRank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func tableKeys(m map[string]Counts) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
