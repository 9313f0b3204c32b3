// Package report aggregates validation results and writes them as CSV,
// JSON or XLSX.
package report

import (
	"sort"
	"time"

	"github.com/sells-group/schema-check/internal/model"
)

// Counts tallies results in one bucket.
type Counts struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

func (c *Counts) add(passed bool) {
	c.Total++
	if passed {
		c.Passed++
	} else {
		c.Failed++
	}
}

// Summary is the derived aggregate of a result set.
type Summary struct {
	Counts
	PassRate float64                `json:"pass_rate"`
	ByScope  map[model.Scope]Counts `json:"by_scope"`
	ByTable  map[string]Counts      `json:"by_table"`
}

// Summarize computes totals, the pass rate and per-scope and per-table
// breakdowns. The pass rate of an empty result set is 0.
func Summarize(results []model.ValidationResult) Summary {
	s := Summary{
		ByScope: make(map[model.Scope]Counts),
		ByTable: make(map[string]Counts),
	}
	for _, r := range results {
		s.add(r.Passed)

		sc := s.ByScope[r.Scope]
		sc.add(r.Passed)
		s.ByScope[r.Scope] = sc

		tc := s.ByTable[r.Table]
		tc.add(r.Passed)
		s.ByTable[r.Table] = tc
	}
	if s.Total > 0 {
		s.PassRate = float64(s.Passed) / float64(s.Total)
	}
	return s
}

// SortResults orders results by scope (canonical order, unknown scopes
// last), then table, column and check. The sort is stable.
func SortResults(results []model.ValidationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if ra, rb := scopeRank(a.Scope), scopeRank(b.Scope); ra != rb {
			return ra < rb
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.Check < b.Check
	})
}

func scopeRank(s model.Scope) int {
	for i, scope := range model.AllScopes {
		if scope == s {
			return i
		}
	}
	return len(model.AllScopes)
}

// Failures returns the failed results in their original order.
func Failures(results []model.ValidationResult) []model.ValidationResult {
	var out []model.ValidationResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Report is one validation run ready for export.
type Report struct {
	RunID       string                   `json:"run_id"`
	Version     string                   `json:"target_version"`
	GeneratedAt time.Time                `json:"generated_at"`
	Summary     Summary                  `json:"summary"`
	Results     []model.ValidationResult `json:"results"`
}

// New builds a Report, summarizing results in their given order.
func New(runID, version string, results []model.ValidationResult) *Report {
	if version == "" {
		version = "latest"
	}
	if results == nil {
		results = []model.ValidationResult{}
	}
	return &Report{
		RunID:       runID,
		Version:     version,
		GeneratedAt: time.Now().UTC(),
		Summary:     Summarize(results),
		Results:     results,
	}
}
