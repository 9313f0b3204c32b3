// Package merge combines partial schemas from several sources into one
// UnifiedSchema using source-priority field resolution.
package merge

import (
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/model"
)

// Merge combines the four extractor partials in source priority order.
// Any argument may be nil.
func Merge(modelSchema, typeDecl, changelog, initSQL *model.UnifiedSchema) *model.UnifiedSchema {
	return MergeFieldWise(modelSchema, typeDecl, changelog, initSQL)
}

// MergeFieldWise merges partials listed from highest to lowest priority.
// Tables and columns are unioned. Each column field is taken from the first
// partial that supplies it; an unknown type or unknown nullability counts as
// not supplied. Primary key and unique flags are OR-ed. Constraints and
// indexes are unioned without duplicates. Inputs are not modified.
func MergeFieldWise(partials ...*model.UnifiedSchema) *model.UnifiedSchema {
	out := model.NewSchema()

	for _, p := range partials {
		if p == nil {
			continue
		}
		for _, name := range p.TableNames() {
			mergeTable(out, p.Tables[name])
		}
		mergeMetadata(&out.Metadata, &p.Metadata)
	}

	sort.SliceStable(out.Metadata.Sources, func(i, j int) bool {
		return out.Metadata.Sources[i].Rank() < out.Metadata.Sources[j].Rank()
	})
	out.Recount()

	zap.L().Debug("merge: schemas merged",
		zap.Int("partials", len(partials)),
		zap.Int("tables", len(out.Tables)),
		zap.Int("columns", out.ColumnCount()),
	)
	return out
}

func mergeTable(out *model.UnifiedSchema, src *model.TableDefinition) {
	dst := out.Tables[src.Name]
	if dst == nil {
		dst = model.NewTable(src.Name, src.Origin, src.Confidence)
		out.Tables[src.Name] = dst
	}

	for _, name := range src.ColumnNames() {
		mergeColumn(dst, src.Columns[name])
	}
	for _, c := range src.Constraints {
		dst.AddConstraint(copyConstraint(c))
	}
	for _, idx := range src.Indexes {
		idx.Columns = append([]string(nil), idx.Columns...)
		dst.AddIndex(idx)
	}
}

func mergeColumn(t *model.TableDefinition, src *model.ColumnDefinition) {
	dst, ok := t.Columns[src.Name]
	if !ok {
		c := *src
		if c.DataType == "" {
			c.DataType = model.TypeUnknown
		}
		if c.Nullable == "" {
			c.Nullable = model.NullUnknown
		}
		if src.DefaultValue != nil {
			v := *src.DefaultValue
			c.DefaultValue = &v
		}
		t.Columns[src.Name] = &c
		return
	}

	if !dst.HasType() && src.HasType() {
		dst.DataType = src.DataType
	}
	if !dst.Nullable.Known() && src.Nullable.Known() {
		dst.Nullable = src.Nullable
	}
	if dst.DefaultValue == nil && src.DefaultValue != nil {
		v := *src.DefaultValue
		dst.DefaultValue = &v
	}
	if dst.Transform == "" {
		dst.Transform = src.Transform
	}
	dst.PrimaryKey = dst.PrimaryKey || src.PrimaryKey
	dst.Unique = dst.Unique || src.Unique
}

func copyConstraint(c model.Constraint) model.Constraint {
	c.Columns = append([]string(nil), c.Columns...)
	c.ReferencedColumns = append([]string(nil), c.ReferencedColumns...)
	return c
}

func mergeMetadata(dst, src *model.Metadata) {
	if dst.Version == "" {
		dst.Version = src.Version
	}
	if src.ExtractedAt.After(dst.ExtractedAt) {
		dst.ExtractedAt = src.ExtractedAt
	}

	for _, s := range src.Sources {
		if !hasSource(dst.Sources, s) {
			dst.Sources = append(dst.Sources, s)
		}
	}

	for s, n := range src.FilesScanned {
		if dst.FilesScanned == nil {
			dst.FilesScanned = make(map[model.Source]int)
		}
		if n > dst.FilesScanned[s] {
			dst.FilesScanned[s] = n
		}
	}

	for s, errs := range src.Errors {
		for _, e := range errs {
			addError(dst, s, e)
		}
	}

	for _, cs := range src.Changesets {
		if !hasChangeset(dst.Changesets, cs) {
			dst.Changesets = append(dst.Changesets, cs)
		}
	}
}

func addError(m *model.Metadata, s model.Source, msg string) {
	if m.Errors == nil {
		m.Errors = make(map[model.Source][]string)
	}
	for _, e := range m.Errors[s] {
		if e == msg {
			return
		}
	}
	m.Errors[s] = append(m.Errors[s], msg)
}

func hasSource(list []model.Source, s model.Source) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasChangeset(list []model.Changeset, cs model.Changeset) bool {
	for _, v := range list {
		if v == cs {
			return true
		}
	}
	return false
}
