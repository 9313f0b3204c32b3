package extract

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/schema-check/internal/model"
)

// ChangelogExtractor replays a Liquibase databaseChangeLog (YAML or JSON)
// into the schema it produces.
type ChangelogExtractor struct {
	dirs []string
}

// NewChangelogExtractor creates a ChangelogExtractor.
func NewChangelogExtractor(dirs []string) *ChangelogExtractor {
	return &ChangelogExtractor{dirs: dirs}
}

// Source implements Extractor.
func (e *ChangelogExtractor) Source() model.Source { return model.SourceChangelog }

// Extract implements Extractor. Files are replayed in lexical order so that
// later migration files see the tables created by earlier ones.
func (e *ChangelogExtractor) Extract(ctx context.Context, root string) *model.UnifiedSchema {
	out := newPartial(model.SourceChangelog)
	r := &replayer{out: out}
	eachFile(ctx, out, model.SourceChangelog, root, e.dirs, []string{".yaml", ".yml", ".json"}, func(rel, text string) error {
		return r.replayFile(rel, text)
	})
	return out
}

// scalar decodes any YAML scalar as its literal text.
type scalar string

func (s *scalar) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return eris.Errorf("line %d: expected scalar", n.Line)
	}
	if n.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = scalar(n.Value)
	return nil
}

type changeLogFile struct {
	DatabaseChangeLog []map[string]yaml.Node `yaml:"databaseChangeLog"`
}

type changeSet struct {
	ID      scalar                 `yaml:"id"`
	Author  scalar                 `yaml:"author"`
	DBMS    scalar                 `yaml:"dbms"`
	Changes []map[string]yaml.Node `yaml:"changes"`
}

type lbConstraints struct {
	Nullable              *bool  `yaml:"nullable"`
	PrimaryKey            *bool  `yaml:"primaryKey"`
	Unique                *bool  `yaml:"unique"`
	PrimaryKeyName        scalar `yaml:"primaryKeyName"`
	UniqueConstraintName  scalar `yaml:"uniqueConstraintName"`
	ForeignKeyName        scalar `yaml:"foreignKeyName"`
	References            scalar `yaml:"references"`
	ReferencedTableName   scalar `yaml:"referencedTableName"`
	ReferencedColumnNames scalar `yaml:"referencedColumnNames"`
}

type lbColumn struct {
	Name                 scalar         `yaml:"name"`
	Type                 scalar         `yaml:"type"`
	DefaultValue         *scalar        `yaml:"defaultValue"`
	DefaultValueComputed *scalar        `yaml:"defaultValueComputed"`
	DefaultValueNumeric  *scalar        `yaml:"defaultValueNumeric"`
	DefaultValueBoolean  *scalar        `yaml:"defaultValueBoolean"`
	DefaultValueDate     *scalar        `yaml:"defaultValueDate"`
	Constraints          *lbConstraints `yaml:"constraints"`
}

func (c lbColumn) defaultValue() *string {
	for _, v := range []*scalar{c.DefaultValue, c.DefaultValueComputed, c.DefaultValueNumeric, c.DefaultValueBoolean, c.DefaultValueDate} {
		if v != nil {
			s := string(*v)
			return &s
		}
	}
	return nil
}

type columnEntry struct {
	Column lbColumn `yaml:"column"`
}

// lbChange holds the union of attributes used by the supported change types.
type lbChange struct {
	TableName             scalar        `yaml:"tableName"`
	Columns               []columnEntry `yaml:"columns"`
	ColumnName            scalar        `yaml:"columnName"`
	ColumnNames           scalar        `yaml:"columnNames"`
	OldColumnName         scalar        `yaml:"oldColumnName"`
	NewColumnName         scalar        `yaml:"newColumnName"`
	OldTableName          scalar        `yaml:"oldTableName"`
	NewTableName          scalar        `yaml:"newTableName"`
	NewDataType           scalar        `yaml:"newDataType"`
	ColumnDataType        scalar        `yaml:"columnDataType"`
	ConstraintName        scalar        `yaml:"constraintName"`
	BaseTableName         scalar        `yaml:"baseTableName"`
	BaseColumnNames       scalar        `yaml:"baseColumnNames"`
	ReferencedTableName   scalar        `yaml:"referencedTableName"`
	ReferencedColumnNames scalar        `yaml:"referencedColumnNames"`
	IndexName             scalar        `yaml:"indexName"`
	Unique                *bool         `yaml:"unique"`
	lbColumn              `yaml:",inline"`
}

// replayer applies changes to the partial schema being built.
type replayer struct {
	out *model.UnifiedSchema
}

func (r *replayer) replayFile(rel, text string) error {
	var doc changeLogFile
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return eris.Wrap(err, "parse changelog")
	}
	for _, entry := range doc.DatabaseChangeLog {
		node, ok := entry["changeSet"]
		if !ok {
			continue // property, include, preConditions
		}
		var cs changeSet
		if err := node.Decode(&cs); err != nil {
			r.out.AddError(model.SourceChangelog, rel+": "+err.Error())
			continue
		}
		if !dbmsApplies(string(cs.DBMS)) {
			continue
		}
		r.out.Metadata.Changesets = append(r.out.Metadata.Changesets, model.Changeset{
			ID:     string(cs.ID),
			Author: string(cs.Author),
			File:   rel,
		})
		for _, change := range cs.Changes {
			for kind, body := range change {
				var c lbChange
				if err := body.Decode(&c); err != nil {
					r.out.AddError(model.SourceChangelog, rel+": changeset "+string(cs.ID)+": "+kind+": "+err.Error())
					continue
				}
				r.apply(kind, c)
			}
		}
	}
	return nil
}

// dbmsApplies evaluates a changeset dbms filter such as "postgresql,h2" or
// "!mysql" against PostgreSQL.
func dbmsApplies(filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	included := false
	hasPositive := false
	for _, d := range strings.Split(filter, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "":
		case strings.HasPrefix(d, "!"):
			if strings.TrimPrefix(d, "!") == "postgresql" {
				return false
			}
		default:
			hasPositive = true
			if d == "postgresql" || d == "all" {
				included = true
			}
		}
	}
	return included || !hasPositive
}

func lower(s scalar) string { return strings.ToLower(strings.TrimSpace(string(s))) }

func (r *replayer) table(name string) *model.TableDefinition {
	t := r.out.Table(name)
	if t == nil {
		t = model.NewTable(name, model.SourceChangelog, model.Deterministic)
		r.out.Tables[name] = t
	}
	return t
}

func (r *replayer) apply(kind string, c lbChange) {
	switch kind {
	case "createTable":
		name := lower(c.TableName)
		t := model.NewTable(name, model.SourceChangelog, model.Deterministic)
		r.out.Tables[name] = t
		for _, ce := range c.Columns {
			r.addColumn(t, ce.Column)
		}
	case "addColumn":
		t := r.table(lower(c.TableName))
		for _, ce := range c.Columns {
			r.addColumn(t, ce.Column)
		}
	case "dropColumn":
		t := r.out.Table(lower(c.TableName))
		if t == nil {
			return
		}
		names := splitNames(lower(c.ColumnName))
		for _, ce := range c.Columns {
			names = append(names, lower(ce.Column.Name))
		}
		for _, n := range names {
			dropColumn(t, n)
		}
	case "dropTable":
		delete(r.out.Tables, lower(c.TableName))
	case "renameTable":
		oldName, newName := lower(c.OldTableName), lower(c.NewTableName)
		t := r.out.Table(oldName)
		if t == nil || newName == "" {
			return
		}
		delete(r.out.Tables, oldName)
		t.Name = newName
		r.out.Tables[newName] = t
		for _, other := range r.out.Tables {
			for i := range other.Constraints {
				if other.Constraints[i].ReferencedTable == oldName {
					other.Constraints[i].ReferencedTable = newName
				}
			}
		}
	case "renameColumn":
		t := r.out.Table(lower(c.TableName))
		if t == nil {
			return
		}
		renameColumn(t, lower(c.OldColumnName), lower(c.NewColumnName))
		if c.ColumnDataType != "" {
			if col := t.Columns[lower(c.NewColumnName)]; col != nil {
				col.DataType = changelogType(c.ColumnDataType)
			}
		}
	case "modifyDataType":
		t := r.table(lower(c.TableName))
		column(t, lower(c.ColumnName), model.Deterministic).DataType = changelogType(c.NewDataType)
	case "addNotNullConstraint", "dropNotNullConstraint":
		t := r.table(lower(c.TableName))
		col := column(t, lower(c.ColumnName), model.Deterministic)
		col.Nullable = model.NullabilityOf(kind == "dropNotNullConstraint")
		if c.ColumnDataType != "" && !col.HasType() {
			col.DataType = changelogType(c.ColumnDataType)
		}
	case "addPrimaryKey":
		t := r.table(lower(c.TableName))
		cols := splitNames(lower(c.ColumnNames))
		for _, n := range cols {
			col := column(t, n, model.Deterministic)
			col.PrimaryKey = true
			col.Nullable = model.NotNull
		}
		t.AddConstraint(model.Constraint{Kind: model.ConstraintPrimaryKey, Name: string(c.ConstraintName), Columns: cols, Origin: model.SourceChangelog})
	case "addForeignKeyConstraint":
		t := r.table(lower(c.BaseTableName))
		t.AddConstraint(model.Constraint{
			Kind:              model.ConstraintForeignKey,
			Name:              string(c.ConstraintName),
			Columns:           splitNames(lower(c.BaseColumnNames)),
			ReferencedTable:   lower(c.ReferencedTableName),
			ReferencedColumns: splitNames(lower(c.ReferencedColumnNames)),
			Origin:            model.SourceChangelog,
		})
	case "dropForeignKeyConstraint":
		if t := r.out.Table(lower(c.BaseTableName)); t != nil {
			dropConstraint(t, string(c.ConstraintName))
		}
	case "addUniqueConstraint":
		t := r.table(lower(c.TableName))
		cols := splitNames(lower(c.ColumnNames))
		if len(cols) == 1 {
			column(t, cols[0], model.Deterministic).Unique = true
		}
		t.AddConstraint(model.Constraint{Kind: model.ConstraintUnique, Name: string(c.ConstraintName), Columns: cols, Origin: model.SourceChangelog})
	case "dropUniqueConstraint":
		if t := r.out.Table(lower(c.TableName)); t != nil {
			dropConstraint(t, string(c.ConstraintName))
		}
	case "createIndex":
		t := r.table(lower(c.TableName))
		var cols []string
		for _, ce := range c.Columns {
			cols = append(cols, lower(ce.Column.Name))
		}
		t.AddIndex(model.Index{Name: lower(c.IndexName), Columns: cols, Unique: c.Unique != nil && *c.Unique, Origin: model.SourceChangelog})
	case "dropIndex":
		if t := r.out.Table(lower(c.TableName)); t != nil {
			dropIndex(t, lower(c.IndexName))
		}
	case "addDefaultValue":
		t := r.table(lower(c.TableName))
		column(t, lower(c.ColumnName), model.Deterministic).DefaultValue = c.lbColumn.defaultValue()
	case "dropDefaultValue":
		if t := r.out.Table(lower(c.TableName)); t != nil {
			if col := t.Columns[lower(c.ColumnName)]; col != nil {
				col.DefaultValue = nil
			}
		}
	}
}

func (r *replayer) addColumn(t *model.TableDefinition, lc lbColumn) {
	name := lower(lc.Name)
	if name == "" {
		return
	}
	col := column(t, name, model.Deterministic)
	col.DataType = changelogType(lc.Type)
	col.DefaultValue = lc.defaultValue()

	cons := lc.Constraints
	if cons == nil {
		return
	}
	if cons.Nullable != nil {
		col.Nullable = model.NullabilityOf(*cons.Nullable)
	}
	if cons.PrimaryKey != nil && *cons.PrimaryKey {
		col.PrimaryKey = true
		col.Nullable = model.NotNull
		t.AddConstraint(model.Constraint{Kind: model.ConstraintPrimaryKey, Name: string(cons.PrimaryKeyName), Columns: []string{name}, Origin: model.SourceChangelog})
	}
	if cons.Unique != nil && *cons.Unique {
		col.Unique = true
		t.AddConstraint(model.Constraint{Kind: model.ConstraintUnique, Name: string(cons.UniqueConstraintName), Columns: []string{name}, Origin: model.SourceChangelog})
	}

	refTable, refCols := lower(cons.ReferencedTableName), splitNames(lower(cons.ReferencedColumnNames))
	if refTable == "" && cons.References != "" {
		// references: "core_user(id)"
		ref := lower(cons.References)
		if open := strings.IndexByte(ref, '('); open > 0 && strings.HasSuffix(ref, ")") {
			refTable, refCols = unquoteIdent(ref[:open]), splitNames(ref[open+1:len(ref)-1])
		}
	}
	if refTable != "" {
		t.AddConstraint(model.Constraint{
			Kind:              model.ConstraintForeignKey,
			Name:              string(cons.ForeignKeyName),
			Columns:           []string{name},
			ReferencedTable:   refTable,
			ReferencedColumns: refCols,
			Origin:            model.SourceChangelog,
		})
	}
}

// changelogType normalizes a declared column type. Types built from
// changelog properties such as ${timestamp_type} resolve per database and
// are recorded as unknown.
func changelogType(s scalar) string {
	t := strings.TrimSpace(string(s))
	if t == "" || strings.Contains(t, "${") {
		return model.TypeUnknown
	}
	return strings.ToLower(t)
}

func dropColumn(t *model.TableDefinition, name string) {
	delete(t.Columns, name)
	kept := t.Constraints[:0]
	for _, c := range t.Constraints {
		if !contains(c.Columns, name) {
			kept = append(kept, c)
		}
	}
	t.Constraints = kept
	idx := t.Indexes[:0]
	for _, i := range t.Indexes {
		if !contains(i.Columns, name) {
			idx = append(idx, i)
		}
	}
	t.Indexes = idx
}

func renameColumn(t *model.TableDefinition, oldName, newName string) {
	col := t.Columns[oldName]
	if col == nil || newName == "" {
		return
	}
	delete(t.Columns, oldName)
	col.Name = newName
	t.Columns[newName] = col
	for i := range t.Constraints {
		replaceName(t.Constraints[i].Columns, oldName, newName)
	}
	for i := range t.Indexes {
		replaceName(t.Indexes[i].Columns, oldName, newName)
	}
}

func dropConstraint(t *model.TableDefinition, name string) {
	kept := t.Constraints[:0]
	for _, c := range t.Constraints {
		if !strings.EqualFold(c.Name, name) {
			kept = append(kept, c)
		}
	}
	t.Constraints = kept
}

func dropIndex(t *model.TableDefinition, name string) {
	kept := t.Indexes[:0]
	for _, i := range t.Indexes {
		if i.Name != name {
			kept = append(kept, i)
		}
	}
	t.Indexes = kept
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func replaceName(list []string, oldName, newName string) {
	for i, v := range list {
		if v == oldName {
			list[i] = newName
		}
	}
}
