package model

import (
	"sort"
	"strings"
	"time"
)

// Source identifies the artifact family a table or column fact came from.
type Source string

const (
	SourceModel     Source = "model"
	SourceTypeDecl  Source = "typedecl"
	SourceChangelog Source = "changelog"
	SourceInitSQL   Source = "initsql"
)

// SourcePriority lists the sources from highest to lowest merge priority.
var SourcePriority = []Source{SourceModel, SourceTypeDecl, SourceChangelog, SourceInitSQL}

// Rank returns the priority rank of s (0 is highest). Unknown sources rank last.
func (s Source) Rank() int {
	for i, p := range SourcePriority {
		if p == s {
			return i
		}
	}
	return len(SourcePriority)
}

// Confidence records whether a fact was stated by the source or inferred.
type Confidence string

const (
	Deterministic Confidence = "deterministic"
	Heuristic     Confidence = "heuristic"
)

// Nullability is a tri-state nullable flag.
type Nullability string

const (
	NullUnknown Nullability = "unknown"
	Nullable    Nullability = "nullable"
	NotNull     Nullability = "not_null"
)

// Known reports whether the nullability was stated.
func (n Nullability) Known() bool {
	return n == Nullable || n == NotNull
}

// NullabilityOf converts a bool to a known Nullability.
func NullabilityOf(nullable bool) Nullability {
	if nullable {
		return Nullable
	}
	return NotNull
}

// TypeUnknown is the declared type of a column whose storage type no source stated.
const TypeUnknown = "unknown"

// ColumnDefinition describes one column as reconstructed from source artifacts.
type ColumnDefinition struct {
	Name         string      `json:"name"`
	DataType     string      `json:"data_type"`
	Nullable     Nullability `json:"nullable"`
	PrimaryKey   bool        `json:"primary_key,omitempty"`
	Unique       bool        `json:"unique,omitempty"`
	DefaultValue *string     `json:"default_value,omitempty"`
	Transform    string      `json:"transform,omitempty"`
	Origin       Source      `json:"origin"`
	Confidence   Confidence  `json:"confidence"`
}

// HasType reports whether a concrete data type was declared.
func (c *ColumnDefinition) HasType() bool {
	return c.DataType != "" && !strings.EqualFold(c.DataType, TypeUnknown)
}

// ConstraintKind is the type of a table-level constraint.
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "primary_key"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintCheck      ConstraintKind = "check"
)

// Constraint is a table-level constraint.
type Constraint struct {
	Kind              ConstraintKind `json:"kind"`
	Name              string         `json:"name,omitempty"`
	Columns           []string       `json:"columns"`
	ReferencedTable   string         `json:"referenced_table,omitempty"`
	ReferencedColumns []string       `json:"referenced_columns,omitempty"`
	Expression        string         `json:"expression,omitempty"`
	Origin            Source         `json:"origin"`
}

// Key identifies a constraint by content, ignoring its name and origin.
func (c Constraint) Key() string {
	parts := []string{string(c.Kind), strings.Join(c.Columns, ",")}
	if c.Kind == ConstraintForeignKey {
		parts = append(parts, c.ReferencedTable, strings.Join(c.ReferencedColumns, ","))
	}
	if c.Kind == ConstraintCheck {
		parts = append(parts, c.Expression)
	}
	return strings.Join(parts, "|")
}

// Index is a declared index.
type Index struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
	Origin  Source   `json:"origin"`
}

// Key identifies an index by name, falling back to its column list.
func (i Index) Key() string {
	if i.Name != "" {
		return i.Name
	}
	return strings.Join(i.Columns, ",")
}

// TableDefinition describes one table.
type TableDefinition struct {
	Name        string                       `json:"name"`
	Columns     map[string]*ColumnDefinition `json:"columns"`
	Constraints []Constraint                 `json:"constraints,omitempty"`
	Indexes     []Index                      `json:"indexes,omitempty"`
	Origin      Source                       `json:"origin"`
	Confidence  Confidence                   `json:"confidence"`
}

// NewTable creates an empty table definition.
func NewTable(name string, origin Source, conf Confidence) *TableDefinition {
	return &TableDefinition{
		Name:       name,
		Columns:    make(map[string]*ColumnDefinition),
		Origin:     origin,
		Confidence: conf,
	}
}

// ColumnNames returns the column names in sorted order.
func (t *TableDefinition) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for name := range t.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddConstraint appends c unless an equivalent constraint is already present.
func (t *TableDefinition) AddConstraint(c Constraint) {
	key := c.Key()
	for _, existing := range t.Constraints {
		if existing.Key() == key {
			return
		}
	}
	t.Constraints = append(t.Constraints, c)
}

// AddIndex appends idx unless an index with the same key is already present.
func (t *TableDefinition) AddIndex(idx Index) {
	key := idx.Key()
	for _, existing := range t.Indexes {
		if existing.Key() == key {
			return
		}
	}
	t.Indexes = append(t.Indexes, idx)
}

// ForeignKeys returns the table's foreign key constraints.
func (t *TableDefinition) ForeignKeys() []Constraint {
	var fks []Constraint
	for _, c := range t.Constraints {
		if c.Kind == ConstraintForeignKey {
			fks = append(fks, c)
		}
	}
	return fks
}

// Changeset is one applied unit of schema change from the changelog.
type Changeset struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	File   string `json:"file"`
}

// Metadata records how a schema was extracted.
type Metadata struct {
	Version      string              `json:"version,omitempty"`
	ExtractedAt  time.Time           `json:"extracted_at"`
	Sources      []Source            `json:"sources"`
	TableCounts  map[Source]int      `json:"table_counts,omitempty"`
	ColumnCounts map[Source]int      `json:"column_counts,omitempty"`
	FilesScanned map[Source]int      `json:"files_scanned,omitempty"`
	Errors       map[Source][]string `json:"errors,omitempty"`
	Changesets   []Changeset         `json:"changesets,omitempty"`
}

// UnifiedSchema is a table model keyed by table name. A single-origin
// UnifiedSchema produced by one extractor is called a partial schema.
type UnifiedSchema struct {
	Tables   map[string]*TableDefinition `json:"tables"`
	Metadata Metadata                    `json:"metadata"`
}

// NewSchema creates an empty schema.
func NewSchema() *UnifiedSchema {
	return &UnifiedSchema{
		Tables: make(map[string]*TableDefinition),
		Metadata: Metadata{
			Errors: make(map[Source][]string),
		},
	}
}

// TableNames returns the table names in sorted order.
func (s *UnifiedSchema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the named table or nil.
func (s *UnifiedSchema) Table(name string) *TableDefinition {
	if s == nil {
		return nil
	}
	return s.Tables[name]
}

// AddError records a per-source extraction error, skipping duplicates.
func (s *UnifiedSchema) AddError(src Source, msg string) {
	if s.Metadata.Errors == nil {
		s.Metadata.Errors = make(map[Source][]string)
	}
	for _, e := range s.Metadata.Errors[src] {
		if e == msg {
			return
		}
	}
	s.Metadata.Errors[src] = append(s.Metadata.Errors[src], msg)
}

// Recount recomputes per-origin table and column counts.
func (s *UnifiedSchema) Recount() {
	s.Metadata.TableCounts = make(map[Source]int)
	s.Metadata.ColumnCounts = make(map[Source]int)
	for _, t := range s.Tables {
		s.Metadata.TableCounts[t.Origin]++
		for _, c := range t.Columns {
			s.Metadata.ColumnCounts[c.Origin]++
		}
	}
}

// ColumnCount returns the total number of columns across all tables.
func (s *UnifiedSchema) ColumnCount() int {
	n := 0
	for _, t := range s.Tables {
		n += len(t.Columns)
	}
	return n
}
