package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/auxten/postgresql-parser/pkg/sql/sem/tree"
	"github.com/rotisserie/eris"

	"github.com/sells-group/schema-check/internal/model"
)

// InitSQLExtractor reads initialization SQL scripts such as a pg_dump of a
// freshly migrated database.
type InitSQLExtractor struct {
	dirs []string
}

// NewInitSQLExtractor creates an InitSQLExtractor.
func NewInitSQLExtractor(dirs []string) *InitSQLExtractor {
	return &InitSQLExtractor{dirs: dirs}
}

// Source implements Extractor.
func (e *InitSQLExtractor) Source() model.Source { return model.SourceInitSQL }

var (
	createTableRe = regexp.MustCompile(`(?is)^CREATE\s+(?:(?:GLOBAL|LOCAL)\s+)?(?:(?:TEMP|TEMPORARY|UNLOGGED)\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?((?:"[^"]+"|[\w$]+)(?:\.(?:"[^"]+"|[\w$]+))?)\s*\(`)
	alterTableRe  = regexp.MustCompile(`(?is)^ALTER\s+TABLE\b.*\b(?:ADD|ALTER\s+COLUMN)\b`)
	createIndexRe = regexp.MustCompile(`(?is)^CREATE\s+(?:UNIQUE\s+)?INDEX\b`)

	alterOnlyRe  = regexp.MustCompile(`(?i)\bALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?ONLY\b`)
	usingBtreeRe = regexp.MustCompile(`(?i)\s+USING\s+btree\b`)

	// Column definition clause keywords that end the type text.
	clauseRe     = regexp.MustCompile(`(?i)\s(?:NOT\s+NULL|NULL|DEFAULT|PRIMARY\s+KEY|UNIQUE|REFERENCES|CHECK|CONSTRAINT|COLLATE|GENERATED)\b`)
	notNullRe    = regexp.MustCompile(`(?i)\bNOT\s+NULL\b`)
	primaryKeyRe = regexp.MustCompile(`(?i)\bPRIMARY\s+KEY\b`)
	uniqueRe     = regexp.MustCompile(`(?i)\bUNIQUE\b`)
	defaultRe    = regexp.MustCompile(`(?is)\bDEFAULT\s+(.+?)(?:\s+(?:NOT\s+NULL|NULL|PRIMARY\s+KEY|UNIQUE|REFERENCES|CHECK|CONSTRAINT)\b|$)`)
	referencesRe = regexp.MustCompile(`(?i)\bREFERENCES\s+((?:"[^"]+"|[\w$]+)(?:\.(?:"[^"]+"|[\w$]+))?)\s*(?:\(([^)]*)\))?`)

	tableConstraintRe = regexp.MustCompile(`(?is)^(?:CONSTRAINT\s+("[^"]+"|[\w$]+)\s+)?(PRIMARY\s+KEY|UNIQUE|FOREIGN\s+KEY|CHECK|EXCLUDE)\b\s*(.*)$`)
	parenListRe       = regexp.MustCompile(`^\(([^)]*)\)`)
)

// Extract implements Extractor.
func (e *InitSQLExtractor) Extract(ctx context.Context, root string) *model.UnifiedSchema {
	out := newPartial(model.SourceInitSQL)
	eachFile(ctx, out, model.SourceInitSQL, root, e.dirs, []string{".sql"}, func(rel, text string) error {
		for _, stmt := range splitStatements(text) {
			if err := applyStatement(out, stmt); err != nil {
				out.AddError(model.SourceInitSQL, fmt.Sprintf("%s:%d: %s", rel, stmt.line, err.Error()))
			}
		}
		return nil
	})
	return out
}

// applyStatement folds one statement into out. Statements other than table
// creation, table alteration and index creation are ignored.
func applyStatement(out *model.UnifiedSchema, stmt sqlStatement) error {
	text := preprocessSQL(stmt.text)
	switch {
	case createTableRe.MatchString(text):
		stmts, err := parseSQL(text)
		if err != nil {
			if t, ok := heuristicCreateTable(text); ok {
				mergeTable(out, t)
			}
			return eris.Wrap(err, "parse create table, used column-list fallback")
		}
		raw := rawColumnTypes(text)
		for _, s := range stmts {
			if n, ok := s.AST.(*tree.CreateTable); ok {
				mergeTable(out, tableFromAST(n, raw))
			}
		}
	case alterTableRe.MatchString(text):
		stmts, err := parseSQL(text)
		if err != nil {
			return eris.Wrap(err, "parse alter table")
		}
		for _, s := range stmts {
			if n, ok := s.AST.(*tree.AlterTable); ok {
				applyAlter(out, n, text)
			}
		}
	case createIndexRe.MatchString(text):
		stmts, err := parseSQL(text)
		if err != nil {
			return eris.Wrap(err, "parse create index")
		}
		for _, s := range stmts {
			if n, ok := s.AST.(*tree.CreateIndex); ok {
				applyIndex(out, n)
			}
		}
	}
	return nil
}

// preprocessSQL removes pg_dump syntax the grammar does not accept.
func preprocessSQL(s string) string {
	s = alterOnlyRe.ReplaceAllString(s, "ALTER TABLE")
	return usingBtreeRe.ReplaceAllString(s, "")
}

// parseSQL wraps the grammar parser, converting panics into errors.
func parseSQL(text string) (stmts parser.Statements, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("parser panic: %v", r)
		}
	}()
	return parser.Parse(text)
}

func mergeTable(out *model.UnifiedSchema, t *model.TableDefinition) {
	if existing := out.Table(t.Name); existing != nil {
		for name, c := range t.Columns {
			if _, ok := existing.Columns[name]; !ok {
				existing.Columns[name] = c
			}
		}
		for _, c := range t.Constraints {
			existing.AddConstraint(c)
		}
		for _, idx := range t.Indexes {
			existing.AddIndex(idx)
		}
		return
	}
	out.Tables[t.Name] = t
}

func tableFromAST(n *tree.CreateTable, raw map[string]string) *model.TableDefinition {
	t := model.NewTable(n.Table.Table(), model.SourceInitSQL, model.Deterministic)
	n.HoistConstraints()

	for _, def := range n.Defs {
		switch d := def.(type) {
		case *tree.ColumnTableDef:
			applyColumnDef(t, d, raw)
		case *tree.UniqueConstraintTableDef:
			addUniqueDef(t, d)
		case *tree.ForeignKeyConstraintTableDef:
			t.AddConstraint(foreignKeyFromAST(d))
		case *tree.CheckConstraintTableDef:
			t.AddConstraint(model.Constraint{
				Kind:       model.ConstraintCheck,
				Name:       string(d.Name),
				Expression: tree.AsString(d.Expr),
				Origin:     model.SourceInitSQL,
			})
		}
	}
	return t
}

func applyColumnDef(t *model.TableDefinition, d *tree.ColumnTableDef, raw map[string]string) {
	name := string(d.Name)
	c := column(t, name, model.Deterministic)
	if typ, ok := raw[name]; ok && typ != "" {
		c.DataType = typ
	} else if d.Type != nil {
		c.DataType = strings.ToLower(d.Type.SQLString())
	}
	c.Nullable = model.NullabilityOf(d.Nullable.Nullability != tree.NotNull)
	if d.DefaultExpr.Expr != nil {
		v := tree.AsString(d.DefaultExpr.Expr)
		c.DefaultValue = &v
	}
	if d.PrimaryKey.IsPrimaryKey {
		c.PrimaryKey = true
		c.Nullable = model.NotNull
		t.AddConstraint(model.Constraint{Kind: model.ConstraintPrimaryKey, Columns: []string{name}, Origin: model.SourceInitSQL})
	}
	if d.Unique {
		c.Unique = true
		t.AddConstraint(model.Constraint{Kind: model.ConstraintUnique, Name: string(d.UniqueConstraintName), Columns: []string{name}, Origin: model.SourceInitSQL})
	}
}

func indexColumns(elems tree.IndexElemList) []string {
	cols := make([]string, 0, len(elems))
	for _, e := range elems {
		cols = append(cols, string(e.Column))
	}
	return cols
}

func addUniqueDef(t *model.TableDefinition, d *tree.UniqueConstraintTableDef) {
	cols := indexColumns(d.Columns)
	kind := model.ConstraintUnique
	if d.PrimaryKey {
		kind = model.ConstraintPrimaryKey
	}
	for _, name := range cols {
		c := column(t, name, model.Deterministic)
		if d.PrimaryKey {
			c.PrimaryKey = true
			c.Nullable = model.NotNull
		} else if len(cols) == 1 {
			c.Unique = true
		}
	}
	t.AddConstraint(model.Constraint{Kind: kind, Name: string(d.Name), Columns: cols, Origin: model.SourceInitSQL})
}

func foreignKeyFromAST(d *tree.ForeignKeyConstraintTableDef) model.Constraint {
	return model.Constraint{
		Kind:              model.ConstraintForeignKey,
		Name:              string(d.Name),
		Columns:           d.FromCols.ToStrings(),
		ReferencedTable:   d.Table.Table(),
		ReferencedColumns: d.ToCols.ToStrings(),
		Origin:            model.SourceInitSQL,
	}
}

func sqlTable(out *model.UnifiedSchema, name string) *model.TableDefinition {
	t := out.Table(name)
	if t == nil {
		t = model.NewTable(name, model.SourceInitSQL, model.Deterministic)
		out.Tables[name] = t
	}
	return t
}

func applyAlter(out *model.UnifiedSchema, n *tree.AlterTable, text string) {
	tn := n.Table.ToTableName()
	t := sqlTable(out, tn.Table())
	for _, cmd := range n.Cmds {
		switch c := cmd.(type) {
		case *tree.AlterTableAddConstraint:
			switch d := c.ConstraintDef.(type) {
			case *tree.UniqueConstraintTableDef:
				addUniqueDef(t, d)
			case *tree.ForeignKeyConstraintTableDef:
				t.AddConstraint(foreignKeyFromAST(d))
			case *tree.CheckConstraintTableDef:
				t.AddConstraint(model.Constraint{Kind: model.ConstraintCheck, Name: string(d.Name), Expression: tree.AsString(d.Expr), Origin: model.SourceInitSQL})
			}
		case *tree.AlterTableAddColumn:
			raw := map[string]string{}
			if rc, ok := parseColumnDef(addColumnText(text)); ok {
				raw[rc.name] = rc.typ
			}
			applyColumnDef(t, c.ColumnDef, raw)
		case *tree.AlterTableSetNotNull:
			column(t, string(c.Column), model.Deterministic).Nullable = model.NotNull
		case *tree.AlterTableDropNotNull:
			column(t, string(c.Column), model.Deterministic).Nullable = model.Nullable
		case *tree.AlterTableSetDefault:
			col := column(t, string(c.Column), model.Deterministic)
			if c.Default == nil {
				col.DefaultValue = nil
			} else {
				v := tree.AsString(c.Default)
				col.DefaultValue = &v
			}
		}
	}
}

var addColumnRe = regexp.MustCompile(`(?is)\bADD\s+(?:COLUMN\s+)?(?:IF\s+NOT\s+EXISTS\s+)?(.*)$`)

func addColumnText(text string) string {
	if m := addColumnRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

func applyIndex(out *model.UnifiedSchema, n *tree.CreateIndex) {
	t := sqlTable(out, n.Table.Table())
	t.AddIndex(model.Index{
		Name:    string(n.Name),
		Columns: indexColumns(n.Columns),
		Unique:  n.Unique,
		Origin:  model.SourceInitSQL,
	})
}

// rawColumn is a column definition read from source text without the grammar.
type rawColumn struct {
	name     string
	typ      string
	notNull  bool
	pk       bool
	unique   bool
	def      *string
	refTable string
	refCols  []string
}

// createTableBody returns the table name and the text inside the column list
// parentheses of a CREATE TABLE statement.
func createTableBody(text string) (string, string, bool) {
	loc := createTableRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", "", false
	}
	name := foldIdent(text[loc[2]:loc[3]])
	body, ok := balanced(text, loc[1]-1, sqlDialect)
	if !ok {
		return "", "", false
	}
	return name, inner(body), true
}

// rawColumnTypes maps column names to their type text as written. The
// grammar normalizes types to its own dialect, so the declared spelling is
// taken from the source.
func rawColumnTypes(text string) map[string]string {
	out := make(map[string]string)
	_, body, ok := createTableBody(text)
	if !ok {
		return out
	}
	for _, item := range splitTopLevel(body, sqlDialect, func(c byte) bool { return c == ',' }) {
		if rc, ok := parseColumnDef(item); ok {
			out[rc.name] = rc.typ
		}
	}
	return out
}

// parseColumnDef reads "name type [clauses]". Table constraints are rejected.
func parseColumnDef(item string) (rawColumn, bool) {
	item = strings.TrimSpace(item)
	if item == "" || tableConstraintRe.MatchString(item) || strings.HasPrefix(strings.ToUpper(item), "LIKE ") {
		return rawColumn{}, false
	}

	var name, rest string
	if item[0] == '"' {
		end := skipString(item, 0, '"')
		if end >= len(item) {
			return rawColumn{}, false
		}
		name, rest = item[1:end], item[end+1:]
	} else {
		sp := strings.IndexAny(item, " \t\r\n")
		if sp < 0 {
			return rawColumn{}, false
		}
		name, rest = strings.ToLower(item[:sp]), item[sp:]
	}

	typ, clauses := rest, ""
	if loc := clauseRe.FindStringIndex(rest); loc != nil {
		typ, clauses = rest[:loc[0]], rest[loc[0]:]
	}
	rc := rawColumn{
		name: name,
		typ:  strings.ToLower(strings.Join(strings.Fields(typ), " ")),
	}
	if rc.typ == "" {
		return rawColumn{}, false
	}

	rc.notNull = notNullRe.MatchString(clauses)
	rc.pk = primaryKeyRe.MatchString(clauses)
	rc.unique = uniqueRe.MatchString(clauses)
	if m := defaultRe.FindStringSubmatch(clauses); m != nil {
		v := strings.TrimSpace(m[1])
		rc.def = &v
	}
	if m := referencesRe.FindStringSubmatch(clauses); m != nil {
		rc.refTable = foldIdent(m[1])
		rc.refCols = foldNames(m[2])
	}
	return rc, true
}

func foldNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, foldIdent(part))
		}
	}
	return out
}

// heuristicCreateTable builds a table from a CREATE TABLE statement the
// grammar rejected, splitting the column list at top-level commas.
func heuristicCreateTable(text string) (*model.TableDefinition, bool) {
	name, body, ok := createTableBody(text)
	if !ok || name == "" {
		return nil, false
	}
	t := model.NewTable(name, model.SourceInitSQL, model.Heuristic)

	for _, item := range splitTopLevel(body, sqlDialect, func(c byte) bool { return c == ',' }) {
		if m := tableConstraintRe.FindStringSubmatch(item); m != nil {
			addHeuristicConstraint(t, foldIdent(m[1]), strings.ToUpper(strings.Join(strings.Fields(m[2]), " ")), strings.TrimSpace(m[3]))
			continue
		}
		rc, ok := parseColumnDef(item)
		if !ok {
			continue
		}
		c := column(t, rc.name, model.Heuristic)
		c.DataType = rc.typ
		c.Nullable = model.NullabilityOf(!rc.notNull && !rc.pk)
		c.DefaultValue = rc.def
		if rc.pk {
			c.PrimaryKey = true
			t.AddConstraint(model.Constraint{Kind: model.ConstraintPrimaryKey, Columns: []string{rc.name}, Origin: model.SourceInitSQL})
		}
		if rc.unique {
			c.Unique = true
			t.AddConstraint(model.Constraint{Kind: model.ConstraintUnique, Columns: []string{rc.name}, Origin: model.SourceInitSQL})
		}
		if rc.refTable != "" {
			t.AddConstraint(model.Constraint{
				Kind:              model.ConstraintForeignKey,
				Columns:           []string{rc.name},
				ReferencedTable:   rc.refTable,
				ReferencedColumns: rc.refCols,
				Origin:            model.SourceInitSQL,
			})
		}
	}
	return t, true
}

func addHeuristicConstraint(t *model.TableDefinition, name, kind, rest string) {
	if kind == "CHECK" {
		if expr, ok := balanced(rest, 0, sqlDialect); ok {
			t.AddConstraint(model.Constraint{Kind: model.ConstraintCheck, Name: name, Expression: strings.TrimSpace(inner(expr)), Origin: model.SourceInitSQL})
		}
		return
	}
	m := parenListRe.FindStringSubmatch(rest)
	if m == nil {
		return
	}
	cols := foldNames(m[1])
	switch kind {
	case "PRIMARY KEY":
		for _, n := range cols {
			c := column(t, n, model.Heuristic)
			c.PrimaryKey = true
			c.Nullable = model.NotNull
		}
		t.AddConstraint(model.Constraint{Kind: model.ConstraintPrimaryKey, Name: name, Columns: cols, Origin: model.SourceInitSQL})
	case "UNIQUE":
		t.AddConstraint(model.Constraint{Kind: model.ConstraintUnique, Name: name, Columns: cols, Origin: model.SourceInitSQL})
	case "FOREIGN KEY":
		ref := referencesRe.FindStringSubmatch(rest)
		if ref == nil {
			return
		}
		t.AddConstraint(model.Constraint{
			Kind:              model.ConstraintForeignKey,
			Name:              name,
			Columns:           cols,
			ReferencedTable:   foldIdent(ref[1]),
			ReferencedColumns: foldNames(ref[2]),
			Origin:            model.SourceInitSQL,
		})
	}
}
