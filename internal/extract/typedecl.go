package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/sells-group/schema-check/internal/model"
)

// TypeDeclExtractor reads TypeScript interface and object type declarations.
type TypeDeclExtractor struct {
	dirs     []string
	tableMap map[string]string // lowercased type name -> table
}

// NewTypeDeclExtractor creates a TypeDeclExtractor. tableMap maps type names
// to table names; keys match case-insensitively.
func NewTypeDeclExtractor(dirs []string, tableMap map[string]string) *TypeDeclExtractor {
	m := make(map[string]string, len(tableMap))
	for k, v := range tableMap {
		m[strings.ToLower(k)] = v
	}
	return &TypeDeclExtractor{dirs: dirs, tableMap: m}
}

// Source implements Extractor.
func (e *TypeDeclExtractor) Source() model.Source { return model.SourceTypeDecl }

var (
	declRe     = regexp.MustCompile(`(?m)^[ \t]*export\s+(?:interface\s+([A-Za-z_$][\w$]*)(?:<[^>{]*>)?(?:\s+extends\s+[^{]+)?\s*\{|type\s+([A-Za-z_$][\w$]*)(?:<[^>=]*>)?\s*=\s*\{)`)
	propertyRe = regexp.MustCompile(`^(?:readonly\s+)?["']?([A-Za-z_$][\w$]*)["']?(\?)?\s*:\s*([\s\S]+)$`)
	// scalarAliasRe matches identifier aliases such as CardId or DatabaseID.
	scalarAliasRe = regexp.MustCompile(`^[A-Z]\w*(?:Id|ID|Key|Type|Name|Date|Time|Timestamp)$`)
)

// Extract implements Extractor.
func (e *TypeDeclExtractor) Extract(ctx context.Context, root string) *model.UnifiedSchema {
	out := newPartial(model.SourceTypeDecl)
	eachFile(ctx, out, model.SourceTypeDecl, root, e.dirs, []string{".ts", ".tsx"}, func(rel, text string) error {
		e.parseFile(out, text)
		return nil
	})
	return out
}

type tsProperty struct {
	name     string
	optional bool
	typ      string
}

func (e *TypeDeclExtractor) parseFile(out *model.UnifiedSchema, text string) {
	text = stripComments(text, tsDialect)
	for _, loc := range declRe.FindAllStringSubmatchIndex(text, -1) {
		name := ""
		if loc[2] >= 0 {
			name = text[loc[2]:loc[3]]
		} else if loc[4] >= 0 {
			name = text[loc[4]:loc[5]]
		}
		body, ok := balanced(text, loc[1]-1, tsDialect)
		if !ok || name == "" {
			continue
		}
		props := parseProperties(inner(body))
		e.addTable(out, name, props)
	}
}

// parseProperties splits an object type body into its members.
func parseProperties(body string) []tsProperty {
	members := splitTopLevel(body, tsDialect, func(c byte) bool {
		return c == ';' || c == ',' || c == '\n'
	})
	var props []tsProperty
	for _, m := range members {
		m = strings.Join(strings.Fields(m), " ")
		if strings.HasPrefix(m, "[") || strings.HasPrefix(m, "(") {
			continue // index or call signature
		}
		pm := propertyRe.FindStringSubmatch(m)
		if pm == nil {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(pm[3]), "(") && strings.Contains(pm[3], "=>") {
			continue // function-valued member
		}
		props = append(props, tsProperty{name: pm[1], optional: pm[2] == "?", typ: strings.TrimSpace(pm[3])})
	}
	return props
}

func (e *TypeDeclExtractor) addTable(out *model.UnifiedSchema, typeName string, props []tsProperty) {
	tableName, conf := e.tableMap[strings.ToLower(typeName)], model.Deterministic
	if tableName == "" {
		if !hasProperty(props, "id") {
			return
		}
		tableName, conf = snakeCase(typeName), model.Heuristic
	}

	t := out.Table(tableName)
	if t == nil {
		t = model.NewTable(tableName, model.SourceTypeDecl, conf)
		out.Tables[tableName] = t
	}

	for _, p := range props {
		dataType, nullable, ok := tsColumnType(p)
		if !ok {
			continue
		}
		c := column(t, p.name, model.Heuristic)
		c.DataType = dataType
		c.Nullable = nullable
		if p.name == "id" {
			c.PrimaryKey = true
		}
	}
	if _, ok := t.Columns["id"]; ok {
		t.AddConstraint(model.Constraint{Kind: model.ConstraintPrimaryKey, Columns: []string{"id"}, Origin: model.SourceTypeDecl})
	}
}

func hasProperty(props []tsProperty, name string) bool {
	for _, p := range props {
		if p.name == name {
			return true
		}
	}
	return false
}

// tsColumnType maps a property type to a column type and nullability.
// Properties whose type is an object, array or a non-scalar named type are
// relations or computed values rather than columns, and are skipped.
func tsColumnType(p tsProperty) (string, model.Nullability, bool) {
	parts := splitTopLevel(p.typ, tsDialect, func(c byte) bool { return c == '|' })
	nullable := false
	var kinds []string
	for _, part := range parts {
		switch part {
		case "null":
			nullable = true
		case "undefined":
		default:
			kinds = append(kinds, part)
		}
	}
	if len(kinds) == 0 {
		return "", "", false
	}

	allBool := true
	for _, k := range kinds {
		if !isScalarTSType(k) {
			return "", "", false
		}
		if k != "boolean" && k != "true" && k != "false" {
			allBool = false
		}
	}

	dataType := model.TypeUnknown
	if allBool {
		dataType = "boolean"
	}

	switch {
	case nullable:
		return dataType, model.Nullable, true
	case p.optional:
		return dataType, model.NullUnknown, true
	default:
		return dataType, model.NotNull, true
	}
}

func isScalarTSType(t string) bool {
	switch t {
	case "string", "number", "boolean", "bigint", "true", "false":
		return true
	}
	if len(t) >= 2 && (t[0] == '"' || t[0] == '\'') && t[len(t)-1] == t[0] {
		return true // string literal
	}
	if _, err := strconv.ParseFloat(t, 64); err == nil {
		return true // numeric literal
	}
	return scalarAliasRe.MatchString(t)
}

// snakeCase converts DashboardCard to dashboard_card.
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
