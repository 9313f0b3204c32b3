package extract

import (
	"regexp"
	"strings"
)

var sqlDialect = dialect{quotes: `'"`, lineComment: "--", blockComments: true}

type sqlStatement struct {
	text string
	line int // 1-based line of the first token
}

var dollarTagRe = regexp.MustCompile(`^\$([A-Za-z_][\w]*)?\$`)

// splitStatements splits a SQL script at top-level semicolons. Quoted strings,
// quoted identifiers, dollar-quoted bodies, comments and parentheses never
// split a statement. Comments are dropped from the returned text.
func splitStatements(src string) []sqlStatement {
	var (
		out       []sqlStatement
		b         strings.Builder
		line      = 1
		startLine = 0
		depth     = 0
	)
	emit := func() {
		if text := strings.TrimSpace(b.String()); text != "" {
			out = append(out, sqlStatement{text: text, line: startLine})
		}
		b.Reset()
		startLine = 0
	}
	mark := func() {
		if startLine == 0 {
			startLine = line
		}
	}
	// copyThrough appends src[i:end] and advances the line counter.
	copyThrough := func(i, end int) int {
		if end > len(src) {
			end = len(src)
		}
		b.WriteString(src[i:end])
		line += strings.Count(src[i:end], "\n")
		return end - 1
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\n':
			line++
			b.WriteByte(c)
		case c == '-' && strings.HasPrefix(src[i:], "--"):
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				i = len(src)
				continue
			}
			i += nl - 1
		case c == '/' && strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
				continue
			}
			line += strings.Count(src[i:i+end+4], "\n")
			b.WriteByte(' ')
			i += end + 3
		case c == '\'' || c == '"':
			mark()
			i = copyThrough(i, skipString(src, i, c)+1)
		case c == '$':
			mark()
			if m := dollarTagRe.FindString(src[i:]); m != "" {
				if end := strings.Index(src[i+len(m):], m); end >= 0 {
					i = copyThrough(i, i+len(m)+end+len(m))
					continue
				}
			}
			b.WriteByte(c)
		case c == '(':
			mark()
			depth++
			b.WriteByte(c)
		case c == ')':
			depth--
			b.WriteByte(c)
		case c == ';' && depth <= 0:
			emit()
			depth = 0
		default:
			if c != ' ' && c != '\t' && c != '\r' {
				mark()
			}
			b.WriteByte(c)
		}
	}
	emit()
	return out
}

// foldIdent applies PostgreSQL identifier folding: quoted names keep their
// case, unquoted names are lowercased. Schema qualifiers are dropped.
func foldIdent(s string) string {
	s = strings.TrimSpace(s)
	name := unquoteIdent(s)
	if strings.HasSuffix(s, `"`) {
		return name
	}
	return strings.ToLower(name)
}
