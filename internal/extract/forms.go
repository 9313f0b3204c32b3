package extract

import "strings"

// dialect describes the lexical rules the bracket reader needs.
type dialect struct {
	quotes        string // string delimiters
	lineComment   string
	blockComments bool // /* ... */
	charLiterals  bool // Clojure \c
}

var (
	clojureDialect = dialect{quotes: `"`, lineComment: ";", charLiterals: true}
	tsDialect      = dialect{quotes: "\"'`", lineComment: "//", blockComments: true}
)

func isOpen(c byte) bool  { return c == '(' || c == '[' || c == '{' }
func isClose(c byte) bool { return c == ')' || c == ']' || c == '}' }

// scan walks src from start calling visit for every byte outside strings,
// comments and character literals, with the bracket depth before that byte.
// visit returns false to stop. scan returns the index where it stopped.
func scan(src string, start int, d dialect, visit func(i, depth int) bool) int {
	depth := 0
	for i := start; i < len(src); i++ {
		c := src[i]
		switch {
		case strings.IndexByte(d.quotes, c) >= 0:
			i = skipString(src, i, c)
			continue
		case d.lineComment != "" && strings.HasPrefix(src[i:], d.lineComment):
			if nl := strings.IndexByte(src[i:], '\n'); nl >= 0 {
				i += nl - 1 // visit the newline
			} else {
				i = len(src)
			}
			continue
		case d.blockComments && strings.HasPrefix(src[i:], "/*"):
			if end := strings.Index(src[i+2:], "*/"); end >= 0 {
				i += end + 3
			} else {
				i = len(src)
			}
			continue
		case d.charLiterals && c == '\\':
			i++
			continue
		}
		if !visit(i, depth) {
			return i
		}
		if isOpen(c) {
			depth++
		} else if isClose(c) {
			depth--
		}
	}
	return len(src)
}

// skipString returns the index of the closing quote of the string starting at i.
func skipString(src string, i int, quote byte) int {
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j
		}
	}
	return len(src)
}

// balanced returns src[open:end+1] where end matches the bracket at open.
func balanced(src string, open int, d dialect) (string, bool) {
	if open < 0 || open >= len(src) || !isOpen(src[open]) {
		return "", false
	}
	end := -1
	scan(src, open, d, func(i, depth int) bool {
		if isClose(src[i]) && depth == 1 {
			end = i
			return false
		}
		return true
	})
	if end < 0 {
		return "", false
	}
	return src[open : end+1], true
}

// inner strips the outer brackets of a balanced form.
func inner(form string) string {
	if len(form) < 2 {
		return ""
	}
	return form[1 : len(form)-1]
}

// splitTopLevel splits body at bytes for which sep returns true when they
// occur outside any nested bracket, string or comment. Empty items are dropped.
func splitTopLevel(body string, d dialect, sep func(c byte) bool) []string {
	var items []string
	last := 0
	scan(body, 0, d, func(i, depth int) bool {
		if depth == 0 && sep(body[i]) {
			if item := strings.TrimSpace(body[last:i]); item != "" {
				items = append(items, item)
			}
			last = i + 1
		}
		return true
	})
	if item := strings.TrimSpace(body[last:]); item != "" {
		items = append(items, item)
	}
	return items
}

// stripComments removes line and block comments outside strings.
func stripComments(src string, d dialect) string {
	var b strings.Builder
	b.Grow(len(src))
	last := 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case strings.IndexByte(d.quotes, c) >= 0:
			i = skipString(src, i, c)
		case d.lineComment != "" && strings.HasPrefix(src[i:], d.lineComment):
			b.WriteString(src[last:i])
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				return b.String()
			}
			i += nl
			last = i
		case d.blockComments && strings.HasPrefix(src[i:], "/*"):
			b.WriteString(src[last:i])
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i += end + 3
			last = i + 1
			b.WriteByte(' ')
		}
	}
	if last < len(src) {
		b.WriteString(src[last:])
	}
	return b.String()
}
