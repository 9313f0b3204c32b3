package validate

import (
	"strings"
)

// Canonical type names shared by declared and live column types.
const (
	TypeInteger     = "integer"
	TypeNumeric     = "numeric"
	TypeFloat       = "float"
	TypeVarchar     = "varchar"
	TypeChar        = "char"
	TypeText        = "text"
	TypeBoolean     = "boolean"
	TypeTimestamp   = "timestamp"
	TypeTimestampTZ = "timestamptz"
	TypeDate        = "date"
	TypeTime        = "time"
	TypeJSON        = "json"
	TypeJSONB       = "jsonb"
	TypeUUID        = "uuid"
	TypeBytea       = "bytea"
	TypeArray       = "array"
)

var typeAliases = map[string]string{
	"int":                         TypeInteger,
	"int2":                        TypeInteger,
	"int4":                        TypeInteger,
	"int8":                        TypeInteger,
	"integer":                     TypeInteger,
	"smallint":                    TypeInteger,
	"bigint":                      TypeInteger,
	"serial":                      TypeInteger,
	"serial4":                     TypeInteger,
	"serial8":                     TypeInteger,
	"smallserial":                 TypeInteger,
	"bigserial":                   TypeInteger,
	"numeric":                     TypeNumeric,
	"decimal":                     TypeNumeric,
	"real":                        TypeFloat,
	"float":                       TypeFloat,
	"float4":                      TypeFloat,
	"float8":                      TypeFloat,
	"double":                      TypeFloat,
	"double precision":            TypeFloat,
	"varchar":                     TypeVarchar,
	"character varying":           TypeVarchar,
	"char":                        TypeChar,
	"character":                   TypeChar,
	"bpchar":                      TypeChar,
	"text":                        TypeText,
	"string":                      TypeText,
	"clob":                        TypeText,
	"citext":                      TypeText,
	"bool":                        TypeBoolean,
	"boolean":                     TypeBoolean,
	"timestamp":                   TypeTimestamp,
	"timestamp without time zone": TypeTimestamp,
	"datetime":                    TypeTimestamp,
	"timestamptz":                 TypeTimestampTZ,
	"timestamp with time zone":    TypeTimestampTZ,
	"date":                        TypeDate,
	"time":                        TypeTime,
	"timetz":                      TypeTime,
	"time without time zone":      TypeTime,
	"time with time zone":         TypeTime,
	"json":                        TypeJSON,
	"jsonb":                       TypeJSONB,
	"uuid":                        TypeUUID,
	"bytea":                       TypeBytea,
	"bytes":                       TypeBytea,
	"blob":                        TypeBytea,
	"binary":                      TypeBytea,
	"varbinary":                   TypeBytea,
	"array":                       TypeArray,
}

// CanonicalType reduces a declared or live type string to the shared
// vocabulary. Length, precision and array element types are dropped, so
// "character varying(255)" and "VARCHAR(20)" both become "varchar". Types
// outside the vocabulary are returned lowercased with parameters removed.
func CanonicalType(t string) string {
	s := strings.ToLower(strings.TrimSpace(t))
	if s == "" {
		return ""
	}
	if strings.HasSuffix(s, "[]") || strings.HasPrefix(s, "_") {
		return TypeArray
	}

	// Drop "(n)" / "(p,s)" wherever it appears, e.g. "timestamp(6) with time zone".
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	s = strings.Join(strings.Fields(b.String()), " ")

	if canon, ok := typeAliases[s]; ok {
		return canon
	}
	// "int auto_increment", "bigint unsigned"
	if fields := strings.Fields(s); len(fields) > 1 {
		if canon, ok := typeAliases[fields[0]]; ok {
			return canon
		}
	}
	return s
}

// TypesEquivalent reports whether a declared type matches a live type.
// An unstated declared type always matches.
func TypesEquivalent(declared, live string) bool {
	if declared == "" || strings.EqualFold(strings.TrimSpace(declared), "unknown") {
		return true
	}
	return CanonicalType(declared) == CanonicalType(live)
}

// isTextLike reports whether canonical type t stores arbitrary text.
func isTextLike(t string) bool {
	switch t {
	case TypeText, TypeVarchar, TypeChar:
		return true
	}
	return false
}
