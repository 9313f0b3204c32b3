package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Scope names a validation battery.
type Scope string

const (
	ScopeStructural     Scope = "structural"
	ScopeBusinessRules  Scope = "business_rules"
	ScopeDataIntegrity  Scope = "data_integrity"
	ScopeMigrationState Scope = "migration_state"
)

// AllScopes lists every scope in canonical run order.
var AllScopes = []Scope{ScopeStructural, ScopeBusinessRules, ScopeDataIntegrity, ScopeMigrationState}

// ParseScope converts user input such as "Structural", "business-rules" or
// "migrationstate" into a Scope.
func ParseScope(s string) (Scope, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "", "_", "", " ", "").Replace(norm)
	switch norm {
	case "structural":
		return ScopeStructural, nil
	case "businessrules":
		return ScopeBusinessRules, nil
	case "dataintegrity":
		return ScopeDataIntegrity, nil
	case "migrationstate":
		return ScopeMigrationState, nil
	default:
		return "", eris.Errorf("unknown scope: %q (valid: structural, business_rules, data_integrity, migration_state, all)", s)
	}
}

// ValidationResult is the outcome of one check. Field order is the canonical
// export order and must not change.
type ValidationResult struct {
	Table                string     `json:"table_name" csv:"table_name"`
	Column               string     `json:"column_name,omitempty" csv:"column_name"`
	Scope                Scope      `json:"validation_scope" csv:"validation_scope"`
	Passed               bool       `json:"check_passed" csv:"check_passed"`
	ErrorMessage         string     `json:"error_message,omitempty" csv:"error_message"`
	SchemaSource         Source     `json:"schema_source" csv:"schema_source"`
	IdentificationMethod Confidence `json:"identification_method" csv:"identification_method"`
	TargetVersion        string     `json:"target_version" csv:"target_version"`
	Timestamp            time.Time  `json:"timestamp" csv:"timestamp"`

	// Check names the individual check; used for grouping, not exported.
	Check string `json:"-" csv:"-"`
}

// Header returns the canonical column names in export order.
func Header() []string {
	return []string{
		"table_name",
		"column_name",
		"validation_scope",
		"check_passed",
		"error_message",
		"schema_source",
		"identification_method",
		"target_version",
		"timestamp",
	}
}

// Row renders the result as strings in canonical order.
func (r ValidationResult) Row() []string {
	passed := "false"
	if r.Passed {
		passed = "true"
	}
	return []string{
		r.Table,
		r.Column,
		string(r.Scope),
		passed,
		r.ErrorMessage,
		string(r.SchemaSource),
		string(r.IdentificationMethod),
		r.TargetVersion,
		r.Timestamp.UTC().Format(time.RFC3339),
	}
}
