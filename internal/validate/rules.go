package validate

import (
	"github.com/sells-group/schema-check/internal/config"
)

// EmailPattern is the POSIX regular expression values of email columns must match.
const EmailPattern = `^[^@[:space:]]+@[^@[:space:]]+\.[^@[:space:]]+$`

// DefaultRules returns the built-in business and integrity rule tables.
func DefaultRules() config.RulesConfig {
	return config.RulesConfig{
		Enums: []config.EnumRule{
			{Table: "report_card", Column: "type", Allowed: []string{"question", "model", "metric"}},
			{Table: "report_card", Column: "query_type", Allowed: []string{"query", "native"}},
			{Table: "core_user", Column: "type", Allowed: []string{"personal", "internal", "api-key"}},
			{Table: "metabase_field", Column: "visibility_type", Allowed: []string{"normal", "details-only", "sensitive", "hidden", "retired"}},
			{Table: "collection", Column: "type", Allowed: []string{"instance-analytics", "trash"}},
		},
		Patterns: []config.PatternRule{
			{Name: "email", Table: "core_user", Column: "email", Pattern: EmailPattern},
			{Name: "email", Table: "pulse_channel_recipient", Column: "email", Pattern: EmailPattern},
		},
		JSONColumns: []config.ColumnRef{
			{Table: "report_card", Column: "dataset_query"},
			{Table: "report_card", Column: "visualization_settings"},
			{Table: "report_dashboard", Column: "parameters"},
			{Table: "report_dashboardcard", Column: "parameter_mappings"},
			{Table: "metabase_field", Column: "fingerprint"},
		},
		OrphanRefs: []config.OrphanRule{
			{Table: "report_card", Column: "collection_id", RefTable: "collection", RefColumn: "id"},
			{Table: "report_dashboardcard", Column: "card_id", RefTable: "report_card", RefColumn: "id"},
			{Table: "metabase_field", Column: "fk_target_field_id", RefTable: "metabase_field", RefColumn: "id"},
			{Table: "activity", Column: "user_id", RefTable: "core_user", RefColumn: "id"},
		},
		QueryObjects: []config.QueryObjectRule{
			{Table: "report_card", Column: "dataset_query", RequiredKeys: []string{"database", "type"}},
		},
	}
}

// ResolveRules overlays configured rules on the defaults. Each non-empty
// configured list replaces the matching built-in list.
func ResolveRules(cfg config.RulesConfig) config.RulesConfig {
	rules := DefaultRules()
	if len(cfg.Enums) > 0 {
		rules.Enums = cfg.Enums
	}
	if len(cfg.Patterns) > 0 {
		rules.Patterns = cfg.Patterns
	}
	if len(cfg.JSONColumns) > 0 {
		rules.JSONColumns = cfg.JSONColumns
	}
	if len(cfg.OrphanRefs) > 0 {
		rules.OrphanRefs = cfg.OrphanRefs
	}
	if len(cfg.QueryObjects) > 0 {
		rules.QueryObjects = cfg.QueryObjects
	}
	return rules
}
