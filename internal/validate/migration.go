package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/schema-check/internal/model"
)

// MigrationState checks the migration tracking tables and the recorded
// migration history.
type MigrationState struct{}

// Scope implements Validator.
func (MigrationState) Scope() model.Scope { return model.ScopeMigrationState }

// maxReportedGaps bounds how many missing positions one result lists.
const maxReportedGaps = 5

func migrationSubject(check, table, column string) subject {
	return subject{
		scope:  model.ScopeMigrationState,
		check:  check,
		table:  table,
		column: column,
		source: model.SourceChangelog,
		method: model.Deterministic,
	}
}

// Validate implements Validator.
func (MigrationState) Validate(ctx context.Context, env *Env, _ *model.UnifiedSchema) ([]model.ValidationResult, error) {
	cfg := env.Migration
	changelog := orDefault(cfg.ChangelogTable, "databasechangelog")
	lock := orDefault(cfg.ChangelogLockTable, "databasechangeloglock")

	var results []model.ValidationResult
	changelogExists := false
	for _, table := range []string{changelog, lock} {
		subj := migrationSubject("tracking_table_exists", table, "")
		ok, err := env.Catalog.TableExists(ctx, table)
		switch {
		case err != nil:
			results = append(results, env.checkFailed(subj, err))
		case !ok:
			results = append(results, env.fail(subj, "migration tracking table %s does not exist", table))
		default:
			results = append(results, env.pass(subj))
			if table == changelog {
				changelogExists = true
			}
		}
	}

	if changelogExists {
		results = append(results,
			checksumCheck(ctx, env, changelog),
			orderCheck(ctx, env, changelog),
		)
		results = append(results, expectedFilesCheck(ctx, env, changelog)...)
	}
	results = append(results, versionMarkerCheck(ctx, env))
	return results, nil
}

func checksumCheck(ctx context.Context, env *Env, changelog string) model.ValidationResult {
	subj := migrationSubject("checksums_present", changelog, "md5sum")
	q := psql.Select("COUNT(*)").
		From(env.qualified(changelog)).
		Where(sq.Eq{"md5sum": nil})

	n, err := countRows(ctx, env.Catalog.Pool(), q)
	switch {
	case err != nil:
		return env.checkFailed(subj, err)
	case n > 0:
		return env.fail(subj, "%d applied migrations have no checksum", n)
	default:
		return env.pass(subj)
	}
}

func orderCheck(ctx context.Context, env *Env, changelog string) model.ValidationResult {
	subj := migrationSubject("execution_order", changelog, "orderexecuted")
	query, args, err := psql.Select("orderexecuted").
		From(env.qualified(changelog)).
		OrderBy("orderexecuted").
		ToSql()
	if err != nil {
		return env.checkFailed(subj, eris.Wrap(err, "validate: build query"))
	}
	rows, err := env.Catalog.Pool().Query(ctx, query, args...)
	if err != nil {
		return env.checkFailed(subj, eris.Wrap(err, "validate: query execution order"))
	}
	order, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return env.checkFailed(subj, eris.Wrap(err, "validate: scan execution order"))
	}

	if msg := orderProblem(order); msg != "" {
		return env.fail(subj, "%s", msg)
	}
	return env.pass(subj)
}

// orderProblem describes the first defect in an ascending-sorted
// orderexecuted sequence that should be exactly 1..n, or returns "".
func orderProblem(order []int64) string {
	if len(order) == 0 {
		return "no applied migrations recorded"
	}
	var prev int64
	var missing []string
	for _, v := range order {
		if v <= prev {
			return fmt.Sprintf("orderexecuted is not strictly increasing: %d follows %d", v, prev)
		}
		for p := prev + 1; p < v; p++ {
			missing = append(missing, fmt.Sprint(p))
		}
		prev = v
	}
	switch {
	case len(missing) == 0:
		return ""
	case len(missing) == 1:
		return "gap at position " + missing[0]
	case len(missing) > maxReportedGaps:
		return fmt.Sprintf("gaps at positions %s and %d more", strings.Join(missing[:maxReportedGaps], ", "), len(missing)-maxReportedGaps)
	default:
		return "gaps at positions " + strings.Join(missing, ", ")
	}
}

// expectedFilesCheck verifies each expected migration file appears among
// applied rows, matching on path suffix. Results name the file as the column.
func expectedFilesCheck(ctx context.Context, env *Env, changelog string) []model.ValidationResult {
	expected := env.Migration.ExpectedMigrationFiles
	if len(expected) == 0 {
		return nil
	}

	query, args, err := psql.Select("DISTINCT filename").From(env.qualified(changelog)).ToSql()
	if err != nil {
		return []model.ValidationResult{env.checkFailed(migrationSubject("migration_files", changelog, "filename"), err)}
	}
	rows, err := env.Catalog.Pool().Query(ctx, query, args...)
	if err != nil {
		return []model.ValidationResult{env.checkFailed(migrationSubject("migration_files", changelog, "filename"),
			eris.Wrap(err, "validate: query migration files"))}
	}
	applied, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return []model.ValidationResult{env.checkFailed(migrationSubject("migration_files", changelog, "filename"),
			eris.Wrap(err, "validate: scan migration files"))}
	}

	results := make([]model.ValidationResult, 0, len(expected))
	for _, file := range expected {
		subj := migrationSubject("migration_files", changelog, file)
		if hasSuffixMatch(applied, file) {
			results = append(results, env.pass(subj))
		} else {
			results = append(results, env.fail(subj, "no applied migrations from %s", file))
		}
	}
	return results
}

func hasSuffixMatch(applied []string, file string) bool {
	want := strings.TrimPrefix(strings.ReplaceAll(file, `\`, "/"), "/")
	for _, a := range applied {
		a = strings.ReplaceAll(a, `\`, "/")
		if a == want || strings.HasSuffix(a, "/"+want) {
			return true
		}
	}
	return false
}

// versionMarkerCheck verifies the settings table carries the version
// marker. For a pinned run with VersionMarkerPath set, the marker field at
// that gjson path must also name the target version. Without a path only
// presence is checked: stock version-info holds update-check data, not the
// installed release.
func versionMarkerCheck(ctx context.Context, env *Env) model.ValidationResult {
	settings := orDefault(env.Migration.SettingsTable, "setting")
	key := orDefault(env.Migration.VersionSettingKey, "version-info")
	subj := migrationSubject("version_marker", settings, "value")

	query, args, err := psql.Select("COALESCE(value, '')").
		From(env.qualified(settings)).
		Where(sq.Eq{quoteIdent("key"): key}).
		ToSql()
	if err != nil {
		return env.checkFailed(subj, err)
	}

	var value string
	err = env.Catalog.Pool().QueryRow(ctx, query, args...).Scan(&value)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return env.fail(subj, "setting %s not found", key)
	case err != nil:
		return env.checkFailed(subj, eris.Wrap(err, "validate: read version marker"))
	case strings.TrimSpace(value) == "":
		return env.fail(subj, "setting %s is empty", key)
	}

	path := env.Migration.VersionMarkerPath
	if path == "" || !env.pinned() {
		return env.pass(subj)
	}
	if !gjson.Valid(value) {
		return env.fail(subj, "setting %s is not valid JSON", key)
	}
	marker := gjson.Get(value, path)
	if !marker.Exists() || marker.String() == "" {
		return env.fail(subj, "setting %s has no %s field", key, path)
	}
	if strings.TrimPrefix(marker.String(), "v") != strings.TrimPrefix(env.Version, "v") {
		return env.fail(subj, "version marker %s does not match target version %s", marker.String(), env.Version)
	}
	return env.pass(subj)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
