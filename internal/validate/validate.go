// Package validate runs scoped validation batteries against a live
// PostgreSQL database, comparing it with an extracted schema.
package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/db"
	"github.com/sells-group/schema-check/internal/model"
)

// Env is the read-only context shared by every validator in a run.
type Env struct {
	Catalog   *db.Catalog
	Rules     config.RulesConfig
	Migration config.ValidateConfig
	Version   string
	RunID     string
	Now       func() time.Time
}

// NewEnv creates an Env for one run against version.
func NewEnv(catalog *db.Catalog, cfg *config.Config, version, runID string) *Env {
	return &Env{
		Catalog:   catalog,
		Rules:     ResolveRules(cfg.Rules),
		Migration: cfg.Validate,
		Version:   version,
		RunID:     runID,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// subject identifies what a result is about and where its expectation came from.
type subject struct {
	scope  model.Scope
	check  string
	table  string
	column string
	source model.Source
	method model.Confidence
}

func tableSubject(scope model.Scope, check string, t *model.TableDefinition) subject {
	return subject{scope: scope, check: check, table: t.Name, source: t.Origin, method: t.Confidence}
}

func columnSubject(scope model.Scope, check string, t *model.TableDefinition, c *model.ColumnDefinition) subject {
	return subject{scope: scope, check: check, table: t.Name, column: c.Name, source: c.Origin, method: c.Confidence}
}

// pinned reports whether the run targets a specific release.
func (e *Env) pinned() bool {
	return e.Version != "" && !strings.EqualFold(e.Version, "latest")
}

func (e *Env) result(s subject, passed bool, msg string) model.ValidationResult {
	version := e.Version
	if version == "" {
		version = "latest"
	}
	now := time.Now().UTC()
	if e.Now != nil {
		now = e.Now()
	}
	r := model.ValidationResult{
		Table:                s.table,
		Column:               s.column,
		Scope:                s.scope,
		Passed:               passed,
		SchemaSource:         s.source,
		IdentificationMethod: s.method,
		TargetVersion:        version,
		Timestamp:            now,
		Check:                s.check,
	}
	if !passed {
		r.ErrorMessage = msg
	}
	return r
}

func (e *Env) pass(s subject) model.ValidationResult {
	return e.result(s, true, "")
}

func (e *Env) fail(s subject, format string, args ...any) model.ValidationResult {
	return e.result(s, false, fmt.Sprintf(format, args...))
}

// checkFailed converts a query failure into a failed result for s.
func (e *Env) checkFailed(s subject, err error) model.ValidationResult {
	return e.fail(s, "%s check could not run: %v", s.check, err)
}

// Validator is one scope's battery of checks. Individual check failures are
// reported as failed results; a returned error fails the whole scope.
type Validator interface {
	Scope() model.Scope
	Validate(ctx context.Context, env *Env, schema *model.UnifiedSchema) ([]model.ValidationResult, error)
}

// Registry maps scopes to their validators.
type Registry map[model.Scope]Validator

// DefaultRegistry returns the four built-in validators.
func DefaultRegistry() Registry {
	r := make(Registry)
	for _, v := range []Validator{Structural{}, BusinessRules{}, DataIntegrity{}, MigrationState{}} {
		r[v.Scope()] = v
	}
	return r
}

// Runner dispatches scopes to validators and collects their results.
type Runner struct {
	env         *Env
	registry    Registry
	concurrency int
	log         *zap.Logger
}

// NewRunner creates a Runner. Concurrency below 1 runs scopes sequentially.
func NewRunner(env *Env, registry Registry, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		env:         env,
		registry:    registry,
		concurrency: concurrency,
		log:         zap.L().With(zap.String("component", "validate"), zap.String("run_id", env.RunID)),
	}
}

// plannedScope is one requested scope after parsing.
type plannedScope struct {
	raw       string
	scope     model.Scope
	validator Validator
	parseErr  error
}

// plan parses requested scope names. Empty input or "all" selects every
// scope; repeated scopes run once.
func (r *Runner) plan(scopes []string) []plannedScope {
	if len(scopes) == 0 {
		scopes = []string{"all"}
	}
	seen := make(map[model.Scope]bool)
	var out []plannedScope
	add := func(raw string, s model.Scope) {
		if seen[s] {
			return
		}
		seen[s] = true
		out = append(out, plannedScope{raw: raw, scope: s, validator: r.registry[s]})
	}
	for _, raw := range scopes {
		if strings.EqualFold(strings.TrimSpace(raw), "all") {
			for _, s := range model.AllScopes {
				add(raw, s)
			}
			continue
		}
		s, err := model.ParseScope(raw)
		if err != nil {
			out = append(out, plannedScope{raw: raw, parseErr: err})
			continue
		}
		add(raw, s)
	}
	return out
}

// Run executes the requested scopes concurrently and returns their results
// concatenated in request order. It never fails as a whole: unknown scopes
// and failing validators each yield one synthetic failed result.
func (r *Runner) Run(ctx context.Context, scopes []string, schema *model.UnifiedSchema) []model.ValidationResult {
	plan := r.plan(scopes)
	perScope := make([][]model.ValidationResult, len(plan))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, p := range plan {
		g.Go(func() error {
			perScope[i] = r.runScope(ctx, p, schema)
			return nil
		})
	}
	_ = g.Wait()

	var results []model.ValidationResult
	for _, rs := range perScope {
		results = append(results, rs...)
	}

	failed := 0
	for _, res := range results {
		if !res.Passed {
			failed++
		}
	}
	r.log.Info("validation run complete",
		zap.Int("scopes", len(plan)),
		zap.Int("results", len(results)),
		zap.Int("failed", failed),
	)
	return results
}

func (r *Runner) runScope(ctx context.Context, p plannedScope, schema *model.UnifiedSchema) (results []model.ValidationResult) {
	if p.parseErr != nil {
		r.log.Warn("unknown scope", zap.String("scope", p.raw))
		return []model.ValidationResult{r.env.fail(
			subject{scope: model.Scope(p.raw), check: "scope"},
			"unknown validation scope %q", p.raw,
		)}
	}
	if p.validator == nil {
		return []model.ValidationResult{r.env.fail(
			subject{scope: p.scope, check: "scope"},
			"no validator registered for scope %s", p.scope,
		)}
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("validator panicked", zap.String("scope", string(p.scope)), zap.Any("panic", rec))
			results = []model.ValidationResult{r.env.fail(
				subject{scope: p.scope, check: "scope"},
				"scope %s failed: panic: %v", p.scope, rec,
			)}
		}
	}()

	results, err := p.validator.Validate(ctx, r.env, schema)
	if err != nil {
		r.log.Error("validator failed", zap.String("scope", string(p.scope)), zap.Error(err))
		return []model.ValidationResult{r.env.fail(
			subject{scope: p.scope, check: "scope"},
			"scope %s failed: %v", p.scope, err,
		)}
	}
	r.log.Debug("scope complete",
		zap.String("scope", string(p.scope)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results
}
