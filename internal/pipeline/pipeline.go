// Package pipeline orchestrates a validation run: version resolution,
// extraction, merge, caching and scope validation.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/cache"
	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/db"
	"github.com/sells-group/schema-check/internal/extract"
	"github.com/sells-group/schema-check/internal/merge"
	"github.com/sells-group/schema-check/internal/model"
	"github.com/sells-group/schema-check/internal/validate"
	"github.com/sells-group/schema-check/internal/version"
)

// PhaseStatus is the terminal state of a pipeline phase.
type PhaseStatus string

const (
	PhaseComplete PhaseStatus = "complete"
	PhaseFailed   PhaseStatus = "failed"
	PhaseSkipped  PhaseStatus = "skipped"
)

// Phase records one step of a run.
type Phase struct {
	Name       string      `json:"name"`
	Status     PhaseStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// Request describes one validation run.
type Request struct {
	Version      string   `json:"version"`
	Scopes       []string `json:"scopes"`
	ForceRefresh bool     `json:"force_refresh"`
}

// Outcome is the result of a validation run.
type Outcome struct {
	RunID     string                   `json:"run_id"`
	Version   string                   `json:"version"`
	FromCache bool                     `json:"from_cache"`
	Schema    *model.UnifiedSchema     `json:"-"`
	Results   []model.ValidationResult `json:"results"`
	Phases    []Phase                  `json:"phases"`
}

// Pipeline wires the resolver, extractors, cache and validators together.
type Pipeline struct {
	cfg        *config.Config
	resolver   *version.Resolver
	extractors extract.Set
	cache      cache.Cache
	registry   validate.Registry
}

// New creates a Pipeline. A nil cache disables caching.
func New(cfg *config.Config, resolver *version.Resolver, extractors extract.Set, c cache.Cache) *Pipeline {
	if c == nil {
		c = cache.Nop{}
	}
	return &Pipeline{
		cfg:        cfg,
		resolver:   resolver,
		extractors: extractors,
		cache:      c,
		registry:   validate.DefaultRegistry(),
	}
}

// WithRegistry replaces the scope validators.
func (p *Pipeline) WithRegistry(r validate.Registry) *Pipeline {
	p.registry = r
	return p
}

// Versions lists the supported release tags.
func (p *Pipeline) Versions(ctx context.Context) ([]string, error) {
	return p.resolver.ListVersions(ctx)
}

// Schema returns the unified schema for the requested version. Release
// schemas come from the cache unless forceRefresh is set; a fresh
// extraction overwrites the cache entry. The working tree is always
// extracted. Version resolution and checkout failures are fatal.
func (p *Pipeline) Schema(ctx context.Context, requested string, forceRefresh bool) (*model.UnifiedSchema, bool, error) {
	// An empty tag is the working tree, which has no stable cache key.
	tag, err := p.resolver.Resolve(ctx, requested)
	if err != nil {
		return nil, false, err
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("version", label(tag)))

	if tag != "" && !forceRefresh {
		if schema, ok := p.cache.Load(ctx, tag); ok {
			log.Info("pipeline: schema cache hit", zap.Int("tables", len(schema.Tables)))
			return schema, true, nil
		}
	}

	var schema *model.UnifiedSchema
	err = p.resolver.WithVersion(ctx, label(tag), func(root string) error {
		partials, err := p.extractors.ExtractAll(ctx, root)
		if err != nil {
			return err
		}
		schema = merge.Merge(partials.Model, partials.TypeDecl, partials.Changelog, partials.InitSQL)
		return nil
	})
	if err != nil {
		return nil, false, eris.Wrapf(err, "pipeline: extract %s", label(tag))
	}
	schema.Metadata.Version = label(tag)

	if tag != "" {
		if err := p.cache.Store(ctx, tag, schema); err != nil {
			log.Warn("pipeline: cache store failed", zap.Error(err))
		}
	}
	log.Info("pipeline: schema extracted",
		zap.Int("tables", len(schema.Tables)),
		zap.Int("columns", schema.ColumnCount()),
	)
	return schema, false, nil
}

// Run extracts (or loads) the schema for req.Version and validates the
// database behind pool against it. The returned error is non-nil only
// when no schema could be produced.
func (p *Pipeline) Run(ctx context.Context, pool db.Pool, req Request) (*Outcome, error) {
	out := &Outcome{RunID: uuid.NewString()}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", out.RunID))
	log.Info("pipeline: starting validation run",
		zap.String("version", label(req.Version)),
		zap.Strings("scopes", req.Scopes),
		zap.Bool("force_refresh", req.ForceRefresh),
	)

	trackPhase := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		phase := Phase{Name: name, Status: PhaseComplete, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			phase.Status = PhaseFailed
			phase.Error = err.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", phase.DurationMs),
				zap.Error(err),
			)
		} else {
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", phase.DurationMs),
			)
		}
		out.Phases = append(out.Phases, phase)
		return err
	}

	// ===== Phase 1: Schema (resolve, extract, merge, cache) =====
	err := trackPhase("1_schema", func() error {
		schema, fromCache, err := p.Schema(ctx, req.Version, req.ForceRefresh)
		if err != nil {
			return err
		}
		out.Schema = schema
		out.FromCache = fromCache
		out.Version = schema.Metadata.Version
		return nil
	})
	if err != nil {
		out.Phases = append(out.Phases, Phase{Name: "2_validate", Status: PhaseSkipped})
		return out, err
	}

	// ===== Phase 2: Validate =====
	_ = trackPhase("2_validate", func() error {
		catalog := db.NewCatalog(db.Throttle(pool, p.cfg.Database.QueriesPerSec), p.cfg.Database.Schema)
		env := validate.NewEnv(catalog, p.cfg, out.Version, out.RunID)
		runner := validate.NewRunner(env, p.registry, p.cfg.Validate.Concurrency)
		out.Results = runner.Run(ctx, scopesOrDefault(req.Scopes, p.cfg.Validate.Scopes), out.Schema)
		return nil
	})

	return out, nil
}

func scopesOrDefault(requested, configured []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return configured
}

func label(v string) string {
	if v == "" {
		return version.Latest
	}
	return v
}
