// Package extract reconstructs partial table schemas from an application's
// source artifacts: model definitions, frontend type declarations, the
// migration changelog and initialization SQL.
package extract

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/model"
)

// Extractor produces a partial schema from one artifact family. Extract never
// fails: unreadable or unparsable files are recorded in Metadata.Errors and
// skipped.
type Extractor interface {
	Source() model.Source
	Extract(ctx context.Context, root string) *model.UnifiedSchema
}

// Set bundles the four extractors in merge priority order.
type Set struct {
	Model     Extractor
	TypeDecl  Extractor
	Changelog Extractor
	InitSQL   Extractor
}

// NewSet builds the default extractors from source configuration.
func NewSet(cfg config.SourceConfig) Set {
	return Set{
		Model:     NewModelExtractor(cfg.ModelPaths),
		TypeDecl:  NewTypeDeclExtractor(cfg.TypeDeclPaths, cfg.TypeTableMap),
		Changelog: NewChangelogExtractor(cfg.ChangelogPaths),
		InitSQL:   NewInitSQLExtractor(cfg.InitSQLPaths),
	}
}

// Partials holds one partial schema per source.
type Partials struct {
	Model     *model.UnifiedSchema
	TypeDecl  *model.UnifiedSchema
	Changelog *model.UnifiedSchema
	InitSQL   *model.UnifiedSchema
}

// ExtractAll runs the four extractors concurrently against root and waits for
// all of them before returning.
func (s Set) ExtractAll(ctx context.Context, root string) (Partials, error) {
	log := zap.L().With(zap.String("component", "extract"), zap.String("root", root))

	extractors := []Extractor{s.Model, s.TypeDecl, s.Changelog, s.InitSQL}
	results := make([]*model.UnifiedSchema, len(extractors))

	g, gctx := errgroup.WithContext(ctx)
	for i, ex := range extractors {
		if ex == nil {
			results[i] = model.NewSchema()
			continue
		}
		g.Go(func() error {
			start := time.Now()
			results[i] = ex.Extract(gctx, root)
			log.Info("extraction complete",
				zap.String("source", string(ex.Source())),
				zap.Int("tables", len(results[i].Tables)),
				zap.Int("columns", results[i].ColumnCount()),
				zap.Int("errors", len(results[i].Metadata.Errors[ex.Source()])),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Partials{}, eris.Wrap(err, "extract: run extractors")
	}
	if err := ctx.Err(); err != nil {
		return Partials{}, eris.Wrap(err, "extract: cancelled")
	}

	return Partials{
		Model:     results[0],
		TypeDecl:  results[1],
		Changelog: results[2],
		InitSQL:   results[3],
	}, nil
}

// newPartial creates an empty partial schema tagged with src.
func newPartial(src model.Source) *model.UnifiedSchema {
	s := model.NewSchema()
	s.Metadata.Sources = []model.Source{src}
	s.Metadata.ExtractedAt = time.Now().UTC()
	s.Metadata.FilesScanned = map[model.Source]int{src: 0}
	return s
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
	".cpcache":     true,
}

// listFiles returns root-relative paths under each of dirs whose name ends
// with one of exts, in lexical order. Missing directories are skipped.
func listFiles(ctx context.Context, root string, dirs, exts []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	for _, dir := range dirs {
		base := filepath.Join(root, dir)
		if _, err := os.Stat(base); err != nil {
			if os.IsNotExist(err) {
				zap.L().Debug("extract: source dir not found", zap.String("dir", base))
				continue
			}
			return nil, eris.Wrapf(err, "extract: stat %s", base)
		}

		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if !hasSuffix(d.Name(), exts) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				files = append(files, rel)
			}
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "extract: walk %s", base)
		}
	}

	sort.Strings(files)
	return files, nil
}

func hasSuffix(name string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// readText reads a UTF-8 source file, dropping a leading byte order mark.
func readText(root, rel string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", eris.Wrapf(err, "read %s", rel)
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), raw)
	if err != nil {
		return "", eris.Wrapf(err, "decode %s", rel)
	}
	return string(out), nil
}

// eachFile lists files for an extractor, reads each one and hands it to fn.
// Listing, read and fn errors are recorded on out against the file.
func eachFile(ctx context.Context, out *model.UnifiedSchema, src model.Source, root string, dirs, exts []string, fn func(rel, text string) error) {
	files, err := listFiles(ctx, root, dirs, exts)
	if err != nil {
		out.AddError(src, err.Error())
		return
	}
	for _, rel := range files {
		if ctx.Err() != nil {
			out.AddError(src, "extraction cancelled")
			return
		}
		text, err := readText(root, rel)
		if err != nil {
			out.AddError(src, err.Error())
			continue
		}
		out.Metadata.FilesScanned[src]++
		if err := safeParse(rel, text, fn); err != nil {
			out.AddError(src, rel+": "+err.Error())
		}
	}
}

// safeParse runs fn, converting a panic inside a parser into an error so one
// malformed file cannot abort the extraction.
func safeParse(rel, text string, fn func(rel, text string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("parser panic: %v", r)
		}
	}()
	return fn(rel, text)
}

// column returns the named column of t, creating it with unknown type and
// nullability when absent.
func column(t *model.TableDefinition, name string, conf model.Confidence) *model.ColumnDefinition {
	if c, ok := t.Columns[name]; ok {
		return c
	}
	c := &model.ColumnDefinition{
		Name:       name,
		DataType:   model.TypeUnknown,
		Nullable:   model.NullUnknown,
		Origin:     t.Origin,
		Confidence: conf,
	}
	t.Columns[name] = c
	return c
}

// splitNames splits a comma separated identifier list such as "a, b".
func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = unquoteIdent(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// unquoteIdent strips SQL double quotes and any schema qualifier.
func unquoteIdent(s string) string {
	s = strings.TrimSpace(s)
	inQuote := false
	last := 0
	for i, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == '.' && !inQuote:
			last = i + 1
		}
	}
	return strings.Trim(s[last:], `"`)
}
