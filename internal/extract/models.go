package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/sells-group/schema-check/internal/model"
)

// ModelExtractor reads Toucan-style model declarations from Clojure sources.
type ModelExtractor struct {
	dirs []string
}

// NewModelExtractor creates a ModelExtractor scanning dirs relative to the repo root.
func NewModelExtractor(dirs []string) *ModelExtractor {
	return &ModelExtractor{dirs: dirs}
}

// Source implements Extractor.
func (e *ModelExtractor) Source() model.Source { return model.SourceModel }

var (
	defmodelRe    = regexp.MustCompile(`\(models/defmodel\s+([\w\-\.\*\?!]+)\s+:([\w\-]+)`)
	tableNameRe   = regexp.MustCompile(`\((?:methodical/)?defmethod\s+t2/table-name\s+:model/([\w\-\.\*\?!]+)\s+\[[^\]]*\]\s+:([\w\-]+)`)
	primaryKeysRe = regexp.MustCompile(`\((?:methodical/)?defmethod\s+t2/primary-keys\s+:model/([\w\-\.\*\?!]+)\s+\[[^\]]*\]\s+\[([^\]]*)\]`)
	transformsRe  = regexp.MustCompile(`\(t2/deftransforms\s+:model/([\w\-\.\*\?!]+)`)
	deriveRe      = regexp.MustCompile(`\(derive\s+:model/([\w\-\.\*\?!]+)\s+:hook/([\w\-\?!]+)`)
	dotoRe        = regexp.MustCompile(`\(doto\s+:model/([\w\-\.\*\?!]+)`)
	hookRe        = regexp.MustCompile(`:hook/([\w\-\?!]+)`)
	keywordRe     = regexp.MustCompile(`:([\w\-]+)`)
)

// modelFacts accumulates everything the sources say about one model.
type modelFacts struct {
	table       string
	pks         []string
	transforms  map[string]string
	hooks       map[string]bool
	mentionedIn string
}

// Extract implements Extractor.
func (e *ModelExtractor) Extract(ctx context.Context, root string) *model.UnifiedSchema {
	out := newPartial(model.SourceModel)
	facts := make(map[string]*modelFacts)

	get := func(name, rel string) *modelFacts {
		f, ok := facts[name]
		if !ok {
			f = &modelFacts{transforms: make(map[string]string), hooks: make(map[string]bool), mentionedIn: rel}
			facts[name] = f
		}
		return f
	}

	eachFile(ctx, out, model.SourceModel, root, e.dirs, []string{".clj", ".cljc"}, func(rel, text string) error {
		parseModelFile(rel, text, get)
		return nil
	})

	names := make([]string, 0, len(facts))
	for name := range facts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := facts[name]
		if f.table == "" {
			if len(f.transforms) > 0 || len(f.pks) > 0 {
				out.AddError(model.SourceModel, f.mentionedIn+": model "+name+" has no table-name declaration")
			}
			continue
		}
		buildModelTable(out, f)
	}

	return out
}

func parseModelFile(rel, text string, get func(name, rel string) *modelFacts) {
	for _, m := range defmodelRe.FindAllStringSubmatch(text, -1) {
		f := get(m[1], rel)
		f.table = m[2]
	}
	for _, m := range tableNameRe.FindAllStringSubmatch(text, -1) {
		f := get(m[1], rel)
		f.table = m[2]
	}
	for _, m := range primaryKeysRe.FindAllStringSubmatch(text, -1) {
		f := get(m[1], rel)
		f.pks = nil
		for _, k := range keywordRe.FindAllStringSubmatch(m[2], -1) {
			f.pks = append(f.pks, k[1])
		}
	}
	for _, loc := range transformsRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		form, ok := balanced(text, loc[0], clojureDialect)
		if !ok {
			continue
		}
		f := get(name, rel)
		for col, tr := range parseTransformMap(form) {
			f.transforms[col] = tr
		}
	}
	for _, m := range deriveRe.FindAllStringSubmatch(text, -1) {
		get(m[1], rel).hooks[m[2]] = true
	}
	for _, loc := range dotoRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		form, ok := balanced(text, loc[0], clojureDialect)
		if !ok {
			continue
		}
		f := get(name, rel)
		for _, h := range hookRe.FindAllStringSubmatch(form, -1) {
			f.hooks[h[1]] = true
		}
	}
}

// parseTransformMap reads the {:column transform ...} map of a deftransforms
// form. Values are symbols such as mi/transform-json or inline maps.
func parseTransformMap(form string) map[string]string {
	out := make(map[string]string)
	form = stripComments(form, clojureDialect)
	open := strings.IndexByte(form, '{')
	if open < 0 {
		return out
	}
	body, ok := balanced(form, open, clojureDialect)
	if !ok {
		return out
	}
	items := splitTopLevel(inner(body), clojureDialect, func(c byte) bool {
		return unicode.IsSpace(rune(c)) || c == ','
	})
	for i := 0; i+1 < len(items); i += 2 {
		key := items[i]
		if !strings.HasPrefix(key, ":") {
			// Out of step; resync on the next keyword.
			i--
			continue
		}
		out[strings.TrimPrefix(key, ":")] = transformName(items[i+1])
	}
	return out
}

// transformName turns mi/transform-encrypted-json into "encrypted-json".
// Inline transform maps are reported as "custom".
func transformName(v string) string {
	if strings.HasPrefix(v, "{") {
		return "custom"
	}
	if i := strings.LastIndexByte(v, '/'); i >= 0 {
		v = v[i+1:]
	}
	return strings.TrimPrefix(v, "transform-")
}

func buildModelTable(out *model.UnifiedSchema, f *modelFacts) {
	t := out.Table(f.table)
	if t == nil {
		t = model.NewTable(f.table, model.SourceModel, model.Deterministic)
		out.Tables[f.table] = t
	}

	pks, pkConf := f.pks, model.Deterministic
	if len(pks) == 0 {
		// Toucan's default primary key.
		pks, pkConf = []string{"id"}, model.Heuristic
	}
	for _, pk := range pks {
		c := column(t, pk, pkConf)
		c.PrimaryKey = true
		c.Nullable = model.NotNull
	}
	t.AddConstraint(model.Constraint{Kind: model.ConstraintPrimaryKey, Columns: pks, Origin: model.SourceModel})

	for col, tr := range f.transforms {
		c := column(t, col, model.Deterministic)
		c.Transform = tr
	}

	if f.hooks["timestamped?"] {
		for _, name := range []string{"created_at", "updated_at"} {
			c := column(t, name, model.Heuristic)
			c.DataType = "timestamptz"
			c.Nullable = model.NotNull
		}
	}
	if f.hooks["entity-id"] {
		column(t, "entity_id", model.Heuristic)
	}
}
