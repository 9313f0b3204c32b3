package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// writeTree creates files under root from a path -> content map.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestListFiles_FiltersAndSorts(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/b.clj":                "",
		"src/a.clj":                "",
		"src/readme.md":            "",
		"src/node_modules/x.clj":   "",
		"src/nested/deeper/c.cljc": "",
		"other/ignored.clj":        "",
	})

	files, err := listFiles(context.Background(), root, []string{"src", "missing"}, []string{".clj", ".cljc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.clj", "src/b.clj", "src/nested/deeper/c.cljc"}, files)
}

func TestListFiles_OverlappingDirsDeduplicated(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"src/app/a.sql": ""})

	files, err := listFiles(context.Background(), root, []string{"src", "src/app"}, []string{".sql"})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/app/a.sql"}, files)
}

func TestReadText_StripsBOM(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.sql": "\ufeffCREATE TABLE x (id int);"})

	text, err := readText(root, "a.sql")
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE x (id int);", text)
}

func TestEachFile_RecordsParserPanic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"d/a.txt": "a", "d/b.txt": "b"})

	out := newPartial(model.SourceInitSQL)
	var seen []string
	eachFile(context.Background(), out, model.SourceInitSQL, root, []string{"d"}, []string{".txt"}, func(rel, text string) error {
		if rel == "d/a.txt" {
			panic("boom")
		}
		seen = append(seen, rel)
		return nil
	})

	assert.Equal(t, []string{"d/b.txt"}, seen)
	assert.Equal(t, 2, out.Metadata.FilesScanned[model.SourceInitSQL])
	require.Len(t, out.Metadata.Errors[model.SourceInitSQL], 1)
	assert.Contains(t, out.Metadata.Errors[model.SourceInitSQL][0], "d/a.txt: parser panic: boom")
}

func TestUnquoteIdent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"orders", "orders"},
		{`"Orders"`, "Orders"},
		{"public.orders", "orders"},
		{`"my.schema"."my.table"`, "my.table"},
		{"  spaced  ", "spaced"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, unquoteIdent(tt.in))
		})
	}
}

func TestExtractAll_RunsEverySource(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/models/card.clj": `(ns models.card)
(methodical/defmethod t2/table-name :model/Card [_model] :report_card)
(t2/deftransforms :model/Card {:dataset_query mi/transform-json})`,
		"frontend/types/card.ts": `export interface Card { id: number; archived: boolean; }`,
		"migrations/001.yaml": `databaseChangeLog:
  - changeSet:
      id: 1
      author: dev
      changes:
        - createTable:
            tableName: report_card
            columns:
              - column:
                  name: id
                  type: int
                  constraints:
                    primaryKey: true
`,
		"init/schema.sql": `CREATE TABLE report_card (id integer NOT NULL, name varchar(254) NOT NULL);`,
	})

	set := NewSet(config.SourceConfig{
		ModelPaths:     []string{"src"},
		TypeDeclPaths:  []string{"frontend"},
		ChangelogPaths: []string{"migrations"},
		InitSQLPaths:   []string{"init"},
		TypeTableMap:   map[string]string{"card": "report_card"},
	})

	p, err := set.ExtractAll(context.Background(), root)
	require.NoError(t, err)

	for src, partial := range map[model.Source]*model.UnifiedSchema{
		model.SourceModel:     p.Model,
		model.SourceTypeDecl:  p.TypeDecl,
		model.SourceChangelog: p.Changelog,
		model.SourceInitSQL:   p.InitSQL,
	} {
		require.NotNil(t, partial, src)
		tbl := partial.Table("report_card")
		require.NotNil(t, tbl, src)
		assert.Equal(t, src, tbl.Origin)
		assert.Equal(t, []model.Source{src}, partial.Metadata.Sources)
		assert.Equal(t, 1, partial.Metadata.FilesScanned[src], src)
	}
}

func TestExtractAll_NilExtractorYieldsEmptyPartial(t *testing.T) {
	set := Set{Model: NewModelExtractor([]string{"src"})}
	p, err := set.ExtractAll(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, p.TypeDecl.Tables)
	assert.Empty(t, p.Changelog.Tables)
	assert.Empty(t, p.InitSQL.Tables)
}

func TestExtractAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSet(config.SourceConfig{}).ExtractAll(ctx, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}
