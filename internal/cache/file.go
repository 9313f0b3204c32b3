package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/model"
)

const fileSuffix = ".schema.json"

// FileCache keeps one JSON envelope per version in a directory.
type FileCache struct {
	dir string
	log *zap.Logger
}

// NewFileCache creates a FileCache rooted at dir. The directory is created on
// first Store.
func NewFileCache(dir string) *FileCache {
	if dir == "" {
		dir = ".schema-cache"
	}
	return &FileCache{dir: dir, log: zap.L().With(zap.String("component", "cache.file"))}
}

// Dir returns the cache directory.
func (c *FileCache) Dir() string { return c.dir }

// fileName derives a stable file name from version. Characters outside
// [A-Za-z0-9._-] are replaced and a hash suffix keeps distinct versions
// distinct.
func fileName(version string) string {
	var b strings.Builder
	replaced := false
	for _, r := range version {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			replaced = true
		}
	}
	name := b.String()
	if name == "" || strings.Trim(name, ".") == "" {
		name, replaced = "_", true
	}
	if replaced {
		sum := sha256.Sum256([]byte(version))
		name += "-" + hex.EncodeToString(sum[:4])
	}
	return name + fileSuffix
}

func (c *FileCache) path(version string) string {
	return filepath.Join(c.dir, fileName(version))
}

// Load implements Cache.
func (c *FileCache) Load(_ context.Context, version string) (*model.UnifiedSchema, bool) {
	path := c.path(version)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("cache: unreadable entry", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}
	schema, err := decode(version, data)
	if err != nil {
		c.log.Warn("cache: discarding entry", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return schema, true
}

// Store implements Cache. The entry is written to a temporary file and renamed
// into place.
func (c *FileCache) Store(_ context.Context, version string, schema *model.UnifiedSchema) error {
	data, err := encode(version, schema)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return eris.Wrapf(err, "cache: create dir %s", c.dir)
	}

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return eris.Wrap(err, "cache: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "cache: write entry")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "cache: close entry")
	}
	if err := os.Rename(tmp.Name(), c.path(version)); err != nil {
		return eris.Wrap(err, "cache: rename entry")
	}
	c.log.Debug("cache: stored", zap.String("version", version), zap.Int("bytes", len(data)))
	return nil
}

// Clear implements Cache, removing every entry in the directory.
func (c *FileCache) Clear(_ context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return eris.Wrapf(err, "cache: read dir %s", c.dir)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			return eris.Wrapf(err, "cache: remove %s", e.Name())
		}
	}
	return nil
}
