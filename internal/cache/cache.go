// Package cache persists merged schemas per application version so repeat
// validations skip checkout and extraction.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/schema-check/internal/config"
	"github.com/sells-group/schema-check/internal/model"
)

// Format is the current envelope format. Entries written with another format
// are treated as misses.
const Format = 1

// Cache stores one UnifiedSchema per version. Load reports a miss for absent,
// unreadable, corrupt or outdated entries; it never fails.
type Cache interface {
	Load(ctx context.Context, version string) (*model.UnifiedSchema, bool)
	Store(ctx context.Context, version string, schema *model.UnifiedSchema) error
	Clear(ctx context.Context) error
}

// envelope is the serialized form of a cache entry.
type envelope struct {
	Format   int                  `json:"format"`
	Version  string               `json:"version"`
	StoredAt time.Time            `json:"stored_at"`
	Schema   *model.UnifiedSchema `json:"schema"`
}

func encode(version string, schema *model.UnifiedSchema) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Format:   Format,
		Version:  version,
		StoredAt: time.Now().UTC(),
		Schema:   schema,
	})
	if err != nil {
		return nil, eris.Wrap(err, "cache: marshal schema")
	}
	return data, nil
}

func decode(version string, data []byte) (*model.UnifiedSchema, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, eris.Wrap(err, "cache: corrupt entry")
	}
	if env.Format != Format {
		return nil, eris.Errorf("cache: format %d, want %d", env.Format, Format)
	}
	if env.Version != version {
		return nil, eris.Errorf("cache: entry is for version %q", env.Version)
	}
	if env.Schema == nil || env.Schema.Tables == nil {
		return nil, eris.New("cache: entry has no schema")
	}
	return env.Schema, nil
}

// New builds the cache selected by cfg.Driver: "file", "sqlite" or "none".
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileCache(cfg.Dir), nil
	case "sqlite":
		return NewSQLiteCache(cfg.SQLitePath)
	case "none":
		return Nop{}, nil
	default:
		return nil, eris.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}

// Nop is a Cache that never stores anything.
type Nop struct{}

// Load always misses.
func (Nop) Load(context.Context, string) (*model.UnifiedSchema, bool) { return nil, false }

// Store discards the schema.
func (Nop) Store(context.Context, string, *model.UnifiedSchema) error { return nil }

// Clear is a no-op.
func (Nop) Clear(context.Context) error { return nil }
