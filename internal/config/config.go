package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Source   SourceConfig   `yaml:"source" mapstructure:"source"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Validate ValidateConfig `yaml:"validate" mapstructure:"validate"`
	Rules    RulesConfig    `yaml:"rules" mapstructure:"rules"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// SourceConfig locates the application's source artifacts inside its repository.
type SourceConfig struct {
	RepoPath       string            `yaml:"repo_path" mapstructure:"repo_path"`
	ModelPaths     []string          `yaml:"model_paths" mapstructure:"model_paths"`
	TypeDeclPaths  []string          `yaml:"typedecl_paths" mapstructure:"typedecl_paths"`
	ChangelogPaths []string          `yaml:"changelog_paths" mapstructure:"changelog_paths"`
	InitSQLPaths   []string          `yaml:"initsql_paths" mapstructure:"initsql_paths"`
	TypeTableMap   map[string]string `yaml:"type_table_map" mapstructure:"type_table_map"`
}

// DatabaseConfig configures the read-only connection to the target database.
type DatabaseConfig struct {
	URL                string  `yaml:"url" mapstructure:"url"`
	Schema             string  `yaml:"schema" mapstructure:"schema"`
	MaxConns           int32   `yaml:"max_conns" mapstructure:"max_conns"`
	StatementTimeoutMs int     `yaml:"statement_timeout_ms" mapstructure:"statement_timeout_ms"`
	QueriesPerSec      float64 `yaml:"queries_per_sec" mapstructure:"queries_per_sec"`
}

// CacheConfig configures the extracted-schema cache.
type CacheConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	Dir        string `yaml:"dir" mapstructure:"dir"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ValidateConfig configures the validation runner and the migration checks.
type ValidateConfig struct {
	Scopes                 []string `yaml:"scopes" mapstructure:"scopes"`
	Concurrency            int      `yaml:"concurrency" mapstructure:"concurrency"`
	ChangelogTable         string   `yaml:"changelog_table" mapstructure:"changelog_table"`
	ChangelogLockTable     string   `yaml:"changelog_lock_table" mapstructure:"changelog_lock_table"`
	SettingsTable          string   `yaml:"settings_table" mapstructure:"settings_table"`
	VersionSettingKey      string   `yaml:"version_setting_key" mapstructure:"version_setting_key"`
	VersionMarkerPath      string   `yaml:"version_marker_path" mapstructure:"version_marker_path"`
	ExpectedMigrationFiles []string `yaml:"expected_migration_files" mapstructure:"expected_migration_files"`
	JSONScanLimit          int      `yaml:"json_scan_limit" mapstructure:"json_scan_limit"`
}

// RulesConfig overrides the built-in business and integrity rule tables.
// Empty lists keep the built-in defaults.
type RulesConfig struct {
	Enums        []EnumRule        `yaml:"enums" mapstructure:"enums"`
	Patterns     []PatternRule     `yaml:"patterns" mapstructure:"patterns"`
	JSONColumns  []ColumnRef       `yaml:"json_columns" mapstructure:"json_columns"`
	OrphanRefs   []OrphanRule      `yaml:"orphan_refs" mapstructure:"orphan_refs"`
	QueryObjects []QueryObjectRule `yaml:"query_objects" mapstructure:"query_objects"`
}

// ColumnRef names a table column.
type ColumnRef struct {
	Table  string `yaml:"table" mapstructure:"table"`
	Column string `yaml:"column" mapstructure:"column"`
}

// EnumRule restricts a column to a fixed set of values.
type EnumRule struct {
	Table   string   `yaml:"table" mapstructure:"table"`
	Column  string   `yaml:"column" mapstructure:"column"`
	Allowed []string `yaml:"allowed" mapstructure:"allowed"`
}

// PatternRule requires non-null values of a column to match a regular expression.
type PatternRule struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Table   string `yaml:"table" mapstructure:"table"`
	Column  string `yaml:"column" mapstructure:"column"`
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
}

// OrphanRule describes a reference that is not enforced by a formal constraint.
type OrphanRule struct {
	Table     string `yaml:"table" mapstructure:"table"`
	Column    string `yaml:"column" mapstructure:"column"`
	RefTable  string `yaml:"ref_table" mapstructure:"ref_table"`
	RefColumn string `yaml:"ref_column" mapstructure:"ref_column"`
}

// QueryObjectRule requires JSON values in a column to carry top-level keys.
type QueryObjectRule struct {
	Table        string   `yaml:"table" mapstructure:"table"`
	Column       string   `yaml:"column" mapstructure:"column"`
	RequiredKeys []string `yaml:"required_keys" mapstructure:"required_keys"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional .env file, an optional
// schemacheck.yaml in the working directory and the environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file. A non-empty path must exist.
func LoadFrom(path string) (*Config, error) {
	// .env (optional); existing environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("schemacheck")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("SCHEMACHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("source.repo_path", ".")
	v.SetDefault("source.model_paths", []string{"src", "enterprise/backend/src"})
	v.SetDefault("source.typedecl_paths", []string{"frontend/src/metabase-types"})
	v.SetDefault("source.changelog_paths", []string{"resources/migrations"})
	v.SetDefault("source.initsql_paths", []string{"resources/migrations/initialization"})
	// Keys settable only from the environment still need a default so
	// Unmarshal sees them.
	v.SetDefault("database.url", "")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.statement_timeout_ms", 30000)
	v.SetDefault("database.queries_per_sec", 0)
	v.SetDefault("cache.driver", "file")
	v.SetDefault("cache.dir", ".schema-cache")
	v.SetDefault("cache.sqlite_path", ".schema-cache/cache.db")
	v.SetDefault("validate.scopes", []string{"all"})
	v.SetDefault("validate.concurrency", 4)
	v.SetDefault("validate.changelog_table", "databasechangelog")
	v.SetDefault("validate.changelog_lock_table", "databasechangeloglock")
	v.SetDefault("validate.settings_table", "setting")
	v.SetDefault("validate.version_setting_key", "version-info")
	v.SetDefault("validate.version_marker_path", "")
	v.SetDefault("validate.expected_migration_files", []string{
		"migrations/000_legacy_migrations.yaml",
		"migrations/001_update_migrations.yaml",
	})
	v.SetDefault("validate.json_scan_limit", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// CheckMode checks that the fields required by the given command mode are set.
// Modes: "validate", "extract", "serve".
func (c *Config) CheckMode(mode string) error {
	var errs []string

	switch mode {
	case "extract":
		errs = append(errs, c.sourceErrors()...)
	case "validate":
		errs = append(errs, c.sourceErrors()...)
		errs = append(errs, c.databaseErrors()...)
	case "serve":
		errs = append(errs, c.sourceErrors()...)
		errs = append(errs, c.databaseErrors()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Cache.Driver {
	case "file", "sqlite", "none":
	default:
		errs = append(errs, "cache.driver must be one of file, sqlite, none")
	}
	if c.Validate.Concurrency < 1 || c.Validate.Concurrency > 16 {
		errs = append(errs, "validate.concurrency must be between 1 and 16")
	}
	if c.Validate.JSONScanLimit < 0 {
		errs = append(errs, "validate.json_scan_limit must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) sourceErrors() []string {
	if c.Source.RepoPath == "" {
		return []string{"source.repo_path is required"}
	}
	return nil
}

func (c *Config) databaseErrors() []string {
	var errs []string
	if c.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}
	if c.Database.QueriesPerSec < 0 {
		errs = append(errs, "database.queries_per_sec must be >= 0")
	}
	return errs
}
