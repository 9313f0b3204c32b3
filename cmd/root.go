package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/config"
)

var cfg *config.Config

// rootFlags are persistent overrides applied on top of the loaded config.
type rootFlags struct {
	configPath string
	repoPath   string
	logLevel   string
	logFormat  string
}

var globals rootFlags

var rootCmd = &cobra.Command{
	Use:   "schema-check",
	Short: "Validate a live database against the schema its application expects",
	Long: `Reconstructs an application's expected database schema from its source
artifacts at a release tag, then validates a PostgreSQL database against it.

Configuration comes from schemacheck.yaml (or --config), SCHEMACHECK_*
environment variables and an optional .env file.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.LoadFrom(globals.configPath)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyOverrides(c, globals)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("repo", cfg.Source.RepoPath),
			zap.String("cache", cacheLabel(cfg.Cache.Driver)),
		)
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

// applyOverrides copies explicitly set flags onto c.
func applyOverrides(c *config.Config, f rootFlags) {
	if f.repoPath != "" {
		c.Source.RepoPath = f.repoPath
	}
	if f.logLevel != "" {
		c.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		c.Log.Format = f.logFormat
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globals.configPath, "config", "", "config file (default ./schemacheck.yaml)")
	pf.StringVar(&globals.repoPath, "repo", "", "application repository to extract from (overrides source.repo_path)")
	pf.StringVar(&globals.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&globals.logFormat, "log-format", "", "log format: json or console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
