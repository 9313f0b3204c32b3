package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/pipeline"
	"github.com/sells-group/schema-check/internal/report"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the database against the schema of a release",
	Long:  "Extracts (or loads from cache) the expected schema for --version and runs the selected validation scopes against the configured database.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		ver, _ := cmd.Flags().GetString("version")
		scopes, _ := cmd.Flags().GetStringSlice("scopes")
		force, _ := cmd.Flags().GetBool("force-refresh")
		formatName, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		strict, _ := cmd.Flags().GetBool("strict")

		format, err := report.ParseFormat(formatName)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "validate", true)
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Pipeline.Run(ctx, env.Pool, pipeline.Request{
			Version:      ver,
			Scopes:       scopes,
			ForceRefresh: force,
		})
		if err != nil {
			return eris.Wrap(err, "validate")
		}

		report.SortResults(out.Results)
		rep := report.New(out.RunID, out.Version, out.Results)
		if err := writeReport(output, format, rep); err != nil {
			return err
		}

		zap.L().Info("validation complete",
			zap.String("run_id", rep.RunID),
			zap.String("version", rep.Version),
			zap.Bool("from_cache", out.FromCache),
			zap.Int("total", rep.Summary.Total),
			zap.Int("failed", rep.Summary.Failed),
		)

		if strict && rep.Summary.Failed > 0 {
			return eris.Errorf("validate: %d of %d checks failed", rep.Summary.Failed, rep.Summary.Total)
		}
		return nil
	},
}

// writeReport writes rep to path, or to stdout when path is empty or "-".
func writeReport(path string, format report.Format, rep *report.Report) error {
	toFile, err := writeOutput(path, func(w io.Writer) error {
		return report.Write(w, format, rep)
	})
	if err != nil {
		return err
	}
	if toFile {
		fmt.Fprintf(os.Stderr, "Report written to %s (%d checks, %d failed)\n", path, rep.Summary.Total, rep.Summary.Failed)
	}
	return nil
}

func init() {
	validateCmd.Flags().String("version", "latest", "release tag to validate against, or latest for the working tree")
	validateCmd.Flags().StringSlice("scopes", nil, "scopes to run: structural, business_rules, data_integrity, migration_state, all (default from config)")
	validateCmd.Flags().Bool("force-refresh", false, "re-extract the schema even if it is cached")
	validateCmd.Flags().String("format", "csv", "report format: csv, json, xlsx")
	validateCmd.Flags().StringP("output", "o", "", "report file (default stdout)")
	validateCmd.Flags().Bool("strict", false, "exit non-zero when any check fails")
	rootCmd.AddCommand(validateCmd)
}
