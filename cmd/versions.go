package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/schema-check/internal/version"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List the release tags that can be validated against",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "extract", false)
		if err != nil {
			return err
		}
		defer env.Close()

		tags, err := env.Pipeline.Versions(ctx)
		if err != nil {
			return err
		}
		printVersions(os.Stdout, tags)
		return nil
	},
}

// printVersions prints latest first, then tags newest first.
func printVersions(w io.Writer, tags []string) {
	fmt.Fprintln(w, version.Latest)
	for i := len(tags) - 1; i >= 0; i-- {
		fmt.Fprintln(w, tags[i])
	}
}

func init() {
	rootCmd.AddCommand(versionsCmd)
}
