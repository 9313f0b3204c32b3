package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/schema-check/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the extracted-schema cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := cache.New(cfg.Cache)
		if err != nil {
			return err
		}
		if closer, ok := c.(io.Closer); ok {
			defer closer.Close() //nolint:errcheck
		}

		if err := c.Clear(cmd.Context()); err != nil {
			return eris.Wrap(err, "cache clear")
		}
		fmt.Fprintf(os.Stderr, "Cache cleared (%s)\n", cacheLabel(cfg.Cache.Driver))
		return nil
	},
}

func cacheLabel(driver string) string {
	if driver == "" {
		return "file"
	}
	return driver
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
