package main

import (
	"os"

	"github.com/spf13/cobra"

	sketch "github.com/panpf/sketch-sub019"
)

func newClearCmd() *cobra.Command {
	var cacheDir string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entry of the disk caches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := sketch.ParseEnv()
			if err != nil {
				return err
			}
			if cacheDir != "" {
				cfg.CacheDir = cacheDir
			}
			if cfg.CacheDir == "" {
				printf(cmd, "no cache directory configured\n")
				return nil
			}

			engine, err := sketch.New(ctx, sketch.WithConfig(cfg), sketch.WithLogOutput(os.Stderr))
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.ClearDiskCaches(ctx); err != nil {
				return err
			}
			printf(cmd, "cleared %s\n", cfg.CacheDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Disk cache directory (overrides SKETCH_CACHE_DIR)")
	return cmd
}
