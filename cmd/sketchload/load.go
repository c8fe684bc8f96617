package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	sketch "github.com/panpf/sketch-sub019"
)

// loadEnv holds the flags of the load command.
type loadEnv struct {
	cacheDir  string
	width     int
	height    int
	precision string
	depth     string
	rotate    float64
	blur      float64
	grayscale bool
	mask      string
	repeat    int
	jsonStats bool
}

func newLoadCmd() *cobra.Command {
	env := &loadEnv{}
	cmd := &cobra.Command{
		Use:   "load URI...",
		Short: "Load one or more images and print their origin",
		Args:  cobra.MinimumNArgs(1),
		RunE:  env.run,
	}

	cmd.Flags().StringVar(&env.cacheDir, "cache-dir", "", "Disk cache directory (overrides SKETCH_CACHE_DIR)")
	cmd.Flags().IntVar(&env.width, "width", 0, "Target width")
	cmd.Flags().IntVar(&env.height, "height", 0, "Target height")
	cmd.Flags().StringVar(&env.precision, "precision", "less-pixels", "One of less-pixels, same-aspect-ratio, exactly")
	cmd.Flags().StringVar(&env.depth, "depth", "network", "One of network, local, memory")
	cmd.Flags().Float64Var(&env.rotate, "rotate", 0, "Rotate by degrees")
	cmd.Flags().Float64Var(&env.blur, "blur", 0, "Gaussian blur radius")
	cmd.Flags().BoolVar(&env.grayscale, "grayscale", false, "Remove color")
	cmd.Flags().StringVar(&env.mask, "mask", "", "Tint with a hex color at half strength")
	cmd.Flags().IntVar(&env.repeat, "repeat", 1, "Load every URI this many times")
	cmd.Flags().BoolVar(&env.jsonStats, "json", false, "Print engine statistics as JSON")

	return cmd
}

func (l *loadEnv) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := sketch.ParseEnv()
	if err != nil {
		return err
	}
	if l.cacheDir != "" {
		cfg.CacheDir = l.cacheDir
	}

	opts, err := l.requestOptions()
	if err != nil {
		return err
	}

	engine, err := sketch.New(ctx, sketch.WithConfig(cfg), sketch.WithLogOutput(os.Stderr))
	if err != nil {
		return err
	}
	defer engine.Close()

	var failed int
	for range l.repeat {
		for _, uri := range args {
			res, err := engine.Execute(ctx, sketch.NewRequest(uri, opts...))
			if err != nil {
				failed++
				printf(cmd, "%s: %v\n", uri, err)
				continue
			}
			b := res.Image.Bounds()
			printf(cmd, "%s: %dx%d (source %dx%d %s) from %s\n",
				uri, b.Dx(), b.Dy(), res.Info.Width, res.Info.Height, res.Info.MimeType, res.DataFrom)
			if len(res.TransformsApplied) > 0 {
				printf(cmd, "  applied: %s\n", strings.Join(res.TransformsApplied, ", "))
			}
			res.Release()
		}
	}

	if err := l.printStats(cmd, engine.Stats()); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d loads failed", failed, l.repeat*len(args))
	}
	return nil
}

func (l *loadEnv) requestOptions() ([]sketch.RequestOption, error) {
	var opts []sketch.RequestOption

	switch l.depth {
	case "network":
	case "local":
		opts = append(opts, sketch.WithDepth(sketch.DepthLocal))
	case "memory":
		opts = append(opts, sketch.WithDepth(sketch.DepthMemory))
	default:
		return nil, fmt.Errorf("unknown depth %q", l.depth)
	}

	if l.width > 0 || l.height > 0 {
		var precision sketch.Precision
		switch l.precision {
		case "less-pixels":
			precision = sketch.PrecisionLessPixels
		case "same-aspect-ratio":
			precision = sketch.PrecisionSameAspectRatio
		case "exactly":
			precision = sketch.PrecisionExactly
		default:
			return nil, fmt.Errorf("unknown precision %q", l.precision)
		}
		opts = append(opts, sketch.WithResize(l.width, l.height, precision, sketch.ScaleCenterCrop))
	}

	if l.rotate != 0 {
		opts = append(opts, sketch.WithTransformations(sketch.Rotate{Degrees: l.rotate}))
	}
	if l.blur > 0 {
		opts = append(opts, sketch.WithTransformations(sketch.Blur{Radius: l.blur}))
	}
	if l.grayscale {
		opts = append(opts, sketch.WithTransformations(sketch.Grayscale{}))
	}
	if l.mask != "" {
		opts = append(opts, sketch.WithTransformations(sketch.Mask{Color: l.mask, Strength: 0.5}))
	}
	return opts, nil
}

func (l *loadEnv) printStats(cmd *cobra.Command, s sketch.Stats) error {
	if l.jsonStats {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	printf(cmd, "\nrequests: %d (%d coalesced, %d failed)\n", s.Loads.Requests, s.Loads.Coalesced, s.Loads.Failures)
	printf(cmd, "fetched:  %s in %d fetches\n", humanize.IBytes(uint64(s.Loads.BytesFetched)), s.Loads.Fetches)
	printf(cmd, "memory:   %s of %s, %d entries\n",
		humanize.IBytes(uint64(s.MemoryCache.Size)), humanize.IBytes(uint64(s.MemoryCache.MaxSize)), s.MemoryCache.Entries)
	printf(cmd, "pool:     %s of %s\n",
		humanize.IBytes(uint64(s.BitmapPool.Size)), humanize.IBytes(uint64(s.BitmapPool.MaxSize)))
	if s.ResultCache != nil {
		printf(cmd, "result:   %s of %s\n",
			humanize.IBytes(uint64(s.ResultCache.Size)), humanize.IBytes(uint64(s.ResultCache.MaxSize)))
	}
	if s.DownloadCache != nil {
		printf(cmd, "download: %s of %s\n",
			humanize.IBytes(uint64(s.DownloadCache.Size)), humanize.IBytes(uint64(s.DownloadCache.MaxSize)))
	}
	for name, tier := range s.Loads.Tiers {
		printf(cmd, "tier %-8s hits %d misses %d (%.0f%%)\n", name, tier.Hits, tier.Misses, tier.HitRate*100)
	}
	return nil
}
