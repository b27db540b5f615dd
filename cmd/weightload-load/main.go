package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/gpustack/weightload"
	"github.com/gpustack/weightload/devicesim"
	"github.com/gpustack/weightload/httpstore"
	"github.com/gpustack/weightload/localstore"
	"github.com/gpustack/weightload/util/signalx"
)

var Version = "v0.0.0"

func main() {
	name := filepath.Base(os.Args[0])

	var (
		dir          string
		url          string
		modelID      string
		bearerToken  string
		useMMap      bool
		verifyHashes bool
		debug        bool
		gpuBudget    uint64
		noSubgroups  bool
		keepF32      bool
	)

	app := &cli.App{
		Name:                   name,
		Usage:                  "Load a sharded model archive against a simulated GPU device and report stats.",
		UsageText:              name + " [global options]",
		Version:                Version,
		UseShortOptionHandling: true,
		HideHelp:               true,
		Reader:                 os.Stdin,
		Writer:                 os.Stdout,
		ErrWriter:              os.Stderr,
		OnUsageError: func(c *cli.Context, _ error, _ bool) error {
			return cli.ShowAppHelp(c)
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "help",
				Aliases: []string{"h"},
				Usage:   "Print the usage.",
			},
			&cli.StringFlag{
				Destination: &modelID,
				Category:    "Model",
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "Model ID to load, the directory/prefix both --dir and --url resolve the manifest under.",
			},
			&cli.StringFlag{
				Destination: &dir,
				Category:    "Storage/Local",
				Name:        "dir",
				Aliases:     []string{"d"},
				Usage:       "Local directory holding one subdirectory per model ID, works with --model. Mutually exclusive with --url.",
			},
			&cli.BoolFlag{
				Destination: &useMMap,
				Category:    "Storage/Local",
				Name:        "mmap",
				Usage:       "Serve ranged shard reads from an mmap'd file instead of os.File.ReadAt, works with --dir.",
			},
			&cli.StringFlag{
				Destination: &url,
				Category:    "Storage/Remote",
				Name:        "url",
				Usage:       "Base URL serving \"<url>/<model>/manifest.json\" and its shards over HTTP. Mutually exclusive with --dir.",
			},
			&cli.StringFlag{
				Destination: &bearerToken,
				Category:    "Storage/Remote",
				Name:        "bearer-token",
				Usage:       "Bearer auth token sent with every request, works with --url.",
			},
			&cli.BoolFlag{
				Destination: &verifyHashes,
				Value:       true,
				Category:    "Load",
				Name:        "verify-hashes",
				Usage:       "Verify shard digests during IntegrityCheck before loading begins.",
			},
			&cli.BoolFlag{
				Destination: &keepF32,
				Category:    "Load",
				Name:        "keep-f32",
				Usage:       "Skip the post-load F32->F16 downcast pass and dequantize non-fused Q4_K weights to F32; BF16 matmul and Q6_K weights still become F16.",
			},
			&cli.Uint64Flag{
				Destination: &gpuBudget,
				Category:    "Device",
				Name:        "gpu-budget",
				Usage:       "Simulated device buffer pool budget in bytes, 0 for unbounded.",
			},
			&cli.BoolFlag{
				Destination: &noSubgroups,
				Category:    "Device",
				Name:        "no-subgroups",
				Usage:       "Advertise no \"subgroups\" capability, forcing Q4_K matmul weights through the dequantized path instead of the fused passthrough.",
			},
			&cli.BoolFlag{
				Destination: &debug,
				Category:    "Load",
				Name:        "debug",
				Usage:       "Log at debug level and dump HTTP request/response traces, works with --url.",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("help") {
				return cli.ShowAppHelp(c)
			}
			return run(c.Context, runOptions{
				modelID:      modelID,
				dir:          dir,
				url:          url,
				bearerToken:  bearerToken,
				useMMap:      useMMap,
				verifyHashes: verifyHashes,
				debug:        debug,
				gpuBudget:    gpuBudget,
				noSubgroups:  noSubgroups,
				keepF32:      keepF32,
			})
		},
	}

	if err := app.RunContext(signalx.Handler(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type runOptions struct {
	modelID      string
	dir          string
	url          string
	bearerToken  string
	useMMap      bool
	verifyHashes bool
	debug        bool
	gpuBudget    uint64
	noSubgroups  bool
	keepF32      bool
}

func run(ctx context.Context, opts runOptions) error {
	if opts.modelID == "" {
		return fmt.Errorf("--model is required")
	}
	if (opts.dir == "") == (opts.url == "") {
		return fmt.Errorf("exactly one of --dir or --url must be set")
	}

	level := zerolog.InfoLevel
	if opts.debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	var backend weightload.StorageBackend
	if opts.dir != "" {
		backend = &localstore.Store{Dir: opts.dir, MMap: opts.useMMap}
	} else {
		backend = &httpstore.Store{BaseURL: opts.url, BearerAuthToken: opts.bearerToken, Debug: opts.debug}
	}

	deviceCfg := devicesim.DefaultDeviceConfig()
	deviceCfg.Budget = opts.gpuBudget
	if opts.noSubgroups {
		deviceCfg.Capabilities = []string{"f16", "bf16", "q6k"}
	}
	device := devicesim.NewDevice(deviceCfg)

	q4kCfg := weightload.DefaultQ4KConfig()
	q4kCfg.KeepF32Weights = opts.keepF32

	loader := weightload.NewLoader(device,
		weightload.WithLogger(log),
		weightload.WithStorageBackend(backend),
	)
	loader.SetQ4KConfig(q4kCfg)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	lastPercent := -1.0
	_, err := loader.Load(ctx, opts.modelID, weightload.LoadOptions{
		VerifyHashes: opts.verifyHashes,
		OnProgress: func(ev weightload.ProgressEvent) {
			if ev.Percent == lastPercent {
				return
			}
			lastPercent = ev.Percent
			fmt.Fprintf(tw, "progress\t%.1f%%\tshards=%d\tbytes=%d\n", ev.Percent, ev.ShardsLoaded, ev.BytesLoaded)
			tw.Flush()
		},
	})
	if err != nil {
		return fmt.Errorf("load %q: %w", opts.modelID, err)
	}
	defer loader.Unload(ctx)

	return printStats(os.Stdout, loader.Stats())
}

func printStats(w *os.File, stats weightload.LoaderStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD CACHE\t")
	fmt.Fprintf(tw, "  hits\t%d\n", stats.ShardCache.Hits)
	fmt.Fprintf(tw, "  misses\t%d\n", stats.ShardCache.Misses)
	fmt.Fprintf(tw, "  evictions\t%d\n", stats.ShardCache.Evictions)
	fmt.Fprintf(tw, "  resident bytes\t%d\n", stats.ShardCache.ResidentBytes)
	fmt.Fprintln(tw, "EXPERT CACHE\t")
	fmt.Fprintf(tw, "  hit rate\t%.2f\n", stats.Experts.HitRate)
	fmt.Fprintf(tw, "  in-use / pinned\t%d / %d\n", stats.Experts.InUseCount, stats.Experts.PinnedCount)
	fmt.Fprintf(tw, "  current / max size\t%d / %d\n", stats.Experts.CurrentSize, stats.Experts.MaxSize)
	fmt.Fprintln(tw, "MEMORY\t")
	fmt.Fprintf(tw, "  host heap bytes\t%d\n", stats.Memory.HostHeapBytes)
	fmt.Fprintf(tw, "  gpu pool bytes\t%d\n", stats.Memory.GPUPoolBytes)
	fmt.Fprintf(tw, "  shard cache bytes\t%d\n", stats.Memory.ShardCacheBytes)
	fmt.Fprintf(tw, "  layer buffer count\t%d\n", stats.Memory.LayerBufferCount)
	fmt.Fprintf(tw, "  weight bytes\t%d\n", stats.Memory.WeightBytes)
	return tw.Flush()
}
